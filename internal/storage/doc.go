// Package storage persists what the dispatcher needs to remember between
// one-shot runs:
//   - a dispatch history (one summary row per Send)
//   - dedup deadlines, so an identical alert is not repeated inside the window
//
// Two drivers exist: "file" (JSON Lines + snapshot) and "sqlite".
package storage
