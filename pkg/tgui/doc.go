// Package tgui holds the small text helpers shared by the chat-bot renderer
// and the CLI: HTML escaping for the bot API's HTML parse mode and rune-safe
// truncation.
package tgui
