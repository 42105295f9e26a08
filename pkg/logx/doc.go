// Package logx is the zerolog front end used across tradealert.
//
// Components log through Logger and Field only. A Service owns the sinks
// (console on stderr, JSON lines in a file) and can swap them on config
// reload; every Logger derived from it follows the swap. Stdout is left
// alone so command output stays machine readable.
package logx
