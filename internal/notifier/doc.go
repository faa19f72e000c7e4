// Package notifier delivers site state alerts to operators.
//
// Telegram is the real transport. Log stands in when Telegram is disabled so
// transitions are still visible. Dedup wraps any Notifier and drops repeats
// of the same alert inside a window.
package notifier
