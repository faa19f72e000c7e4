// Package bootsignal delivers boot events to a boot.Handler.
//
// Sources decide when an event happens: at daemon startup, when systemd
// reports the system is up, or when another component publishes a broadcast
// on the event bus. The admin HTTP server dispatches events posted by
// clients. Every path ends in Dispatcher.Dispatch, which logs, counts and
// returns the handler's error to the caller.
package bootsignal
