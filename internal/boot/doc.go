// Package boot bridges the host's "boot completed" notification to a single
// deferred work submission.
//
// The Receiver holds no state. For every event whose action is exactly
// ActionBootCompleted it builds a fresh one-time WorkRequest and submits it to
// the injected WorkScheduler. Any other action, including an empty one or a
// nil event, is ignored. Submission errors are returned to the caller
// unchanged: no retries, no logging.
package boot
