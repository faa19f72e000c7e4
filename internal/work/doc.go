// Package work runs one-time work requests on the task engine.
//
// Manager implements boot.WorkScheduler. Callers register a Factory per task
// type; Enqueue turns each request into an engine job. When a store is
// configured, requests are persisted until they reach a terminal state and
// replayed by the next Start, so work accepted before a crash is not lost.
package work
