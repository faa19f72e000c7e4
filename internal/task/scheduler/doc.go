// Package scheduler turns cron expressions and fixed intervals into engine
// jobs. It owns trigger timing only; execution, retries and overlap control
// belong to the task engine.
package scheduler
