// Package storage persists site check results and pending work requests.
//
// Two drivers are available: "file" (JSON lines plus a snapshot/journal pair)
// and "sqlite". An empty driver or "none" disables persistence.
package storage
