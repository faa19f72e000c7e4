package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CheckRecord is one probe result, or a boot marker when State is "boot".
type CheckRecord struct {
	At        time.Time `json:"at"`
	Site      string    `json:"site"`
	URL       string    `json:"url,omitempty"`
	State     string    `json:"state"`
	Status    int       `json:"status,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// WorkRecord is a work request that has not reached a terminal state.
type WorkRecord struct {
	ID        string    `json:"id"`
	TaskType  string    `json:"task_type"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
