package sitecheck

import (
	"time"
)

// TaskInitialize is the work task type submitted on boot.
const TaskInitialize = "initialize"

// Site states.
const (
	StateUp   = "up"
	StateDown = "down"
	// StateBoot marks the stored row written by each initialize run.
	StateBoot = "boot"
	// StateAborted marks a probe cut short by the caller (shutdown or rate
	// limit wait). It says nothing about the site and is never recorded.
	StateAborted = "aborted"
)

const schedulePrefix = "site:"

// Site is one monitored endpoint.
type Site struct {
	Name   string
	URL    string
	Method string // default GET
	// Interval is any form the scheduler parses. Empty uses the service default.
	Interval string
	Timeout  time.Duration
	// ExpectStatus lists the codes that count as up. Empty means 200-399.
	ExpectStatus []int
}

// Result is the outcome of one probe.
type Result struct {
	Site    string        `json:"site"`
	URL     string        `json:"url"`
	State   string        `json:"state"`
	Status  int           `json:"status,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

// Up reports whether the probe succeeded.
func (r Result) Up() bool { return r.State == StateUp }

// Aborted reports whether the probe was cut short before it could judge the site.
func (r Result) Aborted() bool { return r.State == StateAborted }

// SiteStatus is the last known state of a site.
type SiteStatus struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Interval string    `json:"interval"`
	State    string    `json:"state,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Last     *Result   `json:"last,omitempty"`
}

func scheduleName(site string) string { return schedulePrefix + site }
