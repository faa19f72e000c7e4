// Package sitecheck runs the site probes that the boot-time initialize task
// brings online.
//
// InitializeWorker registers one "site:<name>" schedule per enabled site and
// probes every site once. Each probe result goes through the Monitor, which
// stores it, records metrics and alerts when a site goes down or recovers.
package sitecheck
