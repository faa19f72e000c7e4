// Package systemd wraps the systemctl command line for hosts where the
// D-Bus API is unreachable.
package systemd

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// SystemState returns the output of `systemctl is-system-running`, e.g.
// "starting", "running", "degraded" or "stopping". The command exits
// non-zero for every state but "running", so the exit status is ignored
// whenever a state was printed.
func SystemState(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-system-running").Output()
	state := strings.TrimSpace(string(out))
	if state != "" {
		return state, nil
	}
	if err == nil {
		err = errors.New("systemctl printed no state")
	}
	return "", err
}

// IsActive reports whether unit is active.
func IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).Output()
	state := strings.TrimSpace(string(out))
	if state == "" && err != nil {
		return false, err
	}
	return state == "active", nil
}
