//go:build linux

package bootsignal

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	logx "sitechecker/pkg/logx"
	"sitechecker/pkg/systemd"
)

// dbusStateReader asks the systemd manager over D-Bus and falls back to
// systemctl while no connection is available.
type dbusStateReader struct {
	conn *dbus.Conn
	log  logx.Logger
}

func newSystemStateReader(ctx context.Context, log logx.Logger) (stateReader, error) {
	r := &dbusStateReader{log: log}
	r.connect(ctx)
	return r, nil
}

func (r *dbusStateReader) connect(ctx context.Context) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		r.log.Debug("systemd dbus unavailable; using systemctl", logx.Err(err))
		return
	}
	r.conn = conn
}

func (r *dbusStateReader) SystemState(ctx context.Context) (string, error) {
	if r.conn == nil {
		r.connect(ctx)
	}
	if r.conn != nil {
		p, err := r.conn.SystemStateContext(ctx)
		if err == nil {
			if s, ok := p.Value.Value().(string); ok {
				return s, nil
			}
			return "", fmt.Errorf("unexpected SystemState value %v", p.Value)
		}
		r.log.Debug("dbus SystemState failed; reconnecting", logx.Err(err))
		r.conn.Close()
		r.conn = nil
	}
	return systemd.SystemState(ctx)
}

func (r *dbusStateReader) Close() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
