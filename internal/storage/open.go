package storage

import (
	"context"
	"errors"
	"strings"

	logx "sitechecker/pkg/logx"
)

type Store interface {
	AppendCheck(ctx context.Context, r CheckRecord) error
	// RecentChecks returns up to limit records, newest first. An empty site
	// matches every site.
	RecentChecks(ctx context.Context, site string, limit int) ([]CheckRecord, error)

	PutWork(ctx context.Context, w WorkRecord) error
	DeleteWork(ctx context.Context, id string) error
	// PendingWork returns stored requests, oldest first.
	PendingWork(ctx context.Context) ([]WorkRecord, error)

	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
