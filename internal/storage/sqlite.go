package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
	logx "sitechecker/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// checksKeep bounds the checks table; older rows are pruned on insert.
const checksKeep = 50_000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	inserts    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY away.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendCheck(ctx context.Context, r CheckRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checks(at, site, url, state, status, latency_ms, err) VALUES(?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.Site, nullStr(r.URL), r.State, r.Status, r.LatencyMS, nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.inserts.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if err := s.pruneChecks(pctx); err != nil {
			s.log.Debug("checks prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecentChecks(ctx context.Context, site string, limit int) ([]CheckRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT at, site, url, state, status, latency_ms, err FROM checks`
	args := []any{}
	if site = strings.TrimSpace(site); site != "" {
		q += ` WHERE site = ?`
		args = append(args, site)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var (
			r        CheckRecord
			at       string
			url, msg sql.NullString
		)
		if err := rows.Scan(&at, &r.Site, &url, &r.State, &r.Status, &r.LatencyMS, &msg); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.URL, r.Error = url.String, msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutWork(ctx context.Context, w WorkRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("work id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work(id, task_type, tags, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET task_type=excluded.task_type, tags=excluded.tags`,
		w.ID, w.TaskType, nullStr(strings.Join(w.Tags, ",")), w.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteWork(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM work WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PendingWork(ctx context.Context) ([]WorkRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_type, tags, created_at FROM work ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkRecord
	for rows.Next() {
		var (
			w       WorkRecord
			tags    sql.NullString
			created string
		)
		if err := rows.Scan(&w.ID, &w.TaskType, &tags, &created); err != nil {
			return nil, err
		}
		if tags.String != "" {
			w.Tags = strings.Split(tags.String, ",")
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneChecks(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checks WHERE id <= (SELECT MAX(id) FROM checks) - ?`, checksKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
