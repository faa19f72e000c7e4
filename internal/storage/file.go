package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "sitechecker/pkg/logx"
)

// compactEvery is the number of journal writes between snapshot compactions.
const compactEvery = 200

// fileStore keeps three files next to Config.Path:
//
//	<prefix>.checks.jsonl         append-only check rows
//	<prefix>.work.snapshot.json   pending work at last compaction
//	<prefix>.work.journal.jsonl   put/delete ops since the snapshot
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	checksPath string
	checksFile *os.File

	snapshotPath string
	journalFile  *os.File
	work         map[string]WorkRecord
	writes       int
}

type journalOp struct {
	Op   string     `json:"op"` // put | del
	Work WorkRecord `json:"work"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		checksPath:   prefix + ".checks.jsonl",
		snapshotPath: prefix + ".work.snapshot.json",
		work:         map[string]WorkRecord{},
	}
	journalPath := prefix + ".work.journal.jsonl"

	var err error
	if s.checksFile, err = os.OpenFile(s.checksPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if err := loadWorkSnapshot(s.snapshotPath, s.work); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("work snapshot unreadable", logx.Err(err))
	}
	if err := replayWorkJournal(journalPath, s.work); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("work journal unreadable", logx.Err(err))
	}
	if s.journalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.checksFile.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("pending_work", len(s.work)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.checksFile != nil {
		errs = append(errs, s.checksFile.Close())
		s.checksFile = nil
	}
	if s.journalFile != nil {
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendCheck(_ context.Context, r CheckRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checksFile == nil {
		return errors.New("checks file closed")
	}
	return json.NewEncoder(s.checksFile).Encode(r)
}

func (s *fileStore) RecentChecks(ctx context.Context, site string, limit int) ([]CheckRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	site = strings.TrimSpace(site)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.checksPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last limit matches.
	ring := make([]CheckRecord, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r CheckRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			continue
		}
		if site != "" && r.Site != site {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]CheckRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) PutWork(_ context.Context, w WorkRecord) error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("work id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.work[w.ID] = w
	return s.journalLocked(journalOp{Op: "put", Work: w})
}

func (s *fileStore) DeleteWork(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.work[id]; !ok {
		return nil
	}
	delete(s.work, id)
	return s.journalLocked(journalOp{Op: "del", Work: WorkRecord{ID: id}})
}

func (s *fileStore) PendingWork(context.Context) ([]WorkRecord, error) {
	s.mu.Lock()
	out := make([]WorkRecord, 0, len(s.work))
	for _, w := range s.work {
		out = append(out, w)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fileStore) journalLocked(op journalOp) error {
	if s.journalFile == nil {
		return errors.New("work journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("work journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the in-memory set to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.work); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadWorkSnapshot(path string, out map[string]WorkRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]WorkRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayWorkJournal(path string, out map[string]WorkRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if json.Unmarshal(sc.Bytes(), &op) != nil || op.Work.ID == "" {
			continue
		}
		switch op.Op {
		case "put":
			out[op.Work.ID] = op.Work
		case "del":
			delete(out, op.Work.ID)
		}
	}
	return sc.Err()
}
