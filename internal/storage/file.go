package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "focusloop/pkg/logx"
)

// fileStore keeps every session in memory and journals each change.
//
// Files:
//   - <prefix>.sessions.snapshot.json (periodic snapshot)
//   - <prefix>.sessions.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	sessions     map[string]SessionRecord

	writes       int
	compactEvery int
}

type journalOp struct {
	Op     string        `json:"op"`
	Record SessionRecord `json:"record"`
}

const (
	opSave     = "save"
	opComplete = "complete"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".sessions.snapshot.json"
	journalPath := prefix + ".sessions.journal.jsonl"

	sessions := map[string]SessionRecord{}
	if err := loadSnapshot(snapPath, sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("session snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("session journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("sessions", len(sessions)))

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		sessions:     sessions,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("session id is required")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: opSave, Record: rec}); err != nil {
		return err
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *fileStore) UpdateSessionCompletion(ctx context.Context, id string, completed bool, end time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Completed = completed
	rec.EndTime = &end
	rec.UpdatedAt = time.Now()
	if err := s.appendLocked(journalOp{Op: opComplete, Record: rec}); err != nil {
		return err
	}
	s.sessions[id] = rec
	return nil
}

func (s *fileStore) TodayStats(ctx context.Context, day time.Time) (TodayStats, error) {
	_ = ctx
	start, end := dayBounds(day)
	st := TodayStats{Date: start.Format(time.DateOnly)}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.sessions {
		if r.StartTime.Before(start) || !r.StartTime.Before(end) {
			continue
		}
		accumulate(&st, r)
	}
	return st, nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return errors.New("session journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// The write itself already succeeded; a failed compaction only delays it.
		if err := s.compactLocked(op.Record); err != nil {
			s.log.Debug("session compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot including pending, which is not yet in
// s.sessions, and truncates the journal.
func (s *fileStore) compactLocked(pending SessionRecord) error {
	all := make(map[string]SessionRecord, len(s.sessions)+1)
	for k, v := range s.sessions {
		all[k] = v
	}
	all[pending.ID] = pending

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]SessionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]SessionRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]SessionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		if op.Record.ID == "" {
			continue
		}
		out[op.Record.ID] = op.Record
	}
	return sc.Err()
}
