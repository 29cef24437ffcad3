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
	"time"

	logx "focusloop/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Fixed-width UTC so that text comparison orders like time.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
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

func sqlTime(t time.Time) string { return t.UTC().Format(sqlTimeLayout) }

func (s *sqliteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("session id is required")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	var end any
	if rec.EndTime != nil {
		end = sqlTime(*rec.EndTime)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO focus_sessions(id, start_time, end_time, duration_seconds, session_type, completed, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   start_time=excluded.start_time, end_time=excluded.end_time,
		   duration_seconds=excluded.duration_seconds, session_type=excluded.session_type,
		   completed=excluded.completed, updated_at=excluded.updated_at`,
		rec.ID, sqlTime(rec.StartTime), end, int64(rec.DurationSeconds), rec.Type, rec.Completed,
		sqlTime(rec.CreatedAt), sqlTime(now),
	)
	return err
}

func (s *sqliteStore) UpdateSessionCompletion(ctx context.Context, id string, completed bool, end time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE focus_sessions SET completed = ?, end_time = ?, updated_at = ? WHERE id = ?`,
		completed, sqlTime(end), sqlTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) TodayStats(ctx context.Context, day time.Time) (TodayStats, error) {
	if s == nil || s.db == nil {
		return TodayStats{}, ErrDisabled
	}
	start, end := dayBounds(day)
	st := TodayStats{Date: start.Format(time.DateOnly)}

	var focusSeconds sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN session_type = ? THEN 1 END),
		   COUNT(CASE WHEN session_type IN (?, ?) THEN 1 END),
		   SUM(CASE WHEN session_type = ? AND completed = 1 THEN duration_seconds ELSE 0 END)
		 FROM focus_sessions
		 WHERE start_time >= ? AND start_time < ?`,
		TypeFocus, TypeLongBreak, TypeMicroBreak, TypeFocus, sqlTime(start), sqlTime(end),
	).Scan(&st.FocusCount, &st.BreakCount, &focusSeconds)
	if err != nil {
		return TodayStats{}, err
	}
	if focusSeconds.Valid && focusSeconds.Int64 > 0 {
		st.TotalFocusSeconds = uint64(focusSeconds.Int64)
	}
	return st, nil
}
