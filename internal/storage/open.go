package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "focusloop/pkg/logx"
)

// Store persists session records. Durability is the caller's concern:
// errors are returned, never retried here.
type Store interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	UpdateSessionCompletion(ctx context.Context, id string, completed bool, end time.Time) error
	TodayStats(ctx context.Context, day time.Time) (TodayStats, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
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
