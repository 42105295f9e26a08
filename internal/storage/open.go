package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "tradealert/pkg/logx"
)

// Store is the persistence API used by the dispatcher and the history command.
type Store interface {
	AppendDispatch(ctx context.Context, r DispatchRecord) error
	// RecentDispatches returns at most n records, newest first. A non-empty
	// priority keeps only records of that priority.
	RecentDispatches(ctx context.Context, n int, priority string) ([]DispatchRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
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
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
