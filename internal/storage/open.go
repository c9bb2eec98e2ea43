package storage

import (
	"context"
	"errors"
	"strings"

	"shutdownd/pkg/logx"
)

// Store is the persistence API used by the scheduling engine.
//
// SaveJobs replaces the whole durable job set; the engine's job cardinality is
// tiny (a handful of pending shutdowns), so full rewrites stay cheap and keep
// disk and memory trivially consistent.
type Store interface {
	SaveJobs(ctx context.Context, jobs map[string]JobRecord) error
	LoadJobs(ctx context.Context) (map[string]JobRecord, error)
	AppendAudit(ctx context.Context, event string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
