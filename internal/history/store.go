// Package history persists terminal task records so run outcomes survive
// both the in-memory retention sweep and process restarts.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskpilot/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the history store.
//
// If Driver is empty or "none", history is disabled and Open returns
// (nil, nil).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention bounds how far back records are kept; 0 means forever.
	Retention time.Duration
}

// Record is one terminal task outcome. Keep it compact and schema-stable.
type Record struct {
	TaskID   string
	Name     string
	Priority string
	Status   string
	Attempt  int
	Duration time.Duration
	Error    string
	At       time.Time
}

// Store is the minimal persistence API used by the recorder and diagnostics.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
