package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures the backend.
//
// Driver values: "file" (default), "sqlite", "redis", "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Watch       bool          // file only: reload on external change
	Debounce    time.Duration // file only: reload debounce, default 2s
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "dashbot"
}

// Backend persists the register contents.
//
// Load returns every stored document. Save is called after each mutation with
// the name of the changed document and the full register contents; a document
// missing from all has been cleared.
type Backend interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Save(ctx context.Context, changed string, all map[string]json.RawMessage) error
	Close() error
}

// Watcher is implemented by backends that can report external modifications.
// Watch blocks until ctx is done, calling onChange for each detected change.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
