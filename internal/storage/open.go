package storage

import (
	"context"
	"errors"
	"strings"

	logx "dashbot/pkg/logx"
)

// Open builds the configured backend and loads it into a new Register.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Register, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := openBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	r, err := NewRegister(ctx, b, log, cfg.Debounce)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return r, nil
}

func openBackend(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory", "none":
		return NewMemoryBackend(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
