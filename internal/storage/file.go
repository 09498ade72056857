package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "dashbot/pkg/logx"
)

// fileBackend stores the whole register as one indented JSON object.
//
// Every Save rewrites the file (tmp + rename). A file that is missing or does
// not parse as a JSON object is replaced by "{}".
type fileBackend struct {
	path string
	log  logx.Logger

	mu        sync.Mutex
	lastWrite uint64 // fnv64 of the bytes we last wrote; lets Watch ignore our own writes
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{path: path, log: log}, nil
}

func (f *fileBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		empty := map[string]json.RawMessage{}
		return empty, f.writeLocked(empty)
	}
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		f.log.Warn("storage file corrupt; resetting", logx.String("path", f.path), logx.Err(err))
		empty := map[string]json.RawMessage{}
		return empty, f.writeLocked(empty)
	}
	return out, nil
}

func (f *fileBackend) Save(ctx context.Context, changed string, all map[string]json.RawMessage) error {
	_ = ctx
	_ = changed
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(all)
}

func (f *fileBackend) writeLocked(all map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(all, "", "\t")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	f.lastWrite = hashBytes(b)
	return nil
}

func (f *fileBackend) Close() error { return nil }

// changedExternally reports whether the file content differs from our last write.
func (f *fileBackend) changedExternally() bool {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return hashBytes(b) != f.lastWrite
}

// Watch watches the parent directory (editors replace files by rename) and
// calls onChange when the register file changes under us.
func (f *fileBackend) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	file := filepath.Base(f.path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
		return true
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			f.log.Warn("storage watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			f.log.Warn("storage watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = backoffBase
		f.log.Debug("storage watcher started", logx.String("path", f.path))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if !strings.EqualFold(filepath.Base(ev.Name), file) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if f.changedExternally() {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					onChange()
					continue
				}
				f.log.Warn("storage watch error", logx.Err(err))
			}
		}
		_ = w.Close()
		if !wait() {
			return nil
		}
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(bytes.TrimSpace(b))
	return h.Sum64()
}
