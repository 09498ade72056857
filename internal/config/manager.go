package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "dashbot/pkg/logx"
)

// EnvTelegramToken overrides telegram.token when set.
const EnvTelegramToken = "DASHBOT_TELEGRAM_TOKEN"

const (
	reloadSettle = 250 * time.Millisecond
	rewatchDelay = time.Second
)

var errTrailingData = errors.New("invalid config: trailing data")

// ConfigManager owns the bot's config file: the committed Config, the
// subscribers that receive hot reloads, and the file watcher feeding them.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current *Config
	digest  [sha256.Size]byte

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, subs: make(map[chan *Config]struct{})}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// Decode reads a JSON or YAML config (chosen by the extension of path),
// refusing unknown keys, then applies environment overrides.
func Decode(path string, b []byte) (*Config, error) {
	raw, err := toJSON(path, b)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errTrailingData
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	if tok := strings.TrimSpace(os.Getenv(EnvTelegramToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	return cfg, nil
}

// read decodes and validates the file, returning the digest of its bytes.
func (m *ConfigManager) read() (*Config, [sha256.Size]byte, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	sum := sha256.Sum256(b)
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, sum, fmt.Errorf("config %s: %w", m.path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, sum, fmt.Errorf("config %s: %w", m.path, err)
	}
	return cfg, sum, nil
}

// Load reads the config file and makes it current.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current, m.digest = cfg, sum
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel receiving every config committed by Watch.
// A subscriber that falls behind only sees the newest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// refresh re-reads the file after it changed on disk. Broken or invalid edits
// are logged and leave the current config in place.
func (m *ConfigManager) refresh() {
	cfg, sum, err := m.read()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config reload rejected", logx.Err(err))
		}
		return
	}
	m.mu.Lock()
	if sum == m.digest {
		m.mu.Unlock()
		return
	}
	m.current, m.digest = cfg, sum
	m.mu.Unlock()

	m.broadcast(cfg)
	if !m.log.IsZero() {
		m.log.Info("config reloaded", logx.String("path", m.path), logx.String("sha256", fmt.Sprintf("%x", sum[:6])))
	}
}

// Watch follows the config file until ctx is done. Bursts of events are
// collapsed into one reload once the file has been quiet for reloadSettle.
// The directory is watched rather than the file so editors that replace the
// file on save keep working.
func (m *ConfigManager) Watch(ctx context.Context) error {
	for {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !m.log.IsZero() {
			m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rewatchDelay):
		}
	}
}

func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	name := filepath.Base(m.path)
	settle := time.NewTimer(reloadSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settle.C:
			m.refresh()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(reloadSettle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				settle.Reset(reloadSettle)
				continue
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
