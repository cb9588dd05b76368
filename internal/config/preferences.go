package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// saveInterval is how often changed preferences are flushed to disk.
const saveInterval = 30 * time.Second

// Preferences stores per-user parameter defaults. The on-disk form is a
// single JSON object keyed by user id. Writes go through a temp file and a
// rename, so a crash mid-save never truncates the previous state.
type Preferences struct {
	logger *slog.Logger
	clock  clock.Clock
	path   string

	mu       sync.Mutex
	prefs    map[string]map[string]any
	gen      uint64
	savedGen uint64
}

// NewPreferences loads the preference file at path. A missing file is not
// an error: the store starts empty and the file appears on first save.
func NewPreferences(logger *slog.Logger, path string) (*Preferences, error) {
	p := &Preferences{
		logger: logger,
		clock:  clock.New(),
		path:   path,
		prefs:  map[string]map[string]any{},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("no preference file found, starting empty", "path", path)
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if err := json.Unmarshal(data, &p.prefs); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	return p, nil
}

// WithClock replaces the autosave clock. Test hook.
func (p *Preferences) WithClock(c clock.Clock) *Preferences {
	p.clock = c
	return p
}

// Get returns the stored preference for a user, or nil when unset.
func (p *Preferences) Get(userID, name string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs[userID][name]
}

// Set stores one preference value.
func (p *Preferences) Set(userID, name string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefs[userID] == nil {
		p.prefs[userID] = map[string]any{}
	}
	p.prefs[userID][name] = value
	p.gen++
}

// All returns a copy of every preference the user has set.
func (p *Preferences) All(userID string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.prefs[userID]))
	for k, v := range p.prefs[userID] {
		out[k] = v
	}
	return out
}

// Save writes the store to disk when anything changed since the last save.
func (p *Preferences) Save() error {
	p.mu.Lock()
	if p.gen == p.savedGen {
		p.mu.Unlock()
		return nil
	}
	gen := p.gen
	data, err := json.MarshalIndent(p.prefs, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}

	p.mu.Lock()
	if gen > p.savedGen {
		p.savedGen = gen
	}
	p.mu.Unlock()
	return nil
}

// Run flushes periodically until ctx is cancelled, then takes a final save.
func (p *Preferences) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Save(); err != nil {
				p.logger.Error("failed to save preferences", "error", err)
			}
		case <-ctx.Done():
			if err := p.Save(); err != nil {
				p.logger.Error("failed to save preferences on shutdown", "error", err)
				return err
			}
			return nil
		}
	}
}
