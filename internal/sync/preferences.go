package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vonshlovens/cloudsync/internal/config"
)

const preferencesFile = "preferences.json"

// preferenceState is the on-disk form of Preferences
type preferenceState struct {
	PreferLocalOnConflict *bool                `json:"prefer_local_on_conflict,omitempty"`
	LastReconcile         map[string]time.Time `json:"last_reconcile,omitempty"`
}

// Preferences holds user choices that outlive a config reload
type Preferences struct {
	state       *preferenceState
	filePath    string
	preferLocal bool // config default when the user never chose
	mu          sync.RWMutex
	dirty       bool
}

// LoadPreferences reads preferences from the state directory.
// preferLocalDefault applies until the user sets the flag explicitly.
func LoadPreferences(preferLocalDefault bool) (*Preferences, error) {
	stateDir, err := config.GetStateDir()
	if err != nil {
		return nil, err
	}
	return OpenPreferences(filepath.Join(stateDir, preferencesFile), preferLocalDefault)
}

// OpenPreferences reads preferences from filePath; a missing file yields defaults
func OpenPreferences(filePath string, preferLocalDefault bool) (*Preferences, error) {
	p := &Preferences{
		filePath:    filePath,
		preferLocal: preferLocalDefault,
		state:       &preferenceState{LastReconcile: make(map[string]time.Time)},
	}

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	state := &preferenceState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse preferences %s: %w", filePath, err)
	}
	if state.LastReconcile == nil {
		state.LastReconcile = make(map[string]time.Time)
	}
	p.state = state
	return p, nil
}

// PreferLocalOnConflict reports whether local edits overwrite remote ones when both changed
func (p *Preferences) PreferLocalOnConflict() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.PreferLocalOnConflict != nil {
		return *p.state.PreferLocalOnConflict
	}
	return p.preferLocal
}

// SetPreferLocalOnConflict records the user's conflict preference
func (p *Preferences) SetPreferLocalOnConflict(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.PreferLocalOnConflict = &v
	p.dirty = true
}

// ResetPreferLocalOnConflict falls back to the configured default
func (p *Preferences) ResetPreferLocalOnConflict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.PreferLocalOnConflict = nil
	p.dirty = true
}

// SetLastReconcile records when account was last fully reconciled
func (p *Preferences) SetLastReconcile(account string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.LastReconcile[account] = t
	p.dirty = true
}

// LastReconcile returns the last full reconcile of account
func (p *Preferences) LastReconcile(account string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.state.LastReconcile[account]
	return t, ok
}

// Save persists preferences when they changed
func (p *Preferences) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dirty {
		return nil
	}

	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(p.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}

	p.dirty = false
	return nil
}
