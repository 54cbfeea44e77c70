// Package statefile persists the operator's plugin enable/disable intent
// so it survives process restarts.
//
// The on-disk layout is a small JSON document with two string arrays:
//
//	{"enabled": ["sysinfo"], "disabled": ["netmon"]}
//
// Every mutation rewrites the whole file atomically (tmp + rename).
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// State is the wire representation of the persisted sets.
type State struct {
	Enabled  []string `json:"enabled"`
	Disabled []string `json:"disabled"`
}

// File is a concurrency-safe handle to the persisted state.
type File struct {
	path string

	mu       sync.Mutex
	enabled  map[string]struct{}
	disabled map[string]struct{}
}

// Load reads the state file at path. A missing file yields empty state.
func Load(path string) (*File, error) {
	f := &File{
		path:     path,
		enabled:  map[string]struct{}{},
		disabled: map[string]struct{}{},
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	for _, n := range st.Enabled {
		f.enabled[n] = struct{}{}
	}
	for _, n := range st.Disabled {
		f.disabled[n] = struct{}{}
	}
	return f, nil
}

// Enable records name as enabled (and clears any disabled mark) and writes
// the file. Calling it twice is a no-op beyond the rewrite.
func (f *File) Enable(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[name] = struct{}{}
	delete(f.disabled, name)
	return f.writeLocked()
}

// Disable records name as disabled (and clears any enabled mark) and writes
// the file.
func (f *File) Disable(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[name] = struct{}{}
	delete(f.enabled, name)
	return f.writeLocked()
}

// ShouldAutoStart reports whether name should be started at boot.
// Unknown names default to enabled; an explicit disable always wins.
func (f *File) ShouldAutoStart(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.disabled[name]; ok {
		return false
	}
	return true
}

// Snapshot returns the current sets, name-sorted.
func (f *File) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *File) stateLocked() State {
	st := State{
		Enabled:  make([]string, 0, len(f.enabled)),
		Disabled: make([]string, 0, len(f.disabled)),
	}
	for n := range f.enabled {
		st.Enabled = append(st.Enabled, n)
	}
	for n := range f.disabled {
		st.Disabled = append(st.Disabled, n)
	}
	sort.Strings(st.Enabled)
	sort.Strings(st.Disabled)
	return st
}

func (f *File) writeLocked() error {
	if f.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(f.stateLocked(), "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(f.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit state file: %w", err)
	}
	return nil
}
