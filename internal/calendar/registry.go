// Package calendar maintains the trading calendar: exchange holiday definitions
// loaded from YAML, and the manager that appends new sessions from the
// reference ticker's provider history.
package calendar

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/tridx/pkg/types"
)

type compiled struct {
	cal      *types.Calendar
	sessions *Sessions
}

// Registry holds exchange holiday calendars by name, each compiled to its
// Sessions when registered.
type Registry struct {
	byName map[string]compiled
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]compiled)}
}

// LoadDirs loads every *.yaml and *.yml file of each directory, directories
// in order and files by name. A later definition replaces an earlier one
// with the same name.
func (r *Registry) LoadDirs(dirs []string) error {
	for _, dir := range dirs {
		if err := r.LoadDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir loads the calendar files of one directory.
func (r *Registry) LoadDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("reading calendar dir %s: %w", dir, err)
	}
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		files = append(files, m...)
	}
	sort.Strings(files)

	for _, f := range files {
		if err := r.LoadFile(f); err != nil {
			return fmt.Errorf("loading calendar %s: %w", f, err)
		}
	}
	return nil
}

// LoadFile parses and registers one calendar file. Holiday dates are
// validated on load.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	cal := new(types.Calendar)
	if err := yaml.Unmarshal(raw, cal); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	if cal.Name == "" {
		return fmt.Errorf("calendar in %s has no name", path)
	}
	return r.Register(cal)
}

// Register compiles cal and adds it under its name.
func (r *Registry) Register(cal *types.Calendar) error {
	if cal == nil || cal.Name == "" {
		return fmt.Errorf("calendar has no name")
	}
	s, err := NewSessions(cal)
	if err != nil {
		return fmt.Errorf("calendar %s: %w", cal.Name, err)
	}
	r.byName[cal.Name] = compiled{cal: cal, sessions: s}
	return nil
}

// Get returns the named calendar definition, or nil.
func (r *Registry) Get(name string) *types.Calendar {
	return r.byName[name].cal
}

// Sessions returns the trading sessions of the named calendar. An empty name
// means weekdays with no holidays.
func (r *Registry) Sessions(name string) (*Sessions, error) {
	if name == "" {
		return NewSessions(nil)
	}
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown holiday calendar %q", name)
	}
	return c.sessions, nil
}
