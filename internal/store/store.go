// Package store persists broker configuration records in a JSON or YAML
// file. Records are keyed by a stable id; names are unique but mutable.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loykin/epithetd/internal/broker"
)

var (
	ErrNotFound      = errors.New("broker not found")
	ErrDuplicateName = errors.New("broker name already in use")
	ErrEmptyName     = errors.New("broker name is required")
)

// DefaultNameBase seeds GenerateUniqueName.
const DefaultNameBase = "New Broker"

// Format selects the on-disk encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFor picks the encoding from the file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

type fileJSON struct {
	Brokers []json.RawMessage `json:"brokers"`
}

type fileYAML struct {
	Brokers []yaml.Node `yaml:"brokers"`
}

// Store holds the broker records. It is safe for concurrent use.
// A Store with an empty path keeps records in memory only.
type Store struct {
	mu       sync.RWMutex
	path     string
	format   Format
	brokers  []broker.Config
	onChange []func()
}

// Open loads path, if it exists, and returns a Store that persists to it.
func Open(path string) (*Store, error) {
	s := &Store{path: path, format: FormatFor(path)}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns a Store that never touches the filesystem.
func NewMemory(cfgs ...broker.Config) *Store {
	s := &Store{}
	for _, c := range cfgs {
		c.Normalize()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		s.brokers = append(s.brokers, c.Clone())
	}
	return s
}

// Path returns the backing file, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// Load replaces the in-memory records with the file contents. A missing file
// yields an empty store.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.brokers = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read broker config: %w", err)
	}
	cfgs, err := decode(b, s.format)
	if err != nil {
		return fmt.Errorf("parse broker config %s: %w", s.path, err)
	}

	seen := make(map[string]bool, len(cfgs))
	for i := range cfgs {
		cfgs[i].Normalize()
		if cfgs[i].ID == "" || seen[cfgs[i].ID] {
			cfgs[i].ID = uuid.NewString()
		}
		seen[cfgs[i].ID] = true
	}
	s.mu.Lock()
	s.brokers = cfgs
	s.mu.Unlock()
	return nil
}

// decode starts every record from the defaults so that fields missing in
// older files keep their default values.
func decode(b []byte, f Format) ([]broker.Config, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var out []broker.Config
	switch f {
	case FormatYAML:
		var doc fileYAML
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		for i := range doc.Brokers {
			c := broker.NewConfig("")
			if err := doc.Brokers[i].Decode(&c); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	default:
		var doc fileJSON
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		for _, raw := range doc.Brokers {
			c := broker.NewConfig("")
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func encode(cfgs []broker.Config, f Format) ([]byte, error) {
	if cfgs == nil {
		cfgs = []broker.Config{}
	}
	doc := struct {
		Brokers []broker.Config `json:"brokers" yaml:"brokers"`
	}{Brokers: cfgs}
	if f == FormatYAML {
		return yaml.Marshal(doc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// save writes the file atomically; callers hold s.mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	b, err := encode(s.brokers, s.format)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".brokers-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	// secrets may be stored in the file
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write broker config: %w", err)
	}
	return nil
}

// commit persists and notifies listeners after a mutation. The lock is
// released before listeners run.
func (s *Store) commit() error {
	err := s.save()
	listeners := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnChange registers fn to run after every successful mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// List returns copies of all records in file order.
func (s *Store) List() []broker.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]broker.Config, len(s.brokers))
	for i, c := range s.brokers {
		out[i] = c.Clone()
	}
	return out
}

// Get returns the record named name.
func (s *Store) Get(name string) (broker.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexByName(name); i >= 0 {
		return s.brokers[i].Clone(), true
	}
	return broker.Config{}, false
}

// GetByID returns the record with the given id.
func (s *Store) GetByID(id string) (broker.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexByID(id); i >= 0 {
		return s.brokers[i].Clone(), true
	}
	return broker.Config{}, false
}

// Add appends cfg, assigning an id when it has none.
func (s *Store) Add(cfg broker.Config) (broker.Config, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return broker.Config{}, ErrEmptyName
	}
	cfg.Normalize()
	s.mu.Lock()
	if s.indexByName(cfg.Name) >= 0 {
		s.mu.Unlock()
		return broker.Config{}, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	if cfg.ID == "" || s.indexByID(cfg.ID) >= 0 {
		cfg.ID = uuid.NewString()
	}
	s.brokers = append(s.brokers, cfg.Clone())
	return cfg, s.commit()
}

// Update replaces the record with cfg.ID, or the one named cfg.Name when the
// id is empty. Renames through Update are subject to the uniqueness check.
func (s *Store) Update(cfg broker.Config) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return ErrEmptyName
	}
	cfg.Normalize()
	s.mu.Lock()
	var i int
	if cfg.ID != "" {
		i = s.indexByID(cfg.ID)
	} else {
		i = s.indexByName(cfg.Name)
	}
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, cfg.Name)
	}
	if j := s.indexByName(cfg.Name); j >= 0 && j != i {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	cfg.ID = s.brokers[i].ID
	s.brokers[i] = cfg.Clone()
	return s.commit()
}

// Rename changes the name of the record with the given id.
func (s *Store) Rename(id, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	i := s.indexByID(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if j := s.indexByName(newName); j >= 0 && j != i {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, newName)
	}
	s.brokers[i].Name = newName
	return s.commit()
}

// Remove deletes the record named name.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	i := s.indexByName(name)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.brokers = append(s.brokers[:i], s.brokers[i+1:]...)
	return s.commit()
}

// IsNameUnique reports whether name is free. excluding lets a record keep
// its own name during an edit.
func (s *Store) IsNameUnique(name, excluding string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isNameUnique(name, excluding)
}

func (s *Store) isNameUnique(name, excluding string) bool {
	for _, c := range s.brokers {
		if c.Name == name && c.Name != excluding {
			return false
		}
	}
	return true
}

// GenerateUniqueName returns base, or base followed by the lowest counter
// from 2 upwards that is not taken.
func (s *Store) GenerateUniqueName(base string) string {
	if base == "" {
		base = DefaultNameBase
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isNameUnique(base, "") {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + " " + strconv.Itoa(n)
		if s.isNameUnique(candidate, "") {
			return candidate
		}
	}
}

func (s *Store) indexByName(name string) int {
	for i, c := range s.brokers {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Store) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range s.brokers {
		if c.ID == id {
			return i
		}
	}
	return -1
}
