// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package profile loads the declarative device profiles that drive the
// process simulation. Profiles live in a directory of YAML files; the logical
// name of a profile is its file name without the extension. Files are parsed
// lazily, once, and cached for the lifetime of the Store.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/DataDog/gridmimic/pkg/util/log"
)

// ErrNotFound is returned for profile names absent from the directory.
var ErrNotFound = errors.New("profile not found")

type cacheEntry struct {
	path    string
	profile *Profile
	err     error
	parsed  bool
}

// Store hands out profiles by name. A Store is immutable from the caller's
// point of view: Reload returns a fresh handle instead of mutating the
// receiver, so components holding the old handle keep a consistent view.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewStore scans dir for profile files. Parsing is deferred until a profile
// is first requested. A missing directory yields an empty store and an error
// the caller may choose to tolerate.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:   dir,
		cache: make(map[string]*cacheEntry),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return s, fmt.Errorf("unable to scan profile directory %q: %w", dir, err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		// names starting with an underscore are reserved for abstract
		// profiles and are not exposed
		if strings.HasPrefix(name, "_") {
			continue
		}
		logical := strings.TrimSuffix(name, ext)
		s.cache[logical] = &cacheEntry{path: filepath.Join(dir, name)}
	}
	return s, nil
}

// Names returns the scanned profile names in sorted order, including ones
// that later turn out to be unparsable.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.cache))
	for name := range s.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name maps to a profile file, without parsing it.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[name]
	return ok
}

// Get returns the full parsed profile for name.
func (s *Store) Get(name string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(name)
}

// Info returns the listing metadata of one profile.
func (s *Store) Info(name string) (Meta, error) {
	p, err := s.Get(name)
	if err != nil {
		return Meta{}, err
	}
	return metaOf(p), nil
}

// List returns metadata for every parsable profile, sorted by name. Broken
// files are skipped with a warning so one bad profile does not hide the rest.
func (s *Store) List() []Meta {
	metas := make([]Meta, 0, len(s.cache))
	for _, name := range s.Names() {
		p, err := s.Get(name)
		if err != nil {
			log.Warnf("skipping profile %q: %v", name, err)
			continue
		}
		metas = append(metas, metaOf(p))
	}
	return metas
}

// Modbus returns the Modbus section of name, or nil when the profile has
// none.
func (s *Store) Modbus(name string) (*ModbusSection, error) {
	p, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Modbus, nil
}

// S7 returns the S7 section of name, or nil when the profile has none.
func (s *Store) S7(name string) (*S7Section, error) {
	p, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return p.S7, nil
}

// Reload rescans the directory and returns a fresh store. The receiver is
// left untouched.
func (s *Store) Reload() (*Store, error) {
	return NewStore(s.dir)
}

// load resolves name through the cache, parsing the file on first use. The
// caller holds s.mu.
func (s *Store) load(name string) (*Profile, error) {
	e, ok := s.cache[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !e.parsed {
		e.profile, e.err = parseFile(e.path, name)
		e.parsed = true
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.profile, nil
}

func parseFile(path, logical string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unable to parse profile %q: %w", path, err)
	}
	if p.Name == "" {
		p.Name = logical
	}
	if err := Validate(&p); err != nil {
		return nil, fmt.Errorf("invalid profile %q: %w", logical, err)
	}
	return &p, nil
}

func metaOf(p *Profile) Meta {
	m := Meta{
		Name:        p.Name,
		Description: p.Description,
		Author:      p.Author,
		Version:     p.Version,
		Type:        p.Type(),
	}
	if m.Author == "" {
		m.Author = "Unknown"
	}
	if m.Version == "" {
		m.Version = "1.0"
	}
	return m
}
