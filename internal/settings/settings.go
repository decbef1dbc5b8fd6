// Package settings persists the small amount of state SaveSync keeps between runs: the
// last active plugin, the tag mapping and the time of the last successful sync.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/savesync/savesync/internal/utils"
)

const settingsFile = "settings.json"

var ErrTagNotMapped = errors.New("tag not mapped")

// TagPath locates a tag directory as $Env/Rel. An empty Env means Rel is used as is.
type TagPath struct {
	Env string `json:"env"`
	Rel string `json:"rel"`
}

func (p TagPath) String() string {
	if p.Env == "" {
		return p.Rel
	}
	return "$" + p.Env + "/" + p.Rel
}

type document struct {
	Plugin   string             `json:"plugin,omitempty"`
	Mapping  map[string]TagPath `json:"mapping"`
	LastSync int64              `json:"last_sync"`
}

// Settings is an in-memory cache of the settings document. Changes reach disk on Save.
type Settings struct {
	path    string
	envFile string

	mu  sync.RWMutex
	doc document
	env map[string]string
}

// Load reads the settings document in dir. A missing document yields empty settings.
func Load(dir string) (*Settings, error) {
	s := &Settings{
		path:    filepath.Join(dir, settingsFile),
		envFile: filepath.Join(dir, ".env"),
		doc:     document{Mapping: map[string]TagPath{}},
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("settings not found, using defaults", "path", s.path)
	} else if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	} else if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	if s.doc.Mapping == nil {
		s.doc.Mapping = map[string]TagPath{}
	}

	if err := s.ReloadEnv(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Path() string { return s.path }

// ReloadEnv reads the optional .env file next to the settings document. Its values take
// precedence over the process environment when tags are resolved.
func (s *Settings) ReloadEnv() error {
	env, err := godotenv.Read(s.envFile)
	if errors.Is(err, os.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("read %s: %w", s.envFile, err)
	}

	s.mu.Lock()
	s.env = env
	s.mu.Unlock()
	return nil
}

func (s *Settings) Plugin() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Plugin
}

func (s *Settings) SetPlugin(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Plugin = path
}

// Mapping returns a copy of the tag mapping.
func (s *Settings) Mapping() map[string]TagPath {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TagPath, len(s.doc.Mapping))
	for tag, p := range s.doc.Mapping {
		out[tag] = p
	}
	return out
}

func (s *Settings) SetMapping(mapping map[string]TagPath) {
	next := make(map[string]TagPath, len(mapping))
	for tag, p := range mapping {
		next[tag] = p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Mapping = next
}

// Tags returns the mapped tags, sorted.
func (s *Settings) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.doc.Mapping))
	for tag := range s.doc.Mapping {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// LastSync is the zero time when no sync ever completed.
func (s *Settings) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.LastSync == 0 {
		return time.Time{}
	}
	return time.Unix(s.doc.LastSync, 0)
}

func (s *Settings) SetLastSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IsZero() {
		s.doc.LastSync = 0
		return
	}
	s.doc.LastSync = t.Unix()
}

// Save writes the document atomically.
func (s *Settings) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := utils.EnsureParent(s.path); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write settings: %w", err)
	}
	slog.Debug("settings saved", "path", s.path)
	return nil
}

// ResolveTag returns the absolute directory of tag.
func (s *Settings) ResolveTag(tag string) (string, error) {
	s.mu.RLock()
	p, ok := s.doc.Mapping[tag]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTagNotMapped, tag)
	}
	return s.ResolvePath(p)
}

// ResolvePath expands a TagPath against the .env overrides and the process environment.
func (s *Settings) ResolvePath(p TagPath) (string, error) {
	rel := filepath.FromSlash(strings.TrimSpace(p.Rel))
	if p.Env == "" {
		if rel == "" {
			return "", errors.New("empty tag path")
		}
		return utils.ResolvePath(rel)
	}

	base, ok := s.lookupEnv(p.Env)
	if !ok || base == "" {
		return "", fmt.Errorf("environment variable %s is not set", p.Env)
	}
	return utils.ResolvePath(filepath.Join(base, rel))
}

func (s *Settings) lookupEnv(key string) (string, bool) {
	s.mu.RLock()
	v, ok := s.env[key]
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	return os.LookupEnv(key)
}
