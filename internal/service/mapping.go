package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/settings"
)

// MappingView is the tag mapping as the shell edits it.
type MappingView struct {
	Mapping map[string]settings.TagPath `json:"mapping"`
	// Resolved holds the absolute directory of every tag that resolves.
	Resolved map[string]string `json:"resolved"`
	// Required lists cloud tags without a local mapping.
	Required []string `json:"required"`
}

func (s *Service) Mapping() *MappingView {
	mapping := s.settings.Mapping()
	resolved := make(map[string]string, len(mapping))
	for tag, p := range mapping {
		if dir, err := s.settings.ResolvePath(p); err == nil {
			resolved[tag] = dir
		}
	}
	return &MappingView{
		Mapping:  mapping,
		Resolved: resolved,
		Required: s.Required(),
	}
}

// SetMapping replaces the tag mapping. Watchers of tags that were removed or now resolve
// to a different directory are dropped; their cloud copies are kept.
func (s *Service) SetMapping(mapping map[string]settings.TagPath) error {
	for tag, p := range mapping {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: empty tag", ErrInvalidMapping)
		}
		if strings.TrimSpace(p.Rel) == "" && p.Env == "" {
			return fmt.Errorf("%w: tag %q has no path", ErrInvalidMapping, tag)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.resolvedTags(s.settings.Mapping())
	after := s.resolvedTags(mapping)

	retargeted := mapset.NewThreadUnsafeSet[string]()
	for tag, dir := range before {
		if next, ok := after[tag]; !ok || next != dir {
			retargeted.Add(tag)
		}
	}

	s.settings.SetMapping(mapping)
	if err := s.settings.Save(); err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}

	if engine, err := s.activeEngine(); err == nil {
		for _, tag := range retargeted.ToSlice() {
			dropped := engine.DropTag(tag)
			if len(dropped) > 0 {
				slog.Info("mapping retargeted", "tag", tag, "dropped", len(dropped))
			}
		}
	}

	s.emitFiletree()
	return nil
}

func (s *Service) resolvedTags(mapping map[string]settings.TagPath) map[string]string {
	out := make(map[string]string, len(mapping))
	for tag, p := range mapping {
		dir, err := s.settings.ResolvePath(p)
		if err != nil {
			// unresolvable tags are compared by their raw form
			dir = p.String()
		}
		out[tag] = dir
	}
	return out
}

// FileTree lists, per mapped tag, the folders inside the tag directory and whether each
// is watched.
func (s *Service) FileTree() *events.Filetree {
	tree := &events.Filetree{Tags: map[string][]events.FolderState{}}

	watched := mapset.NewThreadUnsafeSet[string]()
	for _, key := range s.Watched() {
		watched.Add(key.String())
	}

	for _, tag := range s.settings.Tags() {
		folders := []events.FolderState{}
		dir, err := s.settings.ResolveTag(tag)
		if err != nil {
			slog.Warn("filetree resolve", "tag", tag, "error", err)
			tree.Tags[tag] = folders
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("filetree read", "tag", tag, "dir", dir, "error", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			folders = append(folders, events.FolderState{
				Name:     e.Name(),
				Watching: watched.Contains(tag + "/" + e.Name()),
			})
		}
		sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
		tree.Tags[tag] = folders
	}
	return tree
}

func (s *Service) emitFiletree() *events.Filetree {
	tree := s.FileTree()
	s.bus.Emit(events.FiletreeResult, tree)
	return tree
}

// RefreshFiletree emits the current file tree.
func (s *Service) RefreshFiletree() *events.Filetree {
	return s.emitFiletree()
}
