// Package service implements the commands the shell sends to SaveSync. It owns the active
// plugin module and the sync engine bound to it; at most one plugin is active at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/plugin"
	"github.com/savesync/savesync/internal/settings"
	ssync "github.com/savesync/savesync/internal/sync"
)

var (
	ErrNoActivePlugin = errors.New("no active plugin")
	ErrNotInitialized = errors.New("plugin not initialized")
	ErrInvalidMapping = errors.New("invalid mapping")
)

type Config struct {
	// RedirectURI is handed to the plugin's validate capability for consent flows.
	RedirectURI string
	Debounce    time.Duration
	Workers     int
}

// Service serialises plugin lifecycle commands (init, authorize, unload, mapping changes)
// on one lock. Folder commands only read the active engine and run concurrently.
type Service struct {
	ws       *settings.Workspace
	settings *settings.Settings
	catalog  *plugin.Catalog
	creds    *plugin.CredentialStore
	bus      *events.Bus
	journal  *ssync.SyncJournal
	cfg      Config

	mu sync.Mutex

	stateMu  sync.RWMutex
	module   *plugin.Module
	engine   *ssync.Engine
	required mapset.Set[string]
}

// New wires a service to its workspace. journal may be nil.
func New(ws *settings.Workspace, st *settings.Settings, bus *events.Bus, journal *ssync.SyncJournal, cfg Config) (*Service, error) {
	catalog, err := plugin.NewCatalog(ws.PluginsDir)
	if err != nil {
		return nil, fmt.Errorf("plugin catalog: %w", err)
	}
	if bus == nil {
		bus = events.NewBus()
	}

	s := &Service{
		ws:       ws,
		settings: st,
		catalog:  catalog,
		creds:    plugin.NewCredentialStore(ws.CredentialsDir),
		bus:      bus,
		journal:  journal,
		cfg:      cfg,
		required: mapset.NewSet[string](),
	}
	catalog.OnLoadError(func(err *plugin.LoadError) {
		s.bus.Emit(events.PluginError, &events.Error{
			Title:       err.Plugin,
			Description: err.Err.Error(),
			Code:        err.ErrorCode(),
		})
	})
	return s, nil
}

func (s *Service) Bus() *events.Bus { return s.bus }

func (s *Service) Catalog() *plugin.Catalog { return s.catalog }

func (s *Service) Settings() *settings.Settings { return s.settings }

// Plugins lists the installed plugins with their metadata.
func (s *Service) Plugins(ctx context.Context) ([]*plugin.Entry, error) {
	return s.catalog.List(ctx)
}

// Start restores the plugin that was active when the previous run ended.
func (s *Service) Start(ctx context.Context) error {
	last := s.settings.Plugin()
	if last == "" {
		return nil
	}
	if _, err := os.Stat(last); err != nil {
		slog.Warn("last plugin missing", "plugin", last, "error", err)
		return nil
	}
	slog.Info("restore plugin", "plugin", last)
	return s.Init(ctx, last)
}

// Init activates a plugin by file name or path. Any previously active plugin is torn
// down first, dropping its watchers. When the plugin needs user consent an init_result
// carrying the authorization URL is emitted and a *plugin.CredentialError returned; the
// module stays loaded so Authorize can complete the flow.
func (s *Service) Init(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.catalog.Resolve(name)
	if err != nil {
		s.reportError(name, err)
		s.bus.Emit(events.InitResult, &events.Init{Success: false, Plugin: name})
		return err
	}

	s.teardownLocked()

	mod, err := s.catalog.Open(path, s.creds)
	if err != nil {
		s.bus.Emit(events.InitResult, &events.Init{Success: false, Plugin: name})
		return err
	}

	s.stateMu.Lock()
	s.module = mod
	s.stateMu.Unlock()

	return s.activateLocked(ctx, mod)
}

// Authorize completes a consent flow for the loaded plugin and activates it.
func (s *Service) Authorize(ctx context.Context, callbackURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod := s.activeModule()
	if mod == nil {
		return ErrNoActivePlugin
	}
	if err := mod.Authorize(ctx, callbackURL); err != nil {
		s.reportError(mod.Filename(), err)
		return err
	}
	slog.Info("plugin authorized", "plugin", mod.Filename())

	err := s.activateLocked(ctx, mod)
	var credErr *plugin.CredentialError
	if errors.As(err, &credErr) {
		// rejected right after consent: do not retry these on the next start
		if err := s.creds.Delete(mod.Filename()); err != nil {
			slog.Warn("credentials delete", "plugin", mod.Filename(), "error", err)
		}
	}
	return err
}

func (s *Service) activateLocked(ctx context.Context, mod *plugin.Module) error {
	if err := mod.Init(ctx, s.cfg.RedirectURI); err != nil {
		var credErr *plugin.CredentialError
		if errors.As(err, &credErr) && credErr.AuthURL != "" {
			slog.Info("plugin needs authorization", "plugin", mod.Filename(), "url", credErr.AuthURL)
		} else {
			s.reportError(mod.Filename(), err)
		}
		ev := &events.Init{Success: false, Plugin: mod.Filename()}
		if credErr != nil {
			ev.AuthURL = credErr.AuthURL
		}
		s.bus.Emit(events.InitResult, ev)
		return err
	}
	s.bus.Emit(events.InitResult, &events.Init{Success: true, Plugin: mod.Filename()})

	s.stateMu.Lock()
	old := s.engine
	s.engine = nil
	s.stateMu.Unlock()
	if old != nil {
		old.Stop()
	}

	engine := ssync.NewEngine(mod, s.resolveTag, s.bus, s.journal, ssync.EngineConfig{
		Workers:  s.cfg.Workers,
		Debounce: s.cfg.Debounce,
		ViewDir:  s.ws.ViewDir,
	})

	result, err := engine.Reconcile(ctx, s.settings.LastSync())
	required := mapset.NewSet[string]()
	if err != nil {
		s.reportError("read_cloud", err)
	} else {
		required.Append(result.Unmapped...)
		s.settings.SetPlugin(mod.Path())
		if err := s.settings.Save(); err != nil {
			slog.Warn("settings save", "error", err)
		}
	}

	s.stateMu.Lock()
	s.engine = engine
	s.required = required
	s.stateMu.Unlock()

	slog.Info("plugin active", "plugin", mod.Filename(), "kind", mod.Kind())
	s.emitFiletree()
	return err
}

// Abort asks the plugin to cancel its current work. A message returned by the plugin
// is emitted as abort_result and appended to the plugin's log.
func (s *Service) Abort(ctx context.Context) (string, error) {
	mod := s.activeModule()
	if mod == nil {
		return "", ErrNoActivePlugin
	}

	err := mod.Abort(ctx)
	if err == nil {
		return "", nil
	}

	msg := err.Error()
	var capErr *plugin.CapabilityError
	if errors.As(err, &capErr) {
		msg = capErr.Message
	}
	s.bus.Emit(events.AbortResult, &events.Abort{Message: msg})

	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), msg)
	if err := s.ws.AppendPluginLog(mod.Filename(), line); err != nil {
		slog.Warn("plugin log", "plugin", mod.Filename(), "error", err)
	}
	return msg, nil
}

// SyncFolder toggles whether a folder is watched and mirrored to the cloud.
func (s *Service) SyncFolder(ctx context.Context, tag, folder string) (bool, error) {
	engine, err := s.activeEngine()
	if err != nil {
		return false, err
	}
	watching, err := engine.ToggleFolder(ctx, tag, folder)
	if err != nil {
		s.reportError(tag+"/"+folder, err)
		return watching, err
	}
	s.emitFiletree()
	return watching, nil
}

// ResolveConflict applies the user's answer to a pending conflict.
func (s *Service) ResolveConflict(ctx context.Context, tag, folder, resolution string) error {
	res, err := ssync.ParseResolution(resolution)
	if err != nil {
		return err
	}
	engine, err := s.activeEngine()
	if err != nil {
		return err
	}
	if err := engine.Resolve(ctx, tag, folder, res); err != nil {
		if !errors.Is(err, ssync.ErrConflictNotFound) {
			s.reportError(tag+"/"+folder, err)
		}
		return err
	}
	s.emitFiletree()
	return nil
}

// Unload deactivates the current plugin and forgets it as the last used one.
func (s *Service) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeModule() == nil {
		return ErrNoActivePlugin
	}
	s.teardownLocked()
	s.settings.SetPlugin("")
	return s.settings.Save()
}

// Close stops watching, releases the plugin and persists settings. The last sync time
// advances only when a plugin was syncing and every folder ended in agreement; pending
// conflicts and failed folders keep the old stamp so the next start decides them again.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active, _ := s.activeEngine(); active != nil {
		if active.InSync() {
			s.settings.SetLastSync(time.Now())
		} else {
			slog.Info("last sync kept", "last_sync", s.settings.LastSync().Unix(),
				"conflicts", active.Conflicts().Len())
		}
	}
	s.teardownLocked()
	return s.settings.Save()
}

func (s *Service) teardownLocked() {
	s.stateMu.Lock()
	mod, engine := s.module, s.engine
	s.module, s.engine = nil, nil
	s.required = mapset.NewSet[string]()
	s.stateMu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if mod != nil {
		if err := mod.Close(); err != nil {
			slog.Warn("plugin close", "plugin", mod.Filename(), "error", err)
		}
		slog.Info("plugin unloaded", "plugin", mod.Filename())
	}
}

func (s *Service) activeModule() *plugin.Module {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.module
}

func (s *Service) activeEngine() (*ssync.Engine, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.module == nil {
		return nil, ErrNoActivePlugin
	}
	if s.engine == nil {
		return nil, ErrNotInitialized
	}
	return s.engine, nil
}

func (s *Service) resolveTag(tag string) (string, error) {
	dir, err := s.settings.ResolveTag(tag)
	if errors.Is(err, settings.ErrTagNotMapped) {
		return "", fmt.Errorf("%w: %q", ssync.ErrTagNotMapped, tag)
	}
	return dir, err
}

// reportError emits a plugin_error for a user-visible failure.
func (s *Service) reportError(title string, err error) {
	s.bus.Emit(events.PluginError, &events.Error{
		Title:       title,
		Description: err.Error(),
		Code:        plugin.ErrorCode(err),
	})
}

// ActivePlugin describes the loaded plugin, or nil.
func (s *Service) ActivePlugin(ctx context.Context) *plugin.Metadata {
	mod := s.activeModule()
	if mod == nil {
		return nil
	}
	meta, err := mod.Info(ctx)
	if err != nil {
		return &plugin.Metadata{Filename: mod.Filename(), Kind: mod.Kind()}
	}
	meta.Kind = mod.Kind()
	return meta
}

// Watched lists the watched folders.
func (s *Service) Watched() []ssync.FolderKey {
	engine, err := s.activeEngine()
	if err != nil {
		return nil
	}
	return engine.Watches().Watched()
}

// Conflicts lists the conflicts waiting for a resolution.
func (s *Service) Conflicts() []ssync.ConflictInfo {
	engine, err := s.activeEngine()
	if err != nil {
		return nil
	}
	return engine.Conflicts().Pending()
}

// Status is a snapshot of the daemon state.
type Status struct {
	Plugin    *plugin.Metadata      `json:"plugin"`
	Active    bool                  `json:"active"`
	LastSync  time.Time             `json:"last_sync"`
	Watched   []ssync.FolderKey     `json:"watched"`
	Conflicts []ssync.ConflictInfo  `json:"conflicts"`
	Required  []string              `json:"required"`
	Journal   []*ssync.JournalEntry `json:"journal"`
}

func (s *Service) Status(ctx context.Context, journalLimit int) (*Status, error) {
	_, err := s.activeEngine()
	st := &Status{
		Plugin:    s.ActivePlugin(ctx),
		Active:    err == nil,
		LastSync:  s.settings.LastSync(),
		Watched:   s.Watched(),
		Conflicts: s.Conflicts(),
		Required:  s.Required(),
	}
	if s.journal != nil {
		entries, err := s.journal.Recent(journalLimit)
		if err != nil {
			return nil, err
		}
		st.Journal = entries
	}
	return st, nil
}

// Required lists cloud tags that have no local mapping, sorted.
func (s *Service) Required() []string {
	s.stateMu.RLock()
	required := s.required.Clone()
	s.stateMu.RUnlock()

	mapped := mapset.NewSet(s.settings.Tags()...)
	tags := required.Difference(mapped).ToSlice()
	sort.Strings(tags)
	return tags
}
