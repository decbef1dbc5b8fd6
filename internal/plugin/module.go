package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"
)

// Module is the handle callers hold for an activated plugin. It owns the backend and
// supplies the stored credential blob to every authenticated call.
type Module struct {
	path    string
	backend Backend
	store   *CredentialStore

	mu          sync.RWMutex
	credentials string
}

func NewModule(path string, backend Backend, store *CredentialStore) *Module {
	return &Module{path: path, backend: backend, store: store}
}

// Path is the on-disk artifact the module was loaded from.
func (m *Module) Path() string { return m.path }

// Filename is the artifact base name. It keys credentials and logs.
func (m *Module) Filename() string { return filepath.Base(m.path) }

func (m *Module) Kind() Kind { return m.backend.Kind() }

func (m *Module) Info(ctx context.Context) (*Metadata, error) {
	meta, err := m.backend.Info(ctx)
	if err != nil {
		return nil, err
	}
	meta.Filename = m.Filename()
	return meta, nil
}

// Init loads the stored credentials and validates them with the backend. When the backend
// asks for user consent, a *CredentialError carrying the auth URL is returned.
func (m *Module) Init(ctx context.Context, redirectURI string) error {
	creds, err := m.store.Read(m.Filename())
	if err != nil {
		return &CredentialError{Message: err.Error()}
	}

	authURL, err := m.backend.Validate(ctx, creds, redirectURI)
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return &CredentialError{Message: capErr.Message, AuthURL: authURL}
	} else if err != nil {
		return err
	}
	if authURL != "" {
		return &CredentialError{Message: "authorization required", AuthURL: authURL}
	}

	m.mu.Lock()
	m.credentials = creds
	m.mu.Unlock()
	return nil
}

// Authorize turns the consent callback URL into credentials and persists them.
func (m *Module) Authorize(ctx context.Context, callbackURL string) error {
	creds, err := m.backend.ExtractCredentials(ctx, callbackURL)
	if err != nil {
		return err
	}
	if err := m.store.Write(m.Filename(), creds); err != nil {
		return err
	}

	m.mu.Lock()
	m.credentials = creds
	m.mu.Unlock()
	return nil
}

func (m *Module) creds() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credentials
}

func (m *Module) ReadCloud(ctx context.Context) ([]*FileDetails, error) {
	return m.backend.ReadCloud(ctx, m.creds())
}

func (m *Module) Download(ctx context.Context, tag, folder string) ([]byte, error) {
	return m.backend.Download(ctx, m.creds(), tag, folder)
}

func (m *Module) Upload(ctx context.Context, tag, folder string, modified time.Time, data []byte) error {
	return m.backend.Upload(ctx, m.creds(), tag, folder, modified, data)
}

func (m *Module) Remove(ctx context.Context, tag, folder string) error {
	return m.backend.Remove(ctx, m.creds(), tag, folder)
}

func (m *Module) Abort(ctx context.Context) error {
	return m.backend.Abort(ctx)
}

func (m *Module) Close() error {
	return m.backend.Close()
}
