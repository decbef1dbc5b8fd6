// Package plugin loads cloud backend modules and runs them behind a single contract.
//
// Two execution strategies exist: native dynamic libraries exporting the C ABI described in
// plugins/include/savesync_plugin.h, and Lua script packages run in a restricted interpreter.
// Callers only ever see Backend values and the owned types declared here.
package plugin

import (
	"context"
	"strings"
	"time"
)

// Capability names shared by both strategies.
const (
	CapInfo               = "info"
	CapValidate           = "validate"
	CapExtractCredentials = "extract_credentials"
	CapReadCloud          = "read_cloud"
	CapDownload           = "download"
	CapUpload             = "upload"
	CapRemove             = "remove"
	CapAbort              = "abort"
)

// Kind identifies the execution strategy of a module.
type Kind string

const (
	KindNative Kind = "native"
	KindScript Kind = "script"
)

// Metadata is the static description a module reports about itself.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author"`
	IconURL     string `json:"icon_url"`
	Filename    string `json:"filename"`
	Kind        Kind   `json:"kind"`
}

// FileDetails describes one remote folder. Data is set when the module already holds the
// archive bytes, which spares a separate Download call.
type FileDetails struct {
	Tag          string
	FolderName   string
	LastModified time.Time
	Data         []byte
}

// Backend is the capability set every module exposes. Credentials are passed explicitly on
// every authenticated call; the runtime never interprets them.
type Backend interface {
	Info(ctx context.Context) (*Metadata, error)
	// Validate checks credentials. A non-empty auth URL means the user must grant consent.
	Validate(ctx context.Context, credentials, redirectURI string) (string, error)
	ExtractCredentials(ctx context.Context, callbackURL string) (string, error)
	ReadCloud(ctx context.Context, credentials string) ([]*FileDetails, error)
	Download(ctx context.Context, credentials, tag, folder string) ([]byte, error)
	Upload(ctx context.Context, credentials, tag, folder string, modified time.Time, data []byte) error
	Remove(ctx context.Context, credentials, tag, folder string) error
	// Abort is best effort. Modules without it succeed silently.
	Abort(ctx context.Context) error
	Kind() Kind
	Close() error
}

// normalizeCapability folds a script global name onto a capability name:
// "ReadCloud", "read_cloud" and "READ_CLOUD" all become "readcloud".
func normalizeCapability(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

func unixTime(secs uint64) time.Time {
	return time.Unix(int64(secs), 0)
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
