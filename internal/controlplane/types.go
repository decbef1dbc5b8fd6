package controlplane

import (
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/plugin"
	"github.com/savesync/savesync/internal/settings"
	"github.com/savesync/savesync/internal/sync"
)

const (
	CodeOk     = "OK"
	CodeQueued = "QUEUED"

	ErrCodeBadRequest         = "ERR_BAD_REQUEST"
	ErrCodeUnknownError       = "ERR_UNKNOWN_ERROR"
	ErrCodeNoActivePlugin     = "ERR_NO_ACTIVE_PLUGIN"
	ErrCodePluginNotReady     = "ERR_PLUGIN_NOT_READY"
	ErrCodePluginNotFound     = "ERR_PLUGIN_NOT_FOUND"
	ErrCodePluginLoadFailed   = "ERR_PLUGIN_LOAD_FAILED"
	ErrCodePluginFailed       = "ERR_PLUGIN_FAILED"
	ErrCodeAuthorization      = "ERR_AUTHORIZATION_REQUIRED"
	ErrCodeConflictNotFound   = "ERR_CONFLICT_NOT_FOUND"
	ErrCodeTagNotMapped       = "ERR_TAG_NOT_MAPPED"
	ErrCodeServiceUnavailable = "ERR_SERVICE_UNAVAILABLE"
)

// Config contains configuration for the control plane server
type Config struct {
	Addr      string // Address to bind the control plane server
	AuthToken string // Access token for the control plane server
	RateLimit int64  // Requests per second per client, 0 disables
}

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode  string `json:"code"`
	Message    string `json:"error"`
	PluginCode string `json:"plugin_code,omitempty"`
	AuthURL    string `json:"auth_url,omitempty"`
}

func (e *ControlPlaneError) Error() string {
	if e.PluginCode != "" {
		return e.ErrorCode + " (" + e.PluginCode + "): " + e.Message
	}
	return e.ErrorCode + ": " + e.Message
}

type IndexResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Revision string `json:"revision"`
	Detailed string `json:"detailed"`
}

type InitRequest struct {
	Plugin string `json:"plugin" binding:"required"`
}

type AuthorizeRequest struct {
	CallbackURL string `json:"callback_url" binding:"required"`
}

type AbortResponse struct {
	Message string `json:"message"`
}

type SyncRequest struct {
	Tag    string `json:"tag" binding:"required"`
	Folder string `json:"folder" binding:"required"`
}

type SyncResponse struct {
	Tag      string `json:"tag"`
	Folder   string `json:"folder"`
	Watching bool   `json:"watching"`
}

type ResolveRequest struct {
	Tag        string `json:"tag" binding:"required"`
	Folder     string `json:"folder" binding:"required"`
	Resolution string `json:"resolution" binding:"required,oneof=local cloud none"`
}

type MappingRequest struct {
	Mapping map[string]settings.TagPath `json:"mapping" binding:"required"`
}

type PluginsResponse struct {
	Plugins []*plugin.Entry `json:"plugins"`
}

type WatchedResponse struct {
	Watched []sync.FolderKey `json:"watched"`
}

type ConflictsResponse struct {
	Conflicts []sync.ConflictInfo `json:"conflicts"`
}

type FiletreeResponse = events.Filetree
