package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound = errors.New("plugin: not found")
	ErrModuleClosed   = errors.New("plugin: module closed")
	ErrUnknownKind    = errors.New("plugin: unrecognised artifact")
)

const (
	CodeLoadFailed           = "E_PLUGIN_LOAD_FAILED"
	CodeMissingCapability    = "E_PLUGIN_MISSING_CAPABILITY"
	CodeCapabilityNotDefined = "E_PLUGIN_CAPABILITY_NOT_DEFINED"
	CodeCapabilityFailed     = "E_PLUGIN_CAPABILITY_FAILED"
	CodeContractViolation    = "E_PLUGIN_CONTRACT_VIOLATION"
	CodeCredentials          = "E_PLUGIN_CREDENTIALS"
)

// PluginError is implemented by every error the runtime hands back to callers.
type PluginError interface {
	error
	ErrorCode() string
}

// LoadError reports an artifact that could not be turned into a module.
// It is reported once per artifact and never retried automatically.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin load %q: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error     { return e.Err }
func (e *LoadError) ErrorCode() string { return CodeLoadFailed }

// MissingCapabilityError is raised at load time when a native module does not export
// a required symbol.
type MissingCapabilityError struct {
	Capability string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("missing capability %q", e.Capability)
}

func (e *MissingCapabilityError) ErrorCode() string { return CodeMissingCapability }

// CapabilityNotDefinedError is raised at call time when a script did not register
// the requested capability.
type CapabilityNotDefinedError struct {
	Capability string
}

func (e *CapabilityNotDefinedError) Error() string {
	return fmt.Sprintf("capability not defined: %s", e.Capability)
}

func (e *CapabilityNotDefinedError) ErrorCode() string { return CodeCapabilityNotDefined }

// CapabilityError carries the message a module returned through its error slot.
type CapabilityError struct {
	Capability string
	Message    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Capability, e.Message)
}

func (e *CapabilityError) ErrorCode() string { return CodeCapabilityFailed }

// ContractViolationError is raised when a module returns a value of the wrong shape.
// Field names the offending value.
type ContractViolationError struct {
	Capability string
	Field      string
	Detail     string
}

func (e *ContractViolationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: contract violation in %q", e.Capability, e.Field)
	}
	return fmt.Sprintf("%s: contract violation in %q: %s", e.Capability, e.Field, e.Detail)
}

func (e *ContractViolationError) ErrorCode() string { return CodeContractViolation }

// CredentialError means the module needs (re-)authorization. AuthURL, when set, is the
// page the user has to visit to grant consent.
type CredentialError struct {
	Message string
	AuthURL string
}

func (e *CredentialError) Error() string {
	if e.AuthURL != "" {
		return fmt.Sprintf("authorization required: %s", e.AuthURL)
	}
	return fmt.Sprintf("credentials: %s", e.Message)
}

func (e *CredentialError) ErrorCode() string { return CodeCredentials }

var (
	_ PluginError = (*LoadError)(nil)
	_ PluginError = (*MissingCapabilityError)(nil)
	_ PluginError = (*CapabilityNotDefinedError)(nil)
	_ PluginError = (*CapabilityError)(nil)
	_ PluginError = (*ContractViolationError)(nil)
	_ PluginError = (*CredentialError)(nil)
)

// ErrorCode extracts the runtime error code of err, or "" for foreign errors.
func ErrorCode(err error) string {
	var pe PluginError
	if errors.As(err, &pe) {
		return pe.ErrorCode()
	}
	return ""
}
