package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ScriptEntry is the file executed when a script package is loaded.
const ScriptEntry = "main.lua"

// scriptAliases maps normalized global names onto capabilities. Older scripts export
// "init" where newer ones export "validate".
var scriptAliases = map[string]string{
	"info":               CapInfo,
	"init":               CapValidate,
	"validate":           CapValidate,
	"extractcredentials": CapExtractCredentials,
	"readcloud":          CapReadCloud,
	"download":           CapDownload,
	"upload":             CapUpload,
	"remove":             CapRemove,
	"abort":              CapAbort,
}

// scriptBackend runs a Lua package inside a restricted interpreter. An LState is not
// safe for concurrent use, so calls are serialized.
type scriptBackend struct {
	dir string

	mu           sync.Mutex
	L            *lua.LState
	capabilities map[string]*lua.LFunction
	closed       bool
}

func openScript(dir string) (*scriptBackend, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L, dir)

	if err := L.DoFile(filepath.Join(dir, ScriptEntry)); err != nil {
		L.Close()
		return nil, fmt.Errorf("execute %s: %w", ScriptEntry, err)
	}

	caps := make(map[string]*lua.LFunction)
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			return
		}
		if capability, ok := scriptAliases[normalizeCapability(string(name))]; ok {
			caps[capability] = fn
		}
	})

	return &scriptBackend{dir: dir, L: L, capabilities: caps}, nil
}

func (s *scriptBackend) Kind() Kind { return KindScript }

// call invokes a capability and returns its two results: value and error message.
func (s *scriptBackend) call(ctx context.Context, capability string, args ...lua.LValue) (lua.LValue, lua.LValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrModuleClosed
	}
	fn, ok := s.capabilities[capability]
	if !ok {
		return nil, nil, &CapabilityNotDefinedError{Capability: capability}
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &CapabilityError{Capability: capability, Message: scriptMessage(err)}
	}
	ret, errv := s.L.Get(-2), s.L.Get(-1)
	s.L.Pop(2)
	return ret, errv, nil
}

// failure turns the error slot of a script return into an error.
func failure(capability string, errv lua.LValue) error {
	switch v := errv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		if !bool(v) {
			return nil
		}
	case lua.LString:
		if v == "" {
			return nil
		}
		return &CapabilityError{Capability: capability, Message: string(v)}
	}
	return &ContractViolationError{
		Capability: capability,
		Field:      "error",
		Detail:     fmt.Sprintf("expected string, got %s", errv.Type()),
	}
}

func (s *scriptBackend) Info(ctx context.Context) (*Metadata, error) {
	ret, errv, err := s.call(ctx, CapInfo)
	if err != nil {
		return nil, err
	}
	if err := failure(CapInfo, errv); err != nil {
		return nil, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, &ContractViolationError{Capability: CapInfo, Field: "info", Detail: fmt.Sprintf("expected table, got %s", ret.Type())}
	}

	var info scriptInfo
	if err := decodeTable(CapInfo, tbl, &info); err != nil {
		return nil, err
	}
	if info.Name == "" {
		return nil, &ContractViolationError{Capability: CapInfo, Field: "name", Detail: "empty"}
	}
	return &Metadata{
		Name:        info.Name,
		Description: info.Description,
		Author:      info.Author,
		IconURL:     info.IconURL,
		Kind:        KindScript,
	}, nil
}

func (s *scriptBackend) Validate(ctx context.Context, credentials, redirectURI string) (string, error) {
	ret, errv, err := s.call(ctx, CapValidate, lua.LString(credentials), lua.LString(redirectURI))
	if err != nil {
		return "", err
	}
	url, err := optionalString(CapValidate, "auth_url", ret)
	if err != nil {
		return "", err
	}
	return url, failure(CapValidate, errv)
}

func (s *scriptBackend) ExtractCredentials(ctx context.Context, callbackURL string) (string, error) {
	ret, errv, err := s.call(ctx, CapExtractCredentials, lua.LString(callbackURL))
	if err != nil {
		return "", err
	}
	if err := failure(CapExtractCredentials, errv); err != nil {
		return "", err
	}
	creds, ok := ret.(lua.LString)
	if !ok {
		return "", &ContractViolationError{Capability: CapExtractCredentials, Field: "credentials", Detail: fmt.Sprintf("expected string, got %s", ret.Type())}
	}
	return string(creds), nil
}

func (s *scriptBackend) ReadCloud(ctx context.Context, credentials string) ([]*FileDetails, error) {
	ret, errv, err := s.call(ctx, CapReadCloud, lua.LString(credentials))
	if err != nil {
		return nil, err
	}
	if err := failure(CapReadCloud, errv); err != nil {
		return nil, err
	}
	if ret == lua.LNil {
		return nil, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, &ContractViolationError{Capability: CapReadCloud, Field: "details", Detail: fmt.Sprintf("expected table, got %s", ret.Type())}
	}

	var entries []scriptFileDetails
	if tbl.Len() > 0 {
		if err := decodeTable(CapReadCloud, tbl, &entries); err != nil {
			return nil, err
		}
	} else if key, _ := tbl.Next(lua.LNil); key != lua.LNil {
		return nil, &ContractViolationError{Capability: CapReadCloud, Field: "details", Detail: "expected a list of folders, got a map"}
	}

	out := make([]*FileDetails, 0, len(entries))
	for i, e := range entries {
		if e.FolderName == "" {
			return nil, &ContractViolationError{Capability: CapReadCloud, Field: fmt.Sprintf("[%d].folder_name", i), Detail: "empty"}
		}
		fd := &FileDetails{
			Tag:          e.Tag,
			FolderName:   e.FolderName,
			LastModified: time.Unix(e.LastModified, 0),
		}
		if e.Data != "" {
			fd.Data = []byte(e.Data)
		}
		out = append(out, fd)
	}
	return out, nil
}

func (s *scriptBackend) Download(ctx context.Context, credentials, tag, folder string) ([]byte, error) {
	ret, errv, err := s.call(ctx, CapDownload, lua.LString(credentials), lua.LString(tag), lua.LString(folder))
	if err != nil {
		return nil, err
	}
	if err := failure(CapDownload, errv); err != nil {
		return nil, err
	}
	data, ok := ret.(lua.LString)
	if !ok {
		return nil, &ContractViolationError{Capability: CapDownload, Field: "data", Detail: fmt.Sprintf("expected string, got %s", ret.Type())}
	}
	return []byte(data), nil
}

func (s *scriptBackend) Upload(ctx context.Context, credentials, tag, folder string, modified time.Time, data []byte) error {
	_, errv, err := s.call(ctx, CapUpload,
		lua.LString(credentials),
		lua.LString(tag),
		lua.LString(folder),
		lua.LNumber(unixSeconds(modified)),
		lua.LString(data),
	)
	if err != nil {
		return err
	}
	return failure(CapUpload, errv)
}

func (s *scriptBackend) Remove(ctx context.Context, credentials, tag, folder string) error {
	_, errv, err := s.call(ctx, CapRemove, lua.LString(credentials), lua.LString(tag), lua.LString(folder))
	if err != nil {
		return err
	}
	return failure(CapRemove, errv)
}

func (s *scriptBackend) Abort(ctx context.Context) error {
	_, errv, err := s.call(ctx, CapAbort)
	var notDefined *CapabilityNotDefinedError
	if errors.As(err, &notDefined) {
		return nil
	}
	if err != nil {
		return err
	}
	return failure(CapAbort, errv)
}

func (s *scriptBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.L.Close()
	return nil
}

func optionalString(capability, field string, v lua.LValue) (string, error) {
	switch v := v.(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return string(v), nil
	}
	return "", &ContractViolationError{Capability: capability, Field: field, Detail: fmt.Sprintf("expected string, got %s", v.Type())}
}

// scriptMessage strips the interpreter stack trace from a runtime error.
func scriptMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
