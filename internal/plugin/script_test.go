package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memoryScript = `
local store = {}
local stamps = {}

function Info()
  return { name = "Memory", description = "in-memory backend", author = "tests", icon_url = "" }
end

function init(credentials, redirect_uri)
  if credentials == "" then
    return redirect_uri .. "?consent=1", nil
  end
  if credentials ~= "token-ok" then
    return nil, "bad token"
  end
  return nil, nil
end

function extract_credentials(url)
  local code = string.match(url, "code=([%w%-]+)")
  if not code then
    return nil, "no code in callback"
  end
  return "token-" .. code, nil
end

function ReadCloud(credentials)
  local out = {}
  for key, _ in pairs(store) do
    local tag, folder = string.match(key, "^(.-)/(.*)$")
    table.insert(out, { tag = tag, folder_name = folder, last_modified = stamps[key] })
  end
  return out, nil
end

function download(credentials, tag, folder)
  local data = store[tag .. "/" .. folder]
  if data == nil then
    return nil, "not found: " .. folder
  end
  return data, nil
end

function UPLOAD(credentials, tag, folder, modified, data)
  store[tag .. "/" .. folder] = data
  stamps[tag .. "/" .. folder] = modified
  return nil, nil
end

function remove(credentials, tag, folder)
  store[tag .. "/" .. folder] = nil
  stamps[tag .. "/" .. folder] = nil
  return nil, nil
end
`

func writeScriptPlugin(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func openTestScript(t *testing.T, files map[string]string) *scriptBackend {
	t.Helper()
	dir := writeScriptPlugin(t, t.TempDir(), "plugin", files)
	backend, err := openScript(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestScriptBackendCapabilities(t *testing.T) {
	ctx := context.Background()
	b := openTestScript(t, map[string]string{ScriptEntry: memoryScript})

	meta, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Memory", meta.Name)
	assert.Equal(t, "tests", meta.Author)
	assert.Equal(t, KindScript, meta.Kind)

	details, err := b.ReadCloud(ctx, "token-ok")
	require.NoError(t, err)
	assert.Empty(t, details)

	payload := []byte{0x50, 0x4b, 0x00, 0xff, 0x10}
	stamp := time.Unix(1_700_000_000, 0)
	require.NoError(t, b.Upload(ctx, "token-ok", "games", "slot1", stamp, payload))

	details, err = b.ReadCloud(ctx, "token-ok")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "games", details[0].Tag)
	assert.Equal(t, "slot1", details[0].FolderName)
	assert.Equal(t, stamp.Unix(), details[0].LastModified.Unix())
	assert.Nil(t, details[0].Data)

	data, err := b.Download(ctx, "token-ok", "games", "slot1")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	require.NoError(t, b.Remove(ctx, "token-ok", "games", "slot1"))
	_, err = b.Download(ctx, "token-ok", "games", "slot1")
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CapDownload, capErr.Capability)
	assert.Equal(t, "not found: slot1", capErr.Message)
}

func TestScriptBackendValidateAlias(t *testing.T) {
	ctx := context.Background()
	b := openTestScript(t, map[string]string{ScriptEntry: memoryScript})

	url, err := b.Validate(ctx, "", "http://localhost/cb")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/cb?consent=1", url)

	url, err = b.Validate(ctx, "token-ok", "http://localhost/cb")
	require.NoError(t, err)
	assert.Empty(t, url)

	_, err = b.Validate(ctx, "stale", "http://localhost/cb")
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "bad token", capErr.Message)

	creds, err := b.ExtractCredentials(ctx, "http://localhost/cb?code=ok")
	require.NoError(t, err)
	assert.Equal(t, "token-ok", creds)
}

func TestScriptBackendCapabilityNotDefined(t *testing.T) {
	ctx := context.Background()
	b := openTestScript(t, map[string]string{ScriptEntry: `
function info() return { name = "Partial" } end
`})

	_, err := b.Download(ctx, "", "t", "f")
	var notDefined *CapabilityNotDefinedError
	require.ErrorAs(t, err, &notDefined)
	assert.Equal(t, CapDownload, notDefined.Capability)
	assert.Equal(t, CodeCapabilityNotDefined, ErrorCode(err))

	// abort is optional
	assert.NoError(t, b.Abort(ctx))
}

func TestScriptBackendAbortMessage(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: `
function info() return { name = "Aborting" } end
function abort() return nil, "upload interrupted" end
`})

	err := b.Abort(context.Background())
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "upload interrupted", capErr.Message)
}

func TestScriptBackendContractViolation(t *testing.T) {
	ctx := context.Background()
	b := openTestScript(t, map[string]string{ScriptEntry: `
function info() return "not a table" end
function read_cloud()
  return { { tag = "t", folder_name = "f", last_modified = "yesterday" } }, nil
end
function download() return 42, nil end
`})

	_, err := b.Info(ctx)
	var violation *ContractViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "info", violation.Field)

	_, err = b.ReadCloud(ctx, "")
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CapReadCloud, violation.Capability)
	assert.Contains(t, violation.Field, "last_modified")
	assert.Equal(t, CodeContractViolation, ErrorCode(err))

	_, err = b.Download(ctx, "", "t", "f")
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "data", violation.Field)
}

func TestScriptBackendMissingFolderName(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: `
function read_cloud()
  return { { tag = "t", last_modified = 10 } }, nil
end
`})

	_, err := b.ReadCloud(context.Background(), "")
	var violation *ContractViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "[0].folder_name", violation.Field)
}

func TestScriptBackendReadCloudNeedsList(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: `
function read_cloud(credentials)
  if credentials == "empty" then
    return {}, nil
  end
  return { tag = "t", folder_name = "f", last_modified = 10 }, nil
end
`})
	ctx := context.Background()

	_, err := b.ReadCloud(ctx, "")
	var violation *ContractViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "details", violation.Field)

	details, err := b.ReadCloud(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestScriptBackendRuntimeError(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: `
function upload() error("kaboom") end
`})

	err := b.Upload(context.Background(), "", "t", "f", time.Now(), nil)
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, capErr.Message, "kaboom")
}

func TestScriptBackendInlineData(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: `
function read_cloud()
  return { { tag = "t", folder_name = "f", last_modified = 99, data = "zipbytes" } }, nil
end
`})

	details, err := b.ReadCloud(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, []byte("zipbytes"), details[0].Data)
}

func TestScriptBackendSandbox(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "outside.txt"), []byte("secret"), 0o644))
	dir := writeScriptPlugin(t, root, "plugin", map[string]string{
		ScriptEntry: `
local helper = require("helper")

function info()
  return { name = helper.name() }
end

function download(credentials, tag, folder)
  if os ~= nil or io ~= nil or dofile ~= nil then
    return nil, "unsafe library exposed"
  end
  local fs = require("fs")
  local data, err = fs.read(folder)
  if data == nil then
    return nil, err
  end
  return data, nil
end
`,
		"helper.lua": `
local M = {}
function M.name() return "helper-backed" end
return M
`,
		"notes.txt": "bundled",
	})

	b, err := openScript(dir)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	meta, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "helper-backed", meta.Name)

	data, err := b.Download(ctx, "", "t", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "bundled", string(data))

	_, err = b.Download(ctx, "", "t", "../outside.txt")
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, capErr.Message, "escapes")
}

func TestScriptBackendContextCancel(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: `
function download() while true do end end
`})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := b.Download(ctx, "", "t", "f")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptBackendClosed(t *testing.T) {
	b := openTestScript(t, map[string]string{ScriptEntry: memoryScript})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Info(context.Background())
	assert.ErrorIs(t, err, ErrModuleClosed)
}

func TestOpenScriptSyntaxError(t *testing.T) {
	dir := writeScriptPlugin(t, t.TempDir(), "broken", map[string]string{
		ScriptEntry: "function info( return end",
	})

	_, err := OpenBackend(dir)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.Plugin)
	assert.Equal(t, CodeLoadFailed, ErrorCode(err))
}

func TestFieldFromDiagnostic(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"'[0].last_modified' expected type 'int64', got unconvertible type 'string'", "[0].last_modified"},
		{"main.lua:3: attempt to index a nil value (field 'data')", "data"},
		{"main.lua:3: attempt to call a nil value (global 'helper')", "helper"},
		{"something else entirely", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fieldFromDiagnostic(tt.msg), tt.msg)
	}
}

func TestNormalizeCapability(t *testing.T) {
	for _, name := range []string{"read_cloud", "ReadCloud", "READ_CLOUD", "readCloud"} {
		assert.Equal(t, "readcloud", normalizeCapability(name))
	}
}
