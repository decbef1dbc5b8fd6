package service

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/savesync/savesync/internal/archive"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/plugin"
	"github.com/savesync/savesync/internal/settings"
	ssync "github.com/savesync/savesync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirStoreScript keeps the "cloud" under its own plugin directory.
const dirStoreScript = `
local fs = require("fs")

local function key(tag, folder)
  return "cloud/" .. tag .. "/" .. folder
end

function Info()
  return { name = "Dir Store", description = "stores archives next to the plugin", author = "tests", icon_url = "" }
end

function validate(credentials, redirect_uri)
  if credentials == "" then
    return redirect_uri .. "?consent=1", nil
  end
  if credentials ~= "token-ok" then
    return nil, "bad token"
  end
  return nil, nil
end

function extract_credentials(url)
  local code = string.match(url, "code=(%w+)")
  if not code then
    return nil, "no code in callback"
  end
  return "token-" .. code, nil
end

function read_cloud(credentials)
  local out = {}
  local tags = fs.list("cloud")
  if tags == nil then
    return out, nil
  end
  for _, tag in ipairs(tags) do
    for _, f in ipairs(fs.list("cloud/" .. tag) or {}) do
      local folder = string.match(f, "^(.*)%.ts$")
      if folder then
        local stamp = tonumber(fs.read(key(tag, folder) .. ".ts"))
        table.insert(out, { tag = tag, folder_name = folder, last_modified = stamp })
      end
    end
  end
  return out, nil
end

function download(credentials, tag, folder)
  local data, err = fs.read(key(tag, folder) .. ".zip")
  if data == nil then
    return nil, err
  end
  return data, nil
end

function upload(credentials, tag, folder, modified, data)
  fs.write(key(tag, folder) .. ".zip", data)
  fs.write(key(tag, folder) .. ".ts", tostring(modified))
  return nil, nil
end

function remove(credentials, tag, folder)
  fs.remove(key(tag, folder) .. ".zip")
  fs.remove(key(tag, folder) .. ".ts")
  return nil, nil
end

function abort()
  return nil, "transfer interrupted"
end
`

const pluginName = "dirstore"

type fixture struct {
	svc       *Service
	ws        *settings.Workspace
	st        *settings.Settings
	journal   *ssync.SyncJournal
	bus       *events.Bus
	events    <-chan *events.Event
	pluginDir string
	saves     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	ws, err := settings.NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, ws.Setup())
	t.Cleanup(func() { _ = ws.Unlock() })

	st, err := settings.Load(root)
	require.NoError(t, err)
	saves := t.TempDir()
	st.SetMapping(map[string]settings.TagPath{"games": {Rel: saves}})
	st.SetLastSync(time.Unix(1000, 0))

	journal := ssync.NewSyncJournal(ws.JournalPath())
	require.NoError(t, journal.Open())
	t.Cleanup(func() { journal.Close() })

	pluginDir := filepath.Join(ws.PluginsDir, pluginName)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, plugin.ScriptEntry), []byte(dirStoreScript), 0o644))

	f := &fixture{ws: ws, st: st, journal: journal, pluginDir: pluginDir, saves: saves}
	f.bus = events.NewBus()
	ch, unsubscribe := f.bus.Subscribe(512)
	t.Cleanup(unsubscribe)
	f.events = ch
	f.svc = f.newService(t)
	return f
}

func (f *fixture) newService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(f.ws, f.st, f.bus, f.journal, Config{
		RedirectURI: "http://localhost/callback",
		Debounce:    50 * time.Millisecond,
		Workers:     2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func (f *fixture) storeToken(t *testing.T) {
	t.Helper()
	require.NoError(t, plugin.NewCredentialStore(f.ws.CredentialsDir).Write(pluginName, "token-ok"))
}

// seedCloud places an archive of files into the plugin's cloud store.
func (f *fixture) seedCloud(t *testing.T, tag, folder string, modified int64, files map[string]string) {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	data, _, err := archive.ZipDir(src)
	require.NoError(t, err)

	dir := filepath.Join(f.pluginDir, "cloud", tag)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, folder+".zip"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, folder+".ts"), []byte(strconv.FormatInt(modified, 10)), 0o644))
}

// drain collects the events emitted so far.
func (f *fixture) drain() []*events.Event {
	var out []*events.Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(evs []*events.Event, typ events.Type) []*events.Event {
	var out []*events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func writeLocal(t *testing.T, dir, name, content string, modified int64) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	stamp := time.Unix(modified, 0)
	require.NoError(t, os.Chtimes(p, stamp, stamp))
}

func TestInitConsentThenAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Init(ctx, pluginName)
	var credErr *plugin.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "http://localhost/callback?consent=1", credErr.AuthURL)

	inits := ofType(f.drain(), events.InitResult)
	require.Len(t, inits, 1)
	first := inits[0].Data.(*events.Init)
	assert.False(t, first.Success)
	assert.Equal(t, credErr.AuthURL, first.AuthURL)

	_, err = f.svc.SyncFolder(ctx, "games", "slot1")
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, f.svc.Authorize(ctx, "http://localhost/callback?code=ok"))
	inits = ofType(f.drain(), events.InitResult)
	require.Len(t, inits, 1)
	assert.True(t, inits[0].Data.(*events.Init).Success)

	creds, err := plugin.NewCredentialStore(f.ws.CredentialsDir).Read(pluginName)
	require.NoError(t, err)
	assert.Equal(t, "token-ok", creds)
	assert.Equal(t, f.pluginDir, f.st.Plugin())

	meta := f.svc.ActivePlugin(ctx)
	require.NotNil(t, meta)
	assert.Equal(t, "Dir Store", meta.Name)
	assert.Equal(t, plugin.KindScript, meta.Kind)
}

func TestAuthorizeRejectedCredentialsForgotten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var credErr *plugin.CredentialError
	require.ErrorAs(t, f.svc.Init(ctx, pluginName), &credErr)

	// the callback yields "token-bad", which validate refuses
	err := f.svc.Authorize(ctx, "http://localhost/callback?code=bad")
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "bad token", credErr.Message)

	assert.NoFileExists(t, plugin.NewCredentialStore(f.ws.CredentialsDir).Path(pluginName))
	assert.Empty(t, f.st.Plugin())
}

func TestInitUnknownPlugin(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Init(context.Background(), "missing.so")
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)

	evs := f.drain()
	assert.Len(t, ofType(evs, events.PluginError), 1)
	assert.Len(t, ofType(evs, events.InitResult), 1)
}

func TestInitBrokenPluginReportedOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.ws.PluginsDir, "broken.so"), []byte("not a library"), 0o644))

	ctx := context.Background()
	var loadErr *plugin.LoadError
	require.ErrorAs(t, f.svc.Init(ctx, "broken.so"), &loadErr)
	require.ErrorAs(t, f.svc.Init(ctx, "broken.so"), &loadErr)

	evs := f.drain()
	assert.Len(t, ofType(evs, events.PluginError), 1)
	assert.Len(t, ofType(evs, events.InitResult), 2)
}

func TestInitReconcilesCloud(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	f.seedCloud(t, "games", "slot1", 2000, map[string]string{"save.dat": "from cloud"})
	f.seedCloud(t, "music", "album", 2000, map[string]string{"track": "x"})

	require.NoError(t, f.svc.Init(context.Background(), pluginName))

	data, err := os.ReadFile(filepath.Join(f.saves, "slot1", "save.dat"))
	require.NoError(t, err)
	assert.Equal(t, "from cloud", string(data))

	assert.Equal(t, []ssync.FolderKey{{Tag: "games", Folder: "slot1"}}, f.svc.Watched())
	assert.Equal(t, []string{"music"}, f.svc.Required())
	assert.Equal(t, []string{"music"}, f.svc.Mapping().Required)

	trees := ofType(f.drain(), events.FiletreeResult)
	require.NotEmpty(t, trees)
	tree := trees[len(trees)-1].Data.(*events.Filetree)
	assert.Equal(t, []events.FolderState{{Name: "slot1", Watching: true}}, tree.Tags["games"])
}

func TestInitConflictAndResolve(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	writeLocal(t, filepath.Join(f.saves, "slot1"), "save.dat", "local edit", 1500)
	f.seedCloud(t, "games", "slot1", 2000, map[string]string{"save.dat": "cloud edit"})

	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))

	conflicts := ofType(f.drain(), events.ConflictingFiles)
	require.Len(t, conflicts, 1)
	c := conflicts[0].Data.(*events.Conflict)
	assert.Equal(t, int64(1500), c.Local)
	assert.Equal(t, int64(2000), c.Cloud)
	assert.Len(t, f.svc.Conflicts(), 1)
	assert.Empty(t, f.svc.Watched())

	data, err := os.ReadFile(filepath.Join(f.saves, "slot1", "save.dat"))
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))

	assert.ErrorIs(t, f.svc.ResolveConflict(ctx, "games", "slot1", "both"), ssync.ErrInvalidResolution)

	require.NoError(t, f.svc.ResolveConflict(ctx, "games", "slot1", "cloud"))
	data, err = os.ReadFile(filepath.Join(f.saves, "slot1", "save.dat"))
	require.NoError(t, err)
	assert.Equal(t, "cloud edit", string(data))
	assert.Empty(t, f.svc.Conflicts())
	assert.Len(t, f.svc.Watched(), 1)

	assert.ErrorIs(t, f.svc.ResolveConflict(ctx, "games", "slot1", "cloud"), ssync.ErrConflictNotFound)
}

func TestSyncFolderToggle(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))

	writeLocal(t, filepath.Join(f.saves, "slot2"), "save.dat", "progress", 1800)
	cloudZip := filepath.Join(f.pluginDir, "cloud", "games", "slot2.zip")

	watching, err := f.svc.SyncFolder(ctx, "games", "slot2")
	require.NoError(t, err)
	assert.True(t, watching)
	assert.FileExists(t, cloudZip)

	stamp, err := os.ReadFile(filepath.Join(f.pluginDir, "cloud", "games", "slot2.ts"))
	require.NoError(t, err)
	assert.Equal(t, "1800", string(stamp))

	syncs := ofType(f.drain(), events.SyncResult)
	require.NotEmpty(t, syncs)
	assert.True(t, syncs[len(syncs)-1].Data.(*events.Sync).Watching)

	watching, err = f.svc.SyncFolder(ctx, "games", "slot2")
	require.NoError(t, err)
	assert.False(t, watching)
	assert.NoFileExists(t, cloudZip)
	assert.Empty(t, f.svc.Watched())
}

func TestSetMappingDropsRetargetedWatchers(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))

	writeLocal(t, filepath.Join(f.saves, "slot2"), "save.dat", "progress", 1800)
	_, err := f.svc.SyncFolder(ctx, "games", "slot2")
	require.NoError(t, err)
	require.Len(t, f.svc.Watched(), 1)

	// an unchanged mapping keeps the watcher
	require.NoError(t, f.svc.SetMapping(f.st.Mapping()))
	assert.Len(t, f.svc.Watched(), 1)

	other := t.TempDir()
	require.NoError(t, f.svc.SetMapping(map[string]settings.TagPath{"games": {Rel: other}}))
	assert.Empty(t, f.svc.Watched())
	// retargeting never removes cloud data
	assert.FileExists(t, filepath.Join(f.pluginDir, "cloud", "games", "slot2.zip"))

	view := f.svc.Mapping()
	assert.Equal(t, filepath.Clean(other), view.Resolved["games"])

	assert.ErrorIs(t, f.svc.SetMapping(map[string]settings.TagPath{"": {Rel: "/x"}}), ErrInvalidMapping)
	assert.ErrorIs(t, f.svc.SetMapping(map[string]settings.TagPath{"games": {}}), ErrInvalidMapping)
}

func TestAbortLogsMessage(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	ctx := context.Background()

	_, err := f.svc.Abort(ctx)
	assert.ErrorIs(t, err, ErrNoActivePlugin)

	require.NoError(t, f.svc.Init(ctx, pluginName))
	f.drain()

	msg, err := f.svc.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, "transfer interrupted", msg)

	aborts := ofType(f.drain(), events.AbortResult)
	require.Len(t, aborts, 1)
	assert.Equal(t, "transfer interrupted", aborts[0].Data.(*events.Abort).Message)

	log, err := os.ReadFile(f.ws.PluginLogPath(pluginName))
	require.NoError(t, err)
	assert.Contains(t, string(log), "transfer interrupted")
}

func TestUnload(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Unload(), ErrNoActivePlugin)

	require.NoError(t, f.svc.Init(ctx, pluginName))
	writeLocal(t, filepath.Join(f.saves, "slot2"), "save.dat", "progress", 1800)
	_, err := f.svc.SyncFolder(ctx, "games", "slot2")
	require.NoError(t, err)

	require.NoError(t, f.svc.Unload())
	assert.Empty(t, f.st.Plugin())
	assert.Nil(t, f.svc.ActivePlugin(ctx))
	assert.Empty(t, f.svc.Watched())

	_, err = f.svc.SyncFolder(ctx, "games", "slot2")
	assert.ErrorIs(t, err, ErrNoActivePlugin)
}

func TestCloseAdvancesLastSyncAndRestores(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))

	before := time.Now().Add(-time.Second)
	require.NoError(t, f.svc.Close())
	assert.True(t, f.st.LastSync().After(before))

	reloaded, err := settings.Load(f.ws.Root)
	require.NoError(t, err)
	assert.Equal(t, f.pluginDir, reloaded.Plugin())

	svc := f.newService(t)
	require.NoError(t, svc.Start(ctx))
	require.NotNil(t, svc.ActivePlugin(ctx))

	status, err := svc.Status(ctx, 10)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, "Dir Store", status.Plugin.Name)
}

func TestPendingConflictSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	dir := filepath.Join(f.saves, "slot1")
	writeLocal(t, dir, "save.dat", "local edit", 1500)
	f.seedCloud(t, "games", "slot1", 2000, map[string]string{"save.dat": "cloud edit"})

	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))
	require.Len(t, f.svc.Conflicts(), 1)

	require.NoError(t, f.svc.Close())
	assert.Equal(t, int64(1000), f.st.LastSync().Unix())
	reloaded, err := settings.Load(f.ws.Root)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), reloaded.LastSync().Unix())

	svc := f.newService(t)
	require.NoError(t, svc.Start(ctx))
	assert.Len(t, svc.Conflicts(), 1)
	assert.Empty(t, svc.Watched())

	data, err := os.ReadFile(filepath.Join(dir, "save.dat"))
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))

	require.NoError(t, svc.ResolveConflict(ctx, "games", "slot1", "cloud"))
	require.NoError(t, svc.Close())
	assert.True(t, f.st.LastSync().Unix() > 2000)
}

func TestFailedFolderRetriedAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	cloudDir := filepath.Join(f.pluginDir, "cloud", "games")
	require.NoError(t, os.MkdirAll(cloudDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cloudDir, "slot1.zip"), []byte("not a zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cloudDir, "slot1.ts"), []byte("2000"), 0o644))

	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))
	assert.NotEmpty(t, ofType(f.drain(), events.PluginError))

	require.NoError(t, f.svc.Close())
	assert.Equal(t, int64(1000), f.st.LastSync().Unix())

	f.seedCloud(t, "games", "slot1", 2000, map[string]string{"save.dat": "from cloud"})
	svc := f.newService(t)
	require.NoError(t, svc.Start(ctx))

	data, err := os.ReadFile(filepath.Join(f.saves, "slot1", "save.dat"))
	require.NoError(t, err)
	assert.Equal(t, "from cloud", string(data))
}

func TestCloseWithoutPluginKeepsLastSync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Close())
	assert.Equal(t, int64(1000), f.st.LastSync().Unix())
}

func TestStatusJournal(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t)
	f.seedCloud(t, "games", "slot1", 2000, map[string]string{"save.dat": "from cloud"})
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx, pluginName))

	status, err := f.svc.Status(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, status.Journal)
	assert.Equal(t, ssync.ActionDownload.String(), status.Journal[0].Operation)
	assert.Equal(t, int64(1000), status.LastSync.Unix())
}

func TestPluginsListing(t *testing.T) {
	f := newFixture(t)
	entries, err := f.svc.Plugins(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, plugin.KindScript, entries[0].Kind)
	require.NotNil(t, entries[0].Metadata)
	assert.Equal(t, "Dir Store", entries[0].Metadata.Name)
}
