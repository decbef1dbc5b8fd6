package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaults(t *testing.T) {
	s, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, s.Plugin())
	assert.Empty(t, s.Mapping())
	assert.True(t, s.LastSync().IsZero())
}

func TestSettingsSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	s.SetPlugin("/plugins/s3.so")
	s.SetMapping(map[string]TagPath{
		"games": {Env: "HOME", Rel: "saves"},
		"notes": {Rel: "/tmp/notes"},
	})
	s.SetLastSync(time.Unix(1700000000, 500))
	require.NoError(t, s.Save())

	assert.NoFileExists(t, s.Path()+".tmp")

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/plugins/s3.so", loaded.Plugin())
	assert.Equal(t, s.Mapping(), loaded.Mapping())
	assert.Equal(t, int64(1700000000), loaded.LastSync().Unix())
	assert.Equal(t, []string{"games", "notes"}, loaded.Tags())
}

func TestSettingsMappingIsCopied(t *testing.T) {
	s, err := Load(t.TempDir())
	require.NoError(t, err)

	m := map[string]TagPath{"games": {Rel: "/a"}}
	s.SetMapping(m)
	m["games"] = TagPath{Rel: "/b"}

	got := s.Mapping()
	assert.Equal(t, "/a", got["games"].Rel)
	got["other"] = TagPath{Rel: "/c"}
	assert.Len(t, s.Mapping(), 1)
}

func TestSettingsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, settingsFile), []byte("{not json"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestResolveTag(t *testing.T) {
	dir := t.TempDir()
	base := t.TempDir()
	t.Setenv("SAVESYNC_TEST_BASE", base)

	s, err := Load(dir)
	require.NoError(t, err)
	s.SetMapping(map[string]TagPath{
		"env":    {Env: "SAVESYNC_TEST_BASE", Rel: "games/saves"},
		"plain":  {Rel: base},
		"unset":  {Env: "SAVESYNC_TEST_UNSET_VAR", Rel: "x"},
		"blank":  {},
		"dotenv": {Env: "SAVESYNC_DOTENV_BASE", Rel: "docs"},
	})

	got, err := s.ResolveTag("env")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "games", "saves"), got)

	got, err = s.ResolveTag("plain")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(base), got)

	_, err = s.ResolveTag("unset")
	assert.Error(t, err)

	_, err = s.ResolveTag("blank")
	assert.Error(t, err)

	_, err = s.ResolveTag("missing")
	assert.ErrorIs(t, err, ErrTagNotMapped)

	_, err = s.ResolveTag("dotenv")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SAVESYNC_DOTENV_BASE="+base+"\n"), 0o644))
	require.NoError(t, s.ReloadEnv())
	got, err = s.ResolveTag("dotenv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "docs"), got)
}

func TestDotenvOverridesProcessEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SAVESYNC_TEST_OVERRIDE", "/from/process")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SAVESYNC_TEST_OVERRIDE=/from/dotenv\n"), 0o644))

	s, err := Load(dir)
	require.NoError(t, err)

	got, err := s.ResolvePath(TagPath{Env: "SAVESYNC_TEST_OVERRIDE", Rel: "x"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/from/dotenv", "x"), got)
}

func TestTagPathString(t *testing.T) {
	assert.Equal(t, "$APPDATA/Game", TagPath{Env: "APPDATA", Rel: "Game"}.String())
	assert.Equal(t, "/srv/saves", TagPath{Rel: "/srv/saves"}.String())
}
