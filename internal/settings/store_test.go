package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirra/internal/persona"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "settings.json"), nil)
}

func TestLoadMissingFile(t *testing.T) {
	store := tempStore(t)
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Channels)
	assert.True(t, snap.Global.DeepWorkAllowed)
	assert.Empty(t, snap.Global.BlockedPersonas)
	assert.Empty(t, snap.Global.ErrorLog)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := tempStore(t)
	snap := Snapshot{
		Channels: map[string]ChannelSettings{
			"123": {Enabled: true, Persona: persona.Realtime, DeepWork: false},
		},
		Global: GlobalSettings{
			BlockedPersonas: []persona.ID{persona.GeminiPro},
			DeepWorkAllowed: false,
			ErrorLog:        map[string]int{"2026-08-29": 3},
		},
	}
	require.NoError(t, store.Save(snap))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, snap.Channels, loaded.Channels)
	assert.Equal(t, snap.Global, loaded.Global)
}

func TestLoadLegacyFlatLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	legacy := `{
  "111": {"enabled": true, "model": "mistral-large"},
  "222": {"enabled": false, "model": "gemini-3-pro", "deepwork": false}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	store := NewStore(path, nil)
	snap, err := store.Load()
	require.NoError(t, err)

	require.Len(t, snap.Channels, 2)
	assert.True(t, snap.Channels["111"].Enabled)
	// deepwork absent in the legacy record defaults to true.
	assert.True(t, snap.Channels["111"].DeepWork)
	// deepwork explicitly false must survive migration.
	assert.False(t, snap.Channels["222"].DeepWork)

	assert.True(t, snap.Global.DeepWorkAllowed)
	assert.Empty(t, snap.Global.BlockedPersonas)
	assert.NotNil(t, snap.Global.ErrorLog)
}

func TestLoadBackfillsGlobalFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	partial := `{
  "channels": {"9": {"enabled": true, "model": "mistral-large"}},
  "global": {"blocked_models": []}
}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o644))

	store := NewStore(path, nil)
	snap, err := store.Load()
	require.NoError(t, err)
	assert.True(t, snap.Global.DeepWorkAllowed)
	assert.True(t, snap.Channels["9"].DeepWork)
}

func TestLoadDefaultsEmptyPersona(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	raw := `{"channels": {"7": {"enabled": true}}, "global": {"deepwork_allowed": true}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	store := NewStore(path, nil)
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, persona.Default, snap.Channels["7"].Persona)
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(path, nil)
	_, err := store.Load()
	assert.Error(t, err)
}
