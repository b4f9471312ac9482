package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicware/syncd/internal/shared/types"
	"github.com/clinicware/syncd/internal/store"
)

func newTestManager(t *testing.T, remoteCfg RemoteConfig) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	m, err := NewManager(NewLocal(s, nil), remoteCfg, nil)
	require.NoError(t, err)
	return m, s
}

func TestManagerDefaultsToLocal(t *testing.T) {
	m, _ := newTestManager(t, RemoteConfig{})
	defer m.Close()

	assert.Equal(t, types.ModeLocal, m.Mode())
	assert.Equal(t, "local", m.Current().Name())
	assert.Nil(t, m.Remote())
}

func TestManagerSetModeWithoutCredentials(t *testing.T) {
	m, _ := newTestManager(t, RemoteConfig{})
	defer m.Close()

	_, err := m.SetMode(context.Background(), types.ModeRemote)
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, types.ModeLocal, m.Mode(), "failed switch leaves mode untouched")
}

func TestManagerSetModeRejectsUnknownMode(t *testing.T) {
	m, _ := newTestManager(t, RemoteConfig{})
	defer m.Close()

	_, err := m.SetMode(context.Background(), types.Mode("hybrid"))
	assert.Error(t, err)
}

func TestManagerSetModeEmitsAndPersists(t *testing.T) {
	cfg := RemoteConfig{URL: "https://example.test", Key: "service-key"}
	m, _ := newTestManager(t, cfg)

	var events []types.BusMessage
	m.SetEmitter(func(event string, payload interface{}) {
		events = append(events, types.BusMessage{Event: event, Payload: payload})
	})

	next, err := m.SetMode(context.Background(), types.ModeRemote)
	require.NoError(t, err)
	assert.Equal(t, "remote", next.Name())
	assert.Equal(t, types.ModeRemote, m.Mode())
	require.NotNil(t, m.Remote())

	require.Len(t, events, 1)
	assert.Equal(t, EventModeChanged, events[0].Event)
	payload, ok := events[0].Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, payload["enabled"])
	assert.Equal(t, "remote", payload["mode"])

	// The flag is readable through the data plane like any other setting.
	rows, err := m.local.SelectWhere(context.Background(), "settings",
		types.Filter{"key": "backend_mode"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "remote", rows[0]["value"])
	m.Close()
}

func TestManagerSetModeSameModeIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, RemoteConfig{})
	defer m.Close()

	emitted := false
	m.SetEmitter(func(string, interface{}) { emitted = true })

	next, err := m.SetMode(context.Background(), types.ModeLocal)
	require.NoError(t, err)
	assert.Equal(t, "local", next.Name())
	assert.False(t, emitted, "no-op switch must not fire the mode-changed event")
}

func TestManagerRestoresPersistedMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	cfg := RemoteConfig{URL: "https://example.test", Key: "service-key"}

	s, err := store.Open(path)
	require.NoError(t, err)
	m, err := NewManager(NewLocal(s, nil), cfg, nil)
	require.NoError(t, err)
	_, err = m.SetMode(context.Background(), types.ModeRemote)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	s2, err := store.Open(path)
	require.NoError(t, err)
	m2, err := NewManager(NewLocal(s2, nil), cfg, nil)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, types.ModeRemote, m2.Mode())
}

func TestManagerPersistedRemoteWithoutCredentialsFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	cfg := RemoteConfig{URL: "https://example.test", Key: "service-key"}

	s, err := store.Open(path)
	require.NoError(t, err)
	m, err := NewManager(NewLocal(s, nil), cfg, nil)
	require.NoError(t, err)
	_, err = m.SetMode(context.Background(), types.ModeRemote)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// Same database, credentials gone: startup must fail loudly rather
	// than silently serving local data.
	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()
	_, err = NewManager(NewLocal(s2, nil), RemoteConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
