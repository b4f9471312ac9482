package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/shared/types"
)

// EventModeChanged is emitted on the bus whenever the backend mode flips,
// so open contexts re-subscribe against the new backend.
const EventModeChanged = "cloud:mode"

const modeSettingKey = "backend_mode"

// Manager owns backend selection. The mode flag persists in the local
// settings collection so every context on the device reads the same value
// at startup; after that it is authoritative until SetMode. SetMode builds
// a new backend handle rather than mutating the active one in place.
type Manager struct {
	local     *Local
	remoteCfg RemoteConfig
	logger    *logging.Logger

	mu      sync.RWMutex
	mode    types.Mode
	current Backend
	remote  *Remote

	emit func(event string, payload interface{})
}

// NewManager wires the manager from immutable configuration. The persisted
// mode flag is read once; a persisted remote mode without credentials is a
// configuration failure, not a silent fallback to local.
func NewManager(local *Local, remoteCfg RemoteConfig, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}
	m := &Manager{
		local:     local,
		remoteCfg: remoteCfg,
		logger:    logger,
		mode:      types.ModeLocal,
		current:   local,
	}

	mode, err := m.readPersistedMode(context.Background())
	if err != nil {
		return nil, fmt.Errorf("read persisted backend mode: %w", err)
	}
	if mode == types.ModeRemote {
		remote, err := NewRemote(remoteCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("persisted mode is remote: %w", err)
		}
		m.mode = types.ModeRemote
		m.remote = remote
		m.current = remote
	}
	logger.Info("backend mode loaded", zap.String("mode", string(m.mode)))
	return m, nil
}

// SetEmitter attaches the bus emit hook. Wiring order: manager first, bus
// second, then this.
func (m *Manager) SetEmitter(emit func(event string, payload interface{})) {
	m.mu.Lock()
	m.emit = emit
	m.mu.Unlock()
}

// Mode returns the active backend mode.
func (m *Manager) Mode() types.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Current returns the active backend handle.
func (m *Manager) Current() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Remote returns the remote backend when remote mode is active, else nil.
// The bus's cross-device transport uses it for the broadcast channel.
func (m *Manager) Remote() *Remote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote
}

// SetMode switches the active backend and returns the new handle. The flag
// is persisted before the swap; the mode-changed event fires after, so a
// listener that re-queries observes the new mode.
func (m *Manager) SetMode(ctx context.Context, mode types.Mode) (Backend, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid backend mode %q", mode)
	}

	m.mu.Lock()
	if mode == m.mode {
		current := m.current
		m.mu.Unlock()
		return current, nil
	}

	var next Backend = m.local
	var nextRemote *Remote
	if mode == types.ModeRemote {
		remote, err := NewRemote(m.remoteCfg, m.logger)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		next = remote
		nextRemote = remote
	}

	if _, err := m.local.Upsert(ctx, "settings",
		[]types.Row{{"key": modeSettingKey, "value": string(mode)}}, []string{"key"}); err != nil {
		if nextRemote != nil {
			nextRemote.Close()
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("persist backend mode: %w", err)
	}

	oldRemote := m.remote
	m.mode = mode
	m.current = next
	m.remote = nextRemote
	emit := m.emit
	m.mu.Unlock()

	if oldRemote != nil {
		oldRemote.Close()
	}
	m.logger.Info("backend mode changed", zap.String("mode", string(mode)))
	if emit != nil {
		emit(EventModeChanged, map[string]interface{}{
			"enabled": mode == types.ModeRemote,
			"mode":    string(mode),
		})
	}
	return next, nil
}

// Close shuts down both backends.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote != nil {
		m.remote.Close()
		m.remote = nil
	}
	return m.local.Close()
}

func (m *Manager) readPersistedMode(ctx context.Context) (types.Mode, error) {
	rows, err := m.local.SelectWhere(ctx, "settings", types.Filter{"key": modeSettingKey}, nil)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return types.ModeLocal, nil
	}
	v, _ := rows[0]["value"].(string)
	mode := types.Mode(v)
	if !mode.Valid() {
		m.logger.Warn("ignoring invalid persisted backend mode", zap.String("value", v))
		return types.ModeLocal, nil
	}
	return mode, nil
}
