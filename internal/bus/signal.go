package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/shared/types"
)

const (
	signalPrefix    = "pulse_"
	signalPollEvery = 200 * time.Millisecond
	signalStaleAge  = time.Minute
)

// signalFile is the on-disk envelope. Origin filters out our own writes.
type signalFile struct {
	Origin  string           `json:"origin"`
	Message types.BusMessage `json:"message"`
}

// SignalTransport is the storage fallback path: each Send drops a volatile
// signal file into a shared directory, and the reader removes it after
// delivery; the write/remove pair is the signal. It works between daemon
// instances on the same host when no direct broadcast peer is attached.
type SignalTransport struct {
	dir    string
	origin string
	logger *logging.Logger

	mu     sync.Mutex
	sink   func(types.BusMessage)
	closed chan struct{}
	once   sync.Once
}

// NewSignalTransport creates the transport over dir, creating it if needed.
func NewSignalTransport(dir string, logger *logging.Logger) (*SignalTransport, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	t := &SignalTransport{
		dir:    dir,
		origin: uuid.NewString(),
		logger: logger.Named("signal"),
		closed: make(chan struct{}),
	}
	go t.watch()
	return t, nil
}

func (t *SignalTransport) Name() string { return "signal" }

// Send writes the signal file. Renamed into place so readers never observe
// a partial write.
func (t *SignalTransport) Send(msg types.BusMessage) error {
	data, err := sonic.Marshal(signalFile{Origin: t.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	tmp := filepath.Join(t.dir, "."+signalPrefix+msg.ID)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	final := filepath.Join(t.dir, signalPrefix+msg.ID+".json")
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// SetSink wires inbound delivery.
func (t *SignalTransport) SetSink(sink func(types.BusMessage)) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Close stops the watcher.
func (t *SignalTransport) Close() {
	t.once.Do(func() { close(t.closed) })
}

func (t *SignalTransport) watch() {
	ticker := time.NewTicker(signalPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.scan()
		}
	}
}

func (t *SignalTransport) scan() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		t.logger.Warn("signal dir scan failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, signalPrefix) {
			continue
		}
		path := filepath.Join(t.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // another reader got there first
		}
		var sig signalFile
		if err := sonic.Unmarshal(data, &sig); err != nil {
			// Malformed or stale leftovers get swept, never delivered.
			if info, ierr := e.Info(); ierr == nil && time.Since(info.ModTime()) > signalStaleAge {
				os.Remove(path)
			}
			continue
		}
		if sig.Origin == t.origin {
			// Our own write; the remove half happens once it ages out or a
			// sibling consumes it.
			if info, ierr := e.Info(); ierr == nil && time.Since(info.ModTime()) > signalStaleAge {
				os.Remove(path)
			}
			continue
		}
		os.Remove(path)
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(sig.Message)
		}
	}
}
