// Package bus is the cross-context change-event bus. Emission delivers to
// in-process handlers synchronously before any fan-out, so the emitting
// code always observes its own update first; propagation to other contexts
// (attached tabs, sibling daemons on the host, other devices) is
// asynchronous, failure-isolated per transport, and at-least-once.
// Consumers treat messages as "something changed, re-query", never as an
// ordered log.
package bus

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/shared/id"
	"github.com/clinicware/syncd/internal/shared/types"
)

// ErrSkipped reports that a transport deliberately declined the message,
// e.g. the cross-device channel while local mode is active. Skips are
// counted apart from deliveries and are not failures.
var ErrSkipped = errors.New("bus: transport skipped message")

// Handler receives bus messages. Handlers may be invoked with duplicate
// deliveries of the same logical message and must be idempotent on
// (event, ts, id); see Deduper.
type Handler func(types.BusMessage)

// Transport is one propagation path out of this context. Each Send failure
// is logged and swallowed; one dead path never blocks the others.
type Transport interface {
	Name() string
	Send(msg types.BusMessage) error
}

// Receiver is a transport that can also deliver inbound messages. The bus
// hands it a sink at registration.
type Receiver interface {
	Transport
	SetSink(sink func(types.BusMessage))
}

// Recorder counts transport sends for monitoring. Optional.
type Recorder interface {
	RecordBusMessage(transport, status string)
}

const recentCap = 32

// Bus fans events out across contexts.
type Bus struct {
	logger  *logging.Logger
	metrics Recorder

	mu         sync.RWMutex
	seq        int
	handlers   map[int]Handler
	transports []Transport
	dedupe     *Deduper
	recent     []types.BusMessage
}

// New creates a bus. Register transports before first Emit.
func New(logger *logging.Logger, metrics Recorder) *Bus {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Bus{
		logger:   logger.Named("bus"),
		metrics:  metrics,
		handlers: make(map[int]Handler),
		dedupe:   NewDeduper(),
	}
}

// AddTransport registers a propagation path. Receiving transports get the
// inbound sink wired here.
func (b *Bus) AddTransport(t Transport) {
	b.mu.Lock()
	b.transports = append(b.transports, t)
	b.mu.Unlock()
	if r, ok := t.(Receiver); ok {
		r.SetSink(b.Inject)
	}
}

// OnChange registers a handler and returns its unsubscribe function.
func (b *Bus) OnChange(handler Handler) func() {
	b.mu.Lock()
	b.seq++
	key := b.seq
	b.handlers[key] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, key)
		b.mu.Unlock()
	}
}

// Emit delivers to in-process handlers synchronously, then fans out to
// every transport asynchronously. Returns the stamped message.
func (b *Bus) Emit(event string, payload interface{}) types.BusMessage {
	msg := types.BusMessage{
		ID:      id.NewMessageID(),
		Event:   event,
		Payload: payload,
		TS:      types.Now(),
	}
	b.dedupe.Mark(msg.DedupeKey())
	b.deliver(msg)

	b.mu.RLock()
	transports := make([]Transport, len(b.transports))
	copy(transports, b.transports)
	b.mu.RUnlock()

	for _, t := range transports {
		go b.sendOne(t, msg)
	}
	return msg
}

// Inject delivers a message that arrived from a transport. Duplicates of an
// already-seen message (native broadcast plus the storage fallback firing
// for the same logical event) are dropped here.
func (b *Bus) Inject(msg types.BusMessage) {
	if msg.Event == "" {
		return
	}
	if b.dedupe.Seen(msg.DedupeKey()) {
		return
	}
	b.deliver(msg)
}

func (b *Bus) sendOne(t Transport, msg types.BusMessage) {
	err := t.Send(msg)
	status := "ok"
	switch {
	case errors.Is(err, ErrSkipped):
		status = "skipped"
	case err != nil:
		status = "error"
		b.logger.Warn("transport send failed",
			zap.String("transport", t.Name()),
			zap.String("event", msg.Event),
			zap.Error(err),
		)
	}
	if b.metrics != nil {
		b.metrics.RecordBusMessage(t.Name(), status)
	}
}

func (b *Bus) deliver(msg types.BusMessage) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, msg)
	}

	b.mu.Lock()
	b.recent = append(b.recent, msg)
	if len(b.recent) > recentCap {
		b.recent = b.recent[len(b.recent)-recentCap:]
	}
	b.mu.Unlock()
}

// safeCall isolates handler panics so one failing handler cannot suppress
// delivery to the rest.
func (b *Bus) safeCall(h Handler, msg types.BusMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("event", msg.Event),
				zap.Any("panic", r),
			)
		}
	}()
	h(msg)
}

// DebugState is the interactive inspection handle.
type DebugState struct {
	Transports []string           `json:"transports"`
	Handlers   int                `json:"handlers"`
	Recent     []types.BusMessage `json:"recent"`
}

// Debug snapshots bus state for the debug endpoint.
func (b *Bus) Debug() DebugState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.transports))
	for i, t := range b.transports {
		names[i] = t.Name()
	}
	recent := make([]types.BusMessage, len(b.recent))
	copy(recent, b.recent)
	return DebugState{Transports: names, Handlers: len(b.handlers), Recent: recent}
}
