package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicware/syncd/internal/shared/types"
)

// recordingTransport collects sends for assertions.
type recordingTransport struct {
	mu   sync.Mutex
	sent []types.BusMessage
	err  error
}

func (t *recordingTransport) Name() string { return "recording" }

func (t *recordingTransport) Send(msg types.BusMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func TestEmitDeliversSynchronously(t *testing.T) {
	b := New(nil, nil)

	var got []types.BusMessage
	b.OnChange(func(msg types.BusMessage) { got = append(got, msg) })

	msg := b.Emit("db:patients", map[string]interface{}{"op": "insert"})

	// No sleep: same-context delivery completes before Emit returns.
	require.Len(t, got, 1)
	assert.Equal(t, "db:patients", got[0].Event)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.TS)
}

func TestEmitFansOutToTransports(t *testing.T) {
	b := New(nil, nil)
	tr := &recordingTransport{}
	b.AddTransport(tr)

	b.Emit("db:slots", nil)

	require.Eventually(t, func() bool { return tr.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestFailingTransportDoesNotBlockOthers(t *testing.T) {
	b := New(nil, nil)
	dead := &recordingTransport{err: assert.AnError}
	live := &recordingTransport{}
	b.AddTransport(dead)
	b.AddTransport(live)

	b.Emit("db:slots", nil)

	require.Eventually(t, func() bool { return live.count() == 1 },
		time.Second, 10*time.Millisecond)
}

// recordingMetrics collects per-transport send statuses.
type recordingMetrics struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func (m *recordingMetrics) RecordBusMessage(transport, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string][]string)
	}
	m.statuses[transport] = append(m.statuses[transport], status)
}

func (m *recordingMetrics) recorded(transport string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statuses[transport]...)
}

func TestSkippingTransportCountsAsSkipped(t *testing.T) {
	metrics := &recordingMetrics{}
	b := New(nil, metrics)
	skip := &recordingTransport{err: ErrSkipped}
	b.AddTransport(skip)

	b.Emit("db:slots", nil)

	require.Eventually(t, func() bool { return len(metrics.recorded("recording")) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"skipped"}, metrics.recorded("recording"),
		"a declined send is neither a delivery nor a failure")
}

func TestFailingTransportCountsAsError(t *testing.T) {
	metrics := &recordingMetrics{}
	b := New(nil, metrics)
	b.AddTransport(&recordingTransport{err: assert.AnError})

	b.Emit("db:slots", nil)

	require.Eventually(t, func() bool { return len(metrics.recorded("recording")) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"error"}, metrics.recorded("recording"))
}

func TestInjectDeduplicates(t *testing.T) {
	b := New(nil, nil)

	var delivered int
	b.OnChange(func(types.BusMessage) { delivered++ })

	msg := types.BusMessage{ID: "msg_01TEST", Event: "db:patients", TS: types.Now()}
	b.Inject(msg)
	b.Inject(msg)

	assert.Equal(t, 1, delivered, "second arrival of the same (event, id) is dropped")
}

func TestInjectDropsOwnEmission(t *testing.T) {
	b := New(nil, nil)

	var delivered int
	b.OnChange(func(types.BusMessage) { delivered++ })

	msg := b.Emit("db:patients", nil)
	b.Inject(msg)

	assert.Equal(t, 1, delivered, "a transport echoing our own emission must not double-deliver")
}

func TestInjectIgnoresEmptyEvent(t *testing.T) {
	b := New(nil, nil)
	called := false
	b.OnChange(func(types.BusMessage) { called = true })
	b.Inject(types.BusMessage{ID: "msg_X", TS: types.Now()})
	assert.False(t, called)
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(nil, nil)

	survived := 0
	b.OnChange(func(types.BusMessage) { panic("bad handler") })
	b.OnChange(func(types.BusMessage) { survived++ })
	b.OnChange(func(types.BusMessage) { survived++ })

	assert.NotPanics(t, func() { b.Emit("db:patients", nil) })
	assert.Equal(t, 2, survived, "one panicking handler must not suppress the rest")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, nil)

	delivered := 0
	off := b.OnChange(func(types.BusMessage) { delivered++ })

	b.Emit("db:patients", nil)
	off()
	b.Emit("db:patients", nil)

	assert.Equal(t, 1, delivered)
}

func TestDebugState(t *testing.T) {
	b := New(nil, nil)
	b.AddTransport(&recordingTransport{})
	b.OnChange(func(types.BusMessage) {})

	b.Emit("db:patients", nil)
	b.Emit("db:slots", nil)

	state := b.Debug()
	assert.Equal(t, []string{"recording"}, state.Transports)
	assert.Equal(t, 1, state.Handlers)
	require.Len(t, state.Recent, 2)
	assert.Equal(t, "db:patients", state.Recent[0].Event)
	assert.Equal(t, "db:slots", state.Recent[1].Event)
}
