package bus

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/backend"
	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/shared/types"
)

// BusChannel is the shared remote broadcast channel name. Every device
// attached to the same remote store joins it.
const BusChannel = "clinic-bus"

// RemoteTransport mirrors bus messages through the remote store's broadcast
// channel so other devices observe the pulse. Best-effort: it is a no-op
// while local mode is active, and a websocket failure falls back to a
// retried HTTP broadcast before giving up.
type RemoteTransport struct {
	manager *backend.Manager
	cfg     backend.RemoteConfig
	logger  *logging.Logger
	httpc   *retryablehttp.Client

	mu     sync.Mutex
	sink   func(types.BusMessage)
	joined *backend.Remote
}

// NewRemoteTransport creates the cross-device transport.
func NewRemoteTransport(manager *backend.Manager, cfg backend.RemoteConfig, logger *logging.Logger) *RemoteTransport {
	if logger == nil {
		logger = logging.NewDefault()
	}
	httpc := retryablehttp.NewClient()
	httpc.RetryMax = 2
	httpc.RetryWaitMin = 200 * time.Millisecond
	httpc.RetryWaitMax = time.Second
	httpc.Logger = nil
	return &RemoteTransport{
		manager: manager,
		cfg:     cfg,
		logger:  logger.Named("remote-bus"),
		httpc:   httpc,
	}
}

func (t *RemoteTransport) Name() string { return "remote" }

// SetSink wires inbound delivery.
func (t *RemoteTransport) SetSink(sink func(types.BusMessage)) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Send pushes the message to the shared channel when remote mode is active.
func (t *RemoteTransport) Send(msg types.BusMessage) error {
	remote := t.manager.Remote()
	if remote == nil {
		return ErrSkipped // local mode; nothing to mirror
	}
	rt, err := t.ensure(remote)
	if err != nil {
		return t.sendHTTP(msg)
	}
	payload := map[string]interface{}{
		"type":    "broadcast",
		"event":   "pulse",
		"payload": msg,
	}
	if err := rt.Send(BusChannel, "broadcast", payload); err != nil {
		t.logger.Debug("broadcast over websocket failed, trying http", zap.Error(err))
		return t.sendHTTP(msg)
	}
	return nil
}

// Ensure (re)attaches the receiver to the active remote handle. Called on
// mode changes; Send also ensures lazily.
func (t *RemoteTransport) Ensure() {
	if remote := t.manager.Remote(); remote != nil {
		if _, err := t.ensure(remote); err != nil {
			t.logger.Warn("remote bus channel unavailable", zap.Error(err))
		}
	}
}

func (t *RemoteTransport) ensure(remote *backend.Remote) (*backend.Realtime, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, err := remote.Realtime()
	if err != nil {
		return nil, err
	}
	if t.joined == remote {
		return rt, nil
	}
	rt.On(BusChannel, "broadcast", t.receive)
	if err := rt.Join(BusChannel, map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast": map[string]interface{}{"ack": true},
		},
	}); err != nil {
		return nil, err
	}
	t.joined = remote
	return rt, nil
}

func (t *RemoteTransport) receive(raw []byte) {
	var env struct {
		Payload types.BusMessage `json:"payload"`
	}
	if err := sonic.Unmarshal(raw, &env); err != nil || env.Payload.Event == "" {
		// Some senders put the message at the top level.
		var msg types.BusMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			return
		}
		env.Payload = msg
	}
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(env.Payload)
	}
}

// sendHTTP is the REST broadcast fallback.
func (t *RemoteTransport) sendHTTP(msg types.BusMessage) error {
	body, err := sonic.Marshal(map[string]interface{}{
		"messages": []map[string]interface{}{
			{"topic": BusChannel, "event": "pulse", "payload": msg},
		},
	})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	req, err := retryablehttp.NewRequest(http.MethodPost,
		t.cfg.URL+"/realtime/v1/api/broadcast", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", t.cfg.Key)
	req.Header.Set("Authorization", "Bearer "+t.cfg.Key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("http broadcast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http broadcast status %d", resp.StatusCode)
	}
	return nil
}
