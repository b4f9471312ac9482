// Package notify renders user notifications from inbound push payloads or
// local requests and routes click activation back into the application:
// focus an open window if one exists, otherwise open a new one.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/shared/id"
	"github.com/clinicware/syncd/internal/shared/types"
)

// Notification lifecycle states.
type State string

const (
	StateRequested State = "requested"
	StateDisplayed State = "displayed"
	StateDismissed State = "dismissed"
	StateClicked   State = "clicked"
)

// Defaults applied when a push payload omits fields.
const (
	DefaultTitle = "Clinic Alert"
	DefaultBody  = "You have a new notification."
	DefaultTag   = "clinic-alert"
	DefaultURL   = "/dashboard"
)

// MessageLocalNotify is the inbound cross-context protocol type asking the
// pipeline to surface a notification.
const MessageLocalNotify = "LOCAL_NOTIFY"

// MessageFocused is posted to the window that gets focused on click.
const MessageFocused = "SW_FOCUSED_FROM_NOTIFICATION"

// Notification is a surfaced notification in the center. The tag is the
// dedup key: a second request with the same tag replaces the first.
type Notification struct {
	ID      string                    `json:"id"`
	Request types.NotificationRequest `json:"request"`
	State   State                     `json:"state"`
	ShownAt time.Time                 `json:"shown_at"`
}

// Window is one open application window.
type Window interface {
	ID() string
	Post(msg types.WSMessage) error
}

// WindowRegistry enumerates open windows in attach order.
type WindowRegistry interface {
	Windows() []Window
}

// Recorder counts notification state transitions. Optional.
type Recorder interface {
	RecordNotification(state string)
}

// ClickResult reports how a click was routed.
type ClickResult struct {
	// FocusedWindow is the id of the window that received focus, empty if
	// none was open.
	FocusedWindow string `json:"focused_window,omitempty"`
	// OpenURL is set when no window existed and a new one must be opened.
	OpenURL string `json:"open_url,omitempty"`
}

// Pipeline is the notification center.
type Pipeline struct {
	windows WindowRegistry
	logger  *logging.Logger
	metrics Recorder

	mu     sync.Mutex
	active map[string]*Notification // by tag
}

// New creates the pipeline.
func New(windows WindowRegistry, logger *logging.Logger, metrics Recorder) *Pipeline {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Pipeline{
		windows: windows,
		logger:  logger.Named("notify"),
		metrics: metrics,
		active:  make(map[string]*Notification),
	}
}

// ParsePush turns a raw push payload into a notification request. Valid
// JSON fills the fields; anything else becomes the body verbatim. A push
// payload always produces some visible notification, so this never fails.
func ParsePush(raw []byte) types.NotificationRequest {
	req := types.NotificationRequest{
		Title: DefaultTitle,
		Body:  DefaultBody,
		Tag:   DefaultTag,
		URL:   DefaultURL,
	}
	if len(raw) == 0 {
		return req
	}
	var parsed types.NotificationRequest
	if err := json.Unmarshal(raw, &parsed); err != nil {
		req.Body = string(raw)
		return req
	}
	if parsed.Title != "" {
		req.Title = parsed.Title
	}
	if parsed.Body != "" {
		req.Body = parsed.Body
	}
	if parsed.Tag != "" {
		req.Tag = parsed.Tag
	}
	if parsed.URL != "" {
		req.URL = parsed.URL
	}
	return req
}

// HandlePush ingests an inbound push payload.
func (p *Pipeline) HandlePush(raw []byte) *Notification {
	return p.ShowLocal(ParsePush(raw))
}

// ShowLocal surfaces a notification. The tag collapses duplicates: an
// active notification with the same tag is replaced, not stacked.
func (p *Pipeline) ShowLocal(req types.NotificationRequest) *Notification {
	if req.Title == "" {
		req.Title = DefaultTitle
	}
	if req.Tag == "" {
		req.Tag = DefaultTag
	}
	if req.URL == "" {
		req.URL = DefaultURL
	}

	n := &Notification{
		ID:      id.NewNotificationID(),
		Request: req,
		State:   StateRequested,
	}
	p.record(StateRequested)

	// The transition to displayed happens before the pointer is shared;
	// once it sits in the map, readers may snapshot it at any moment.
	n.State = StateDisplayed
	n.ShownAt = time.Now()

	p.mu.Lock()
	p.active[req.Tag] = n
	p.mu.Unlock()
	p.record(StateDisplayed)

	p.display(req)
	return n
}

func (p *Pipeline) display(req types.NotificationRequest) {
	msg := types.WSMessage{Type: "NOTIFY", Notify: &req, TS: types.Now()}
	for _, w := range p.windows.Windows() {
		if err := w.Post(msg); err != nil {
			p.logger.Debug("notification display post failed",
				zap.String("window", w.ID()), zap.Error(err))
		}
	}
}

// OnClick closes the notification for tag and routes activation: the first
// open window is focused and receives the target URL; with no windows the
// caller is told to open one. Exactly one window is focused.
func (p *Pipeline) OnClick(tag string) ClickResult {
	p.mu.Lock()
	n, ok := p.active[tag]
	if ok {
		n.State = StateClicked
		delete(p.active, tag)
	}
	p.mu.Unlock()

	url := DefaultURL
	if ok {
		url = n.Request.URL
		p.record(StateClicked)
	}

	for _, w := range p.windows.Windows() {
		msg := types.WSMessage{Type: MessageFocused, Payload: map[string]string{"url": url}, TS: types.Now()}
		if err := w.Post(msg); err != nil {
			p.logger.Debug("focus post failed; trying next window",
				zap.String("window", w.ID()), zap.Error(err))
			continue
		}
		return ClickResult{FocusedWindow: w.ID()}
	}
	return ClickResult{OpenURL: url}
}

// Dismiss closes the notification for tag without routing.
func (p *Pipeline) Dismiss(tag string) {
	p.mu.Lock()
	if n, ok := p.active[tag]; ok {
		n.State = StateDismissed
		delete(p.active, tag)
		p.record(StateDismissed)
	}
	p.mu.Unlock()
}

// Active snapshots the notification center.
func (p *Pipeline) Active() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Notification, 0, len(p.active))
	for _, n := range p.active {
		out = append(out, *n)
	}
	return out
}

func (p *Pipeline) record(state State) {
	if p.metrics != nil {
		p.metrics.RecordNotification(string(state))
	}
}
