package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
)

// ErrPassThrough marks a request the cache manager does not handle
// (non-GET or cross-origin); the caller proxies it untouched.
var ErrPassThrough = errors.New("shellcache: request falls through to network")

// DefaultNetworkTimeout bounds the revalidation fetch. Expiry cancels only
// that fetch and reads as "network unavailable".
const DefaultNetworkTimeout = 8 * time.Second

// Response is what HandleFetch yields to the caller. Offline responses are
// synthetic; raw network errors never propagate.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Source      string // "cache", "network", "offline"
}

// Recorder counts cache events for monitoring. Optional.
type Recorder interface {
	RecordCacheEvent(event string)
}

// Config holds cache manager configuration.
type Config struct {
	Root           string
	Version        string
	Origin         string
	NetworkTimeout time.Duration
}

// Manager owns the current cache generation and its lifecycle.
type Manager struct {
	cfg     Config
	origin  *url.URL
	gen     *Generation
	client  *resty.Client
	logger  *logging.Logger
	metrics Recorder

	// onActivate claims open clients after stale generations are pruned.
	onActivate func(pruned []string)
}

// New creates a cache manager for the configured version.
func New(cfg Config, logger *logging.Logger, metrics Recorder) (*Manager, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid shell origin %q", cfg.Origin)
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	gen, err := OpenGeneration(cfg.Root, cfg.Version)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Manager{
		cfg:     cfg,
		origin:  origin,
		gen:     gen,
		client:  resty.New(),
		logger:  logger.Named("shellcache"),
		metrics: metrics,
	}, nil
}

// Generation exposes the active generation (tests and debug).
func (m *Manager) Generation() *Generation { return m.gen }

// OnActivate registers the claim hook invoked after activation.
func (m *Manager) OnActivate(fn func(pruned []string)) { m.onActivate = fn }

// Install bulk-populates the generation from the manifest. Individual asset
// failures are logged and skipped; a partially populated shell degrades
// gracefully instead of failing to install.
func (m *Manager) Install(ctx context.Context, manifest *Manifest) (int, error) {
	stored := 0
	for _, asset := range manifest.Assets {
		abs, same := m.resolve(asset)
		if !same {
			m.logger.Warn("skipping cross-origin shell asset", zap.String("asset", asset))
			continue
		}
		entry, err := m.fetch(ctx, abs)
		if err != nil || entry.Status != 200 {
			m.logger.Warn("shell asset fetch failed during install",
				zap.String("asset", abs), zap.Error(err))
			continue
		}
		if err := m.gen.Put("GET", abs, *entry); err != nil {
			m.logger.Warn("shell asset cache write failed",
				zap.String("asset", abs), zap.Error(err))
			continue
		}
		stored++
	}
	m.logger.Info("shell installed",
		zap.String("version", m.cfg.Version),
		zap.Int("stored", stored),
		zap.Int("manifest", len(manifest.Assets)),
	)
	return stored, nil
}

// Activate prunes every stale generation under the naming scheme and claims
// open clients so the new version takes effect without a reload.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	pruned, err := m.gen.PruneSiblings(m.cfg.Root)
	if err != nil {
		return pruned, err
	}
	m.logger.Info("shell activated",
		zap.String("version", m.cfg.Version),
		zap.Strings("pruned", pruned),
	)
	if m.onActivate != nil {
		m.onActivate(pruned)
	}
	return pruned, nil
}

// HandleFetch serves a request stale-while-revalidate: cached content
// returns immediately while the network refreshes the entry in the
// background; a cold miss waits for the network; a dead network yields a
// synthetic 504 rather than an error.
func (m *Manager) HandleFetch(ctx context.Context, method, rawURL string) (*Response, error) {
	if method != "GET" {
		return nil, ErrPassThrough
	}
	abs, same := m.resolve(rawURL)
	if !same {
		return nil, ErrPassThrough
	}

	cached, err := m.gen.Get("GET", abs)
	if err != nil {
		m.logger.Warn("cache lookup failed", zap.String("url", abs), zap.Error(err))
		cached = nil
	}

	// Revalidate regardless of a hit. Detached from the request context:
	// its lifetime is the bounded network timeout, not the caller's.
	netCh := make(chan *Entry, 1)
	go func() {
		entry, err := m.fetch(context.Background(), abs)
		if err != nil || entry.Status != 200 {
			m.record("revalidate_miss")
			netCh <- nil
			return
		}
		// Fire-and-forget cache refresh; a failed write is ignored by
		// design and only logged.
		if err := m.gen.Put("GET", abs, *entry); err != nil {
			m.logger.Debug("ignored cache refresh failure",
				zap.String("url", abs), zap.Error(err))
		}
		m.record("revalidate")
		netCh <- entry
	}()

	if cached != nil {
		m.record("hit")
		return &Response{
			Status:      cached.Status,
			ContentType: cached.ContentType,
			Body:        cached.Body,
			Source:      "cache",
		}, nil
	}

	if entry := <-netCh; entry != nil {
		m.record("miss_network")
		return &Response{
			Status:      entry.Status,
			ContentType: entry.ContentType,
			Body:        entry.Body,
			Source:      "network",
		}, nil
	}

	m.record("offline")
	return &Response{
		Status:      504,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte("Offline"),
		Source:      "offline",
	}, nil
}

// fetch issues a bounded network fetch. Timeout cancels only this request.
func (m *Manager) fetch(ctx context.Context, abs string) (*Entry, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
	defer cancel()

	resp, err := m.client.R().SetContext(fetchCtx).Get(abs)
	if err != nil {
		return nil, err
	}
	body := resp.Body()
	ct := resp.Header().Get("Content-Type")
	if ct == "" && len(body) > 0 {
		ct = mimetype.Detect(body).String()
	}
	return &Entry{
		Status:      resp.StatusCode(),
		ContentType: ct,
		Body:        body,
		CapturedAt:  time.Now(),
	}, nil
}

// resolve makes rawURL absolute against the shell origin and reports
// whether it is same-origin.
func (m *Manager) resolve(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if u.Host == "" {
		if !strings.HasPrefix(u.Path, "/") {
			u.Path = "/" + u.Path
		}
		abs := m.origin.ResolveReference(u)
		return abs.String(), true
	}
	if u.Scheme == m.origin.Scheme && u.Host == m.origin.Host {
		return u.String(), true
	}
	return "", false
}

func (m *Manager) record(event string) {
	if m.metrics != nil {
		m.metrics.RecordCacheEvent(event)
	}
}
