// Package server wires the sync core together and exposes it over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/api/middleware"
	"github.com/clinicware/syncd/internal/backend"
	"github.com/clinicware/syncd/internal/bus"
	"github.com/clinicware/syncd/internal/infrastructure/config"
	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/infrastructure/monitoring"
	"github.com/clinicware/syncd/internal/notify"
	"github.com/clinicware/syncd/internal/seed"
	"github.com/clinicware/syncd/internal/shared/types"
	"github.com/clinicware/syncd/internal/shellcache"
	"github.com/clinicware/syncd/internal/store"
	"github.com/clinicware/syncd/internal/ws"
)

// Server is the composed application.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	store    *store.Store
	manager  *backend.Manager
	hub      *ws.Hub
	bus      *bus.Bus
	signal   *bus.SignalTransport
	remoteTx *bus.RemoteTransport
	notify   *notify.Pipeline
	shell    *shellcache.Manager
	seeder   *seed.Seeder

	router *gin.Engine
	httpd  *http.Server

	mu   sync.Mutex
	subs map[string]backend.Subscription
}

// New builds the server: storage, data plane, bus with all transports, the
// notification pipeline, the shell cache and the HTTP surface.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}
	metrics := monitoring.NewMetrics()

	st, err := store.Open(cfg.Data.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	local := backend.NewLocal(st, logger)
	remoteCfg := backend.RemoteConfig{
		URL:     cfg.Data.RemoteURL,
		Key:     cfg.Data.RemoteKey,
		Timeout: cfg.Data.RemoteTimeout,
	}
	manager, err := backend.NewManager(local, remoteCfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	hub := ws.NewHub(logger, metrics)
	b := bus.New(logger, metrics)
	b.AddTransport(hub)

	var signal *bus.SignalTransport
	if cfg.Bus.SignalFallback {
		signal, err = bus.NewSignalTransport(cfg.Bus.SignalDir, logger)
		if err != nil {
			manager.Close()
			return nil, err
		}
		b.AddTransport(signal)
	}

	remoteTx := bus.NewRemoteTransport(manager, remoteCfg, logger)
	b.AddTransport(remoteTx)

	pipeline := notify.New(hub, logger, metrics)
	seeder := seed.New(manager, logger, func(event string, payload interface{}) {
		b.Emit(event, payload)
	})

	shell, err := shellcache.New(shellcache.Config{
		Root:           cfg.Shell.CacheRoot,
		Version:        shellVersion(cfg.Shell.Manifest),
		Origin:         cfg.Shell.Origin,
		NetworkTimeout: cfg.Shell.NetworkTimeout,
	}, logger, metrics)
	if err != nil {
		manager.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		metrics:  metrics,
		store:    st,
		manager:  manager,
		hub:      hub,
		bus:      b,
		signal:   signal,
		remoteTx: remoteTx,
		notify:   pipeline,
		shell:    shell,
		seeder:   seeder,
		subs:     make(map[string]backend.Subscription),
	}
	s.wire()
	s.router = s.buildRouter()
	return s, nil
}

// wire connects the hooks between components. The bus exists before any
// hook fires, so wiring order only matters for readability.
func (s *Server) wire() {
	s.manager.SetEmitter(func(event string, payload interface{}) {
		s.bus.Emit(event, payload)
	})
	s.hub.SetEmit(func(event string, payload interface{}) {
		s.bus.Emit(event, payload)
	})
	s.hub.SetNotifyLocal(func(req types.NotificationRequest) {
		s.notify.ShowLocal(req)
	})
	s.hub.SetSubscribe(func(collection string) error {
		_, err := s.openSubscription(collection)
		return err
	})
	s.shell.OnActivate(func(pruned []string) {
		s.bus.Emit("shell:activated", map[string]interface{}{"pruned": pruned})
	})
	// A mode flip re-attaches the cross-device channel and drops any change
	// streams bound to the old backend handle.
	s.bus.OnChange(func(msg types.BusMessage) {
		if msg.Event != backend.EventModeChanged {
			return
		}
		s.remoteTx.Ensure()
		s.dropSubscriptions()
	})
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(monitoring.Middleware(s.metrics))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if s.cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}
	s.registerRoutes(r)
	return r
}

// Handler exposes the HTTP surface (tests drive it without a listener).
func (s *Server) Handler() http.Handler { return s.router }

// InstallShell loads the manifest and populates the active cache
// generation, then activates it. Called once at startup; safe to repeat.
func (s *Server) InstallShell(ctx context.Context) error {
	manifest, err := shellcache.LoadManifest(s.cfg.Shell.Manifest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("shell manifest missing; cache starts cold",
				zap.String("path", s.cfg.Shell.Manifest))
			return nil
		}
		return fmt.Errorf("load shell manifest: %w", err)
	}
	if _, err := s.shell.Install(ctx, manifest); err != nil {
		return err
	}
	_, err = s.shell.Activate(ctx)
	return err
}

// Run serves HTTP until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpd = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpd.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

// Close releases everything in reverse construction order.
func (s *Server) Close() error {
	s.dropSubscriptions()
	if s.signal != nil {
		s.signal.Close()
	}
	err := s.manager.Close()
	s.logger.Info("server closed")
	return err
}

func (s *Server) dropSubscriptions() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]backend.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// shellVersion derives the cache generation version from the manifest when
// available; an unreadable manifest still yields a usable dev generation.
func shellVersion(path string) string {
	m, err := shellcache.LoadManifest(path)
	if err != nil {
		return "dev"
	}
	return m.Version
}
