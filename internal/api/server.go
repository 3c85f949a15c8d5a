package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/infrastructure/config"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/logging"
	"github.com/gunjambi/itag2mqttd/internal/itag"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceSource lists device records. *itag.Store implements it.
type DeviceSource interface {
	List() []itag.DeviceRecord
	Get(id string) (itag.DeviceRecord, bool)
}

// AdapterSource lists adapters and their claims. *itag.AdapterPool implements it.
type AdapterSource interface {
	Snapshot() []itag.AdapterStatus
}

// HealthSource reports bridge health. *itag.Bridge implements it.
type HealthSource interface {
	Health() itag.HealthMessage
}

// AlertSetter writes alert levels to devices. *itag.Bridge implements it.
type AlertSetter interface {
	SetAlert(ctx context.Context, deviceID string, level byte) error
}

// HistorySource reads connectivity history. *itag.HistoryRecorder implements it.
type HistorySource interface {
	History(ctx context.Context, deviceID string, limit int) ([]itag.ConnectivityRecord, error)
}

// ConnectionChecker reports broker connectivity. *mqtt.Client implements it.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Devices  DeviceSource
	Adapters AdapterSource
	Health   HealthSource

	// Optional. Without Alerts the alert endpoint answers 503; without
	// History the history endpoint does.
	Alerts  AlertSetter
	History HistorySource
	MQTT    ConnectionChecker

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	// Hub, when set, is used instead of a server-owned hub. The caller
	// registers it as an event observer.
	Hub *Hub

	Version string
}

// Server is the status HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	devices   DeviceSource
	adapters  AdapterSource
	health    HealthSource
	alerts    AlertSetter
	history   HistorySource
	mqtt      ConnectionChecker
	metrics   http.Handler
	version   string
	startTime time.Time

	hub     *Hub
	tickets *ticketStore

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device source is required")
	}
	if deps.Adapters == nil {
		return nil, fmt.Errorf("adapter source is required")
	}
	if deps.Health == nil {
		return nil, fmt.Errorf("health source is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		devices:   deps.Devices,
		adapters:  deps.Adapters,
		health:    deps.Health,
		alerts:    deps.Alerts,
		history:   deps.History,
		mqtt:      deps.MQTT,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
		tickets:   newTicketStore(),
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns so a port conflict is reported
// to the caller; requests are served on a background goroutine until Close.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	s.server = srv
	s.addr = ln.Addr()

	s.logger.Info("API server listening", "address", s.addr.String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
