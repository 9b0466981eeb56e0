package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqttlink/internal/infrastructure/logging"
	"github.com/nerrad567/mqttlink/internal/session"
	"github.com/nerrad567/mqttlink/internal/statecache"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Telemetry is the optional exporter reported by /health and /metrics.
// *influxdb.Client satisfies it.
type Telemetry interface {
	HealthCheck(ctx context.Context) error
	Stats() influxdb.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Sessions *session.Manager
	Cache    *statecache.Cache

	// Hub must be the same hub registered as a session observer, so it is
	// created by the caller and run by the caller.
	Hub *Hub

	// DefaultQoS applies when a publish or subscribe request omits qos.
	DefaultQoS byte

	// Optional.
	Telemetry Telemetry
	Version   string
}

// Server is the HTTP API server for mqttlink.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	sessions   *session.Manager
	cache      *statecache.Cache
	hub        *Hub
	telemetry  Telemetry
	defaultQoS byte
	version    string
	startTime  time.Time
	tickets    *ticketStore
	stats      requestStats

	server *http.Server
	addr   string
	cancel context.CancelFunc
}

// requestStats counts API-driven MQTT operations for /metrics.
type requestStats struct {
	published   atomic.Uint64
	subscribed  atomic.Uint64
	apiReceived atomic.Uint64
	failures    atomic.Uint64
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("state cache is required")
	}
	if deps.Hub == nil {
		return nil, errors.New("websocket hub is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		sessions:   deps.Sessions,
		cache:      deps.Cache,
		hub:        deps.Hub,
		telemetry:  deps.Telemetry,
		defaultQoS: deps.DefaultQoS,
		version:    deps.Version,
		startTime:  time.Now(),
		tickets:    newTicketStore(),
	}, nil
}

// authEnabled reports whether requests must carry a bearer token.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// Start binds the listener and serves in the background. A bind failure,
// such as a port already in use, is returned here.
func (s *Server) Start(ctx context.Context) error {
	if !s.authEnabled() {
		s.logger.Warn("API authentication disabled: no JWT secret configured")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.tickets.sweepLoop(srvCtx)

	read, write, idle := s.cfg.Timeouts.Durations()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	tls := s.cfg.TLS
	s.logger.Info("API server listening", "address", s.addr, "tls", tls.Enabled)
	go func() {
		var err error
		if tls.Enabled {
			err = s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string { return s.addr }

// Close stops accepting requests and waits up to gracefulShutdownTimeout
// for in-flight ones.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
