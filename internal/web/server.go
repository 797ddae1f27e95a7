// Package web serves the notifier's HTTP API and status page.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sweeney/truck-notifier/internal/status"
)

// Service is the tracker surface exposed over HTTP.
type Service interface {
	Query(ctx context.Context) status.Response
	Reset() status.Response
	Current() status.Response
	Snapshot() status.Snapshot
}

// ConnectionStatus reports whether a notification sink is connected.
type ConnectionStatus interface {
	IsConnected() bool
}

// Check reports the readiness of one dependency.
type Check func(ctx context.Context) error

// Info describes the tracking configuration shown on the status page.
type Info struct {
	EnterPoint   string
	ExitPoint    string
	Routes       []string
	Strategy     string
	PollInterval time.Duration
	Broker       string
	HTTPAddr     string
}

// Options configures a Server.
type Options struct {
	Addr     string
	Service  Service
	Logger   zerolog.Logger
	Registry *prometheus.Registry // nil disables /metrics
	Checks   map[string]Check
	MQTT     ConnectionStatus // nil when MQTT is disabled
	Info     Info
	Clock    func() time.Time
}

// Server serves the status page and JSON API over HTTP.
type Server struct {
	e      *echo.Echo
	addr   string
	svc    Service
	log    zerolog.Logger
	checks map[string]Check
	mqtt   ConnectionStatus
	info   Info
	clock  func() time.Time
}

// New builds the echo instance with all routes registered.
func New(opts Options) *Server {
	s := &Server{
		addr:   opts.Addr,
		svc:    opts.Service,
		log:    opts.Logger,
		checks: opts.Checks,
		mqtt:   opts.MQTT,
		info:   opts.Info,
		clock:  opts.Clock,
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(opts.Logger)

	// --- Global middleware ---
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(opts.Logger))
	if opts.Registry != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Namespace:  "truck_notifier",
			Subsystem:  "http",
			Registerer: opts.Registry,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics"
			},
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
			Gatherer: opts.Registry,
		}))
	}

	// --- Status page ---
	e.GET("/", s.handleIndex)
	e.GET("/index.html", s.handleIndex)
	e.GET("/index.json", s.handleJSON)

	// --- API ---
	api := e.Group("/api")
	api.GET("/status", s.handleQuery)
	api.POST("/reset", s.handleReset)

	// --- Health ---
	e.GET("/health", s.handleHealth)

	s.e = e
	return s
}

// Handler returns the root HTTP handler. Useful for tests.
func (s *Server) Handler() http.Handler { return s.e }

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.e.Start(s.addr)
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	s.e.Listener = ln
	return s.e.Start("")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleIndex(c echo.Context) error {
	body, err := renderHTML(s.page())
	if err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, body)
}

func (s *Server) handleJSON(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, formatJSON(s.page()))
}

// handleQuery runs one evaluation cycle. Upstream failures are reported in
// the body's error field alongside the last known state.
func (s *Server) handleQuery(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Query(c.Request().Context()))
}

func (s *Server) handleReset(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Reset())
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string                      `json:"status"`
	State        string                      `json:"state"`
	Dependencies map[string]dependencyStatus `json:"dependencies,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", State: string(s.svc.Snapshot().State)}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Dependencies = make(map[string]dependencyStatus, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Dependencies[name] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Dependencies[name] = dependencyStatus{Status: "ok"}
	}
	return c.JSON(code, resp)
}

// page gathers everything the status page and index.json show.
func (s *Server) page() pageData {
	snap := s.svc.Snapshot()
	now := s.clock()
	p := pageData{
		Snapshot: snap,
		Response: status.Build(snap),
		Now:      now,
		Uptime:   snap.Uptime(now),
		Info:     s.info,
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		p.MQTTConnected = &connected
	}
	return p
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	})
}
