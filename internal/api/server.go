// Package api serves the local control API used by dashboards and scripts
// to drive the tunnel and the relay.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jpillora/requestlog"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/gateway"
	"github.com/rastry/obsrelay/internal/orchestrator"
	"github.com/rastry/obsrelay/internal/stats"
	"github.com/rastry/obsrelay/internal/tunnel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultRequestLimit = 100
	maxRequestLimit     = 500
)

// Controller is the set of orchestration commands the API exposes.
type Controller interface {
	CheckUpstream(ctx context.Context) bool
	AuthToken() string
	SetAuthToken(token string) error
	StartTunnel(ctx context.Context) (string, error)
	StopTunnel() error
	TunnelStatus() orchestrator.TunnelStatus
	ConnectionCount() int
	StartRelay(port int) (int, error)
	StopRelay() error
	RelayStatus() gateway.Status
}

type Config struct {
	// Stats is optional; without it /api/stats answers 404.
	Stats *stats.Store
	// LogRequests writes a line per request to stdout.
	LogRequests bool
	// AllowedOrigins are the browser origins (e.g. https://dash.example)
	// allowed to call the API cross-origin. Requests carrying any other
	// Origin are refused.
	AllowedOrigins []string
}

type tokenJSON struct {
	AuthToken string `json:"authToken"`
}

type relayStartJSON struct {
	Port int `json:"port"`
}

type resultJSON struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Port    int    `json:"port,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	ctrl    Controller
	cfg     Config
	handler http.Handler
	log     zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(ctrl Controller, cfg Config) *Server {
	s := &Server{
		ctrl: ctrl,
		cfg:  cfg,
		log:  log.With().Str("component", "api").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/obs", s.handleOBS)
	r.GET("/api/token", s.handleGetToken)
	r.PUT("/api/token", s.handleSetToken)
	r.GET("/api/tunnel", s.handleTunnelStatus)
	r.POST("/api/tunnel/start", s.handleTunnelStart)
	r.POST("/api/tunnel/stop", s.handleTunnelStop)
	r.GET("/api/tunnel/connections", s.handleConnections)
	r.GET("/api/relay", s.handleRelayStatus)
	r.POST("/api/relay/start", s.handleRelayStart)
	r.POST("/api/relay/stop", s.handleRelayStop)
	if cfg.Stats != nil {
		r.GET("/api/stats", s.handleStats)
	}

	var h http.Handler = corsMiddleware(cfg.AllowedOrigins, r)
	if cfg.LogRequests {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Start serves the API on 127.0.0.1:port and returns the bound address.
func (s *Server) Start(port int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.ln.Addr().String(), nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", errors.Wrap(err, "listen")
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.srv, s.ln = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server failed")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("control api listening")
	return ln.Addr().String(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// corsMiddleware only answers requests addressed to a loopback host name,
// which keeps rebound DNS names out, and only lets browsers in from the
// allowed origins.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !loopbackHost(r.Host) {
			writeJSONError(w, http.StatusForbidden, "host not allowed")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !sameOrigin(origin, r.Host) {
			if !origins[strings.ToLower(origin)] {
				writeJSONError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(strings.ToLower(host), "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Scheme == "http" && strings.EqualFold(u.Host, host)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "{\"success\":false,\"error\":%q}\n", msg)
}

func (s *Server) handleOBS(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.ctrl.CheckUpstream(c.Request.Context())})
}

func (s *Server) handleGetToken(c *gin.Context) {
	c.JSON(http.StatusOK, tokenJSON{AuthToken: s.ctrl.AuthToken()})
}

func (s *Server) handleSetToken(c *gin.Context) {
	var body tokenJSON
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, resultJSON{Error: "invalid body: " + err.Error()})
		return
	}
	if err := s.ctrl.SetAuthToken(body.AuthToken); err != nil {
		s.log.Error().Err(err).Msg("save auth token")
		c.JSON(http.StatusInternalServerError, resultJSON{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultJSON{Success: true})
}

func (s *Server) handleTunnelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.TunnelStatus())
}

func (s *Server) handleTunnelStart(c *gin.Context) {
	tunnelURL, err := s.ctrl.StartTunnel(c.Request.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("tunnel start failed")
		c.JSON(tunnelErrorStatus(err), resultJSON{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultJSON{Success: true, URL: tunnelURL})
}

func tunnelErrorStatus(err error) int {
	var perr *tunnel.ProviderError
	switch {
	case errors.Is(err, orchestrator.ErrUpstreamUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tunnel.ErrNoAuthToken):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleTunnelStop(c *gin.Context) {
	if err := s.ctrl.StopTunnel(); err != nil {
		s.log.Warn().Err(err).Msg("tunnel stop failed")
		c.JSON(http.StatusInternalServerError, resultJSON{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultJSON{Success: true})
}

func (s *Server) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": s.ctrl.ConnectionCount()})
}

func (s *Server) handleRelayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.RelayStatus())
}

// handleRelayStart accepts an optional {"port": n} body.
func (s *Server) handleRelayStart(c *gin.Context) {
	var body relayStartJSON
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, resultJSON{Error: "invalid body: " + err.Error()})
		return
	}
	port, err := s.ctrl.StartRelay(body.Port)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrAddressInUse) {
			status = http.StatusConflict
		}
		s.log.Warn().Err(err).Msg("relay start failed")
		c.JSON(status, resultJSON{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultJSON{Success: true, Port: port})
}

func (s *Server) handleRelayStop(c *gin.Context) {
	if err := s.ctrl.StopRelay(); err != nil {
		c.JSON(http.StatusInternalServerError, resultJSON{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultJSON{Success: true})
}

func (s *Server) handleStats(c *gin.Context) {
	limit := defaultRequestLimit
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > maxRequestLimit {
		limit = maxRequestLimit
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":  s.cfg.Stats.Summary(),
		"requests": s.cfg.Stats.RecentRequests(limit),
	})
}
