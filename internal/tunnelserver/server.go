// Package tunnelserver is the server side of obsrelay tunnels. Clients hold
// a yamux session on the control listener; public connections arriving on
// the public listener are routed to a session by the subdomain of their
// HTTP Host header.
package tunnelserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/tunnel"
	"github.com/rastry/obsrelay/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

const (
	handshakeTimeout = 10 * time.Second
	headerTimeout    = 10 * time.Second
)

const errorResponse = "HTTP/1.1 %s\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: %d\r\n" +
	"Connection: close\r\n\r\n%s"

var errUnauthorized = errors.New("invalid auth token")

type Config struct {
	ControlAddr string
	PublicAddr  string
	// AdminAddr serves the tunnel listing when set.
	AdminAddr string
	// Domain is the parent domain of tunnel subdomains.
	Domain string
	// Scheme of the URLs handed to clients, usually https behind a TLS
	// terminating proxy.
	Scheme string
	// AllowedTokens restricts registration when non-empty.
	AllowedTokens []string
	// TLS enables TLS on the control listener when non-nil.
	TLS *tls.Config
}

type route struct {
	id    string
	sess  *yamux.Session
	allow ipAllowList
}

type Server struct {
	cfg      Config
	registry *Registry
	log      zerolog.Logger

	mu     sync.RWMutex
	routes map[string]*route
	conns  map[net.Conn]struct{}
	ctlLn  net.Listener
	pubLn  net.Listener
	admLn  net.Listener
	admin  *http.Server
	closed bool

	wg sync.WaitGroup
}

func New(cfg Config, registry *Registry) *Server {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "tunnel-server").Logger(),
		routes:   make(map[string]*route),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds both listeners and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if n, err := s.registry.DeactivateAll(ctx); err != nil {
		return err
	} else if n > 0 {
		s.log.Info().Int64("tunnels", n).Msg("marked stale tunnels inactive")
	}

	ctlLn, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return errors.Wrap(err, "listen control")
	}
	if s.cfg.TLS != nil {
		ctlLn = tls.NewListener(ctlLn, s.cfg.TLS)
	}
	pubLn, err := net.Listen("tcp", s.cfg.PublicAddr)
	if err != nil {
		ctlLn.Close()
		return errors.Wrap(err, "listen public")
	}
	var admLn net.Listener
	if s.cfg.AdminAddr != "" {
		if admLn, err = net.Listen("tcp", s.cfg.AdminAddr); err != nil {
			ctlLn.Close()
			pubLn.Close()
			return errors.Wrap(err, "listen admin")
		}
	}

	s.mu.Lock()
	s.ctlLn, s.pubLn, s.admLn = ctlLn, pubLn, admLn
	if admLn != nil {
		s.admin = &http.Server{Handler: s.adminHandler(), ReadHeaderTimeout: headerTimeout}
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(ctlLn, s.handleControl)
	go s.acceptLoop(pubLn, s.handlePublic)

	ev := s.log.Info().
		Str("control", ctlLn.Addr().String()).
		Str("public", pubLn.Addr().String()).
		Str("domain", s.cfg.Domain)
	if admLn != nil {
		s.wg.Add(1)
		go s.serveAdmin(admLn)
		ev = ev.Str("admin", admLn.Addr().String())
	}
	ev.Msg("tunnel server listening")
	return nil
}

func (s *Server) ControlAddr() string { return s.ctlLn.Addr().String() }
func (s *Server) PublicAddr() string  { return s.pubLn.Addr().String() }

// AdminAddr is empty when the admin listener is disabled.
func (s *Server) AdminAddr() string {
	if s.admLn == nil {
		return ""
	}
	return s.admLn.Addr().String()
}

// Close stops both listeners and every tunnel session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.ctlLn != nil {
		err = s.ctlLn.Close()
		s.pubLn.Close()
	}
	if s.admin != nil {
		s.admin.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			handle(conn)
		}()
	}
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleControl runs one tunnel session for its whole life.
func (s *Server) handleControl(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sess, err := yamux.Server(conn, tunnel.MuxConfig(s.log))
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("yamux server")
		conn.Close()
		return
	}
	defer sess.Close()

	stream, req, err := s.readHandshake(sess)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("handshake failed")
		return
	}

	if err := s.authorize(req.AuthToken); err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("rejected tunnel")
		s.reply(stream, types.RegisterResponse{Error: err.Error()})
		s.awaitClose(sess)
		return
	}

	allow, err := parseAllowList(req.AllowIPs)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("rejected tunnel")
		s.reply(stream, types.RegisterResponse{Error: err.Error()})
		s.awaitClose(sess)
		return
	}

	t, err := s.register(req, allow, remote)
	if err != nil {
		s.log.Error().Err(err).Msg("register tunnel")
		s.reply(stream, types.RegisterResponse{Error: "internal error"})
		return
	}
	if !s.addRoute(t.Subdomain, &route{id: t.ID, sess: sess, allow: allow}) {
		s.markInactive(t.ID)
		return
	}
	s.reply(stream, types.RegisterResponse{TunnelID: t.ID, URL: t.URL})

	tlog := s.log.With().Str("tunnel", t.ID).Logger()
	tlog.Info().Str("url", t.URL).Str("remote", remote).Int("localPort", req.LocalPort).Msg("tunnel opened")

	<-sess.CloseChan()

	s.removeRoute(t.Subdomain, t.ID)
	s.markInactive(t.ID)
	tlog.Info().Msg("tunnel closed")
}

// awaitClose gives a refused client a moment to read the refusal before the
// session goes.
func (s *Server) awaitClose(sess *yamux.Session) {
	select {
	case <-sess.CloseChan():
	case <-time.After(time.Second):
	}
}

func (s *Server) readHandshake(sess *yamux.Session) (net.Conn, *types.RegisterRequest, error) {
	timer := time.AfterFunc(handshakeTimeout, func() { sess.Close() })
	defer timer.Stop()

	stream, err := sess.Accept()
	if err != nil {
		return nil, nil, errors.Wrap(err, "accept handshake stream")
	}
	var req types.RegisterRequest
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		stream.Close()
		return nil, nil, errors.Wrap(err, "decode handshake")
	}
	return stream, &req, nil
}

func (s *Server) reply(stream net.Conn, resp types.RegisterResponse) {
	defer stream.Close()
	stream.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("send handshake reply")
	}
}

func (s *Server) authorize(token string) error {
	if token == "" {
		return errUnauthorized
	}
	if len(s.cfg.AllowedTokens) == 0 {
		return nil
	}
	for _, allowed := range s.cfg.AllowedTokens {
		if token == allowed {
			return nil
		}
	}
	return errUnauthorized
}

func (s *Server) register(req *types.RegisterRequest, allow ipAllowList, remote string) (*Tunnel, error) {
	id := uuid.New()
	sub := strings.ReplaceAll(id.String(), "-", "")[:8]
	meta, err := json.Marshal(Metadata{
		ClientVersion: req.ClientVersion,
		LocalPort:     req.LocalPort,
		AllowIPs:      allow.strings(),
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(req.AuthToken))

	host := sub
	if s.cfg.Domain != "" {
		host = sub + "." + s.cfg.Domain
	}
	t := &Tunnel{
		ID:        id.String(),
		Subdomain: sub,
		URL:       s.cfg.Scheme + "://" + host,
		ClientIP:  remote,
		TokenHash: hex.EncodeToString(sum[:]),
		Metadata:  datatypes.JSON(meta),
		Active:    true,
	}
	if err := s.registry.Create(context.Background(), t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Server) markInactive(id string) {
	if err := s.registry.MarkInactive(context.Background(), id); err != nil {
		s.log.Error().Err(err).Msg("mark tunnel inactive")
	}
}

func (s *Server) addRoute(sub string, r *route) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.routes[sub] = r
	return true
}

func (s *Server) removeRoute(sub, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.routes[sub]; ok && r.id == id {
		delete(s.routes, sub)
	}
}

func (s *Server) lookup(host string) *route {
	sub, ok := s.subdomain(host)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routes[sub]
}

// subdomain extracts the tunnel label from a Host header value.
func (s *Server) subdomain(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if s.cfg.Domain == "" {
		sub, _, _ := strings.Cut(host, ".")
		return sub, sub != ""
	}
	sub, ok := strings.CutSuffix(host, "."+strings.ToLower(s.cfg.Domain))
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

// handlePublic reads the request head to find the tunnel, then replays the
// bytes it consumed into a new stream and joins the two connections.
// WebSocket upgrades pass through untouched.
func (s *Server) handlePublic(conn net.Conn) {
	var consumed bytes.Buffer
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	req, err := http.ReadRequest(bufio.NewReader(io.TeeReader(conn, &consumed)))
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("bad public request")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	r := s.lookup(req.Host)
	if r == nil {
		writeError(conn, "404 Not Found", fmt.Sprintf("Tunnel %s not found\n", req.Host))
		return
	}
	if !r.allow.allows(conn.RemoteAddr()) {
		s.log.Debug().Str("tunnel", r.id).Str("remote", conn.RemoteAddr().String()).Msg("public connection not allowed")
		writeError(conn, "403 Forbidden", "Forbidden\n")
		return
	}

	stream, err := r.sess.Open()
	if err != nil {
		s.log.Warn().Err(err).Str("tunnel", r.id).Msg("open stream")
		conn.Close()
		return
	}
	if _, err := stream.Write(consumed.Bytes()); err != nil {
		stream.Close()
		conn.Close()
		return
	}

	in, out := tunnel.Join(conn, stream)
	s.log.Debug().Str("tunnel", r.id).Msgf("public connection closed (in %s out %s)",
		sizestr.ToString(in+int64(consumed.Len())), sizestr.ToString(out))
}

func writeError(conn net.Conn, status, body string) {
	fmt.Fprintf(conn, errorResponse, status, len(body), body)
	conn.Close()
}
