// Package tunnel exposes a local port through an outbound-only tunnel and
// tracks the tunnel's lifecycle.
package tunnel

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Idle State = iota
	Connecting
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNoAuthToken = errors.New("no tunnel auth token configured")
	ErrBusy        = errors.New("tunnel already started")
	errCancelled   = errors.New("tunnel start cancelled")
	errNoPublicURL = errors.New("provider returned no public URL")
)

// ProviderError is a failure reported by the tunnel provider while opening
// a tunnel.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "tunnel provider: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// CredentialStore holds the provider auth token.
type CredentialStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Endpoint is an open tunnel. Done is closed when the provider session ends.
type Endpoint interface {
	URL() string
	Done() <-chan struct{}
	Close() error
}

// Provider opens tunnels to a local port. ctx bounds only the opening.
type Provider interface {
	Open(ctx context.Context, localPort int, authToken string) (Endpoint, error)
}

type Status struct {
	State     State  `json:"state"`
	URL       string `json:"url,omitempty"`
	LocalPort int    `json:"localPort,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

type Manager struct {
	provider Provider
	store    CredentialStore
	log      zerolog.Logger

	mu        sync.Mutex
	state     State
	url       string
	localPort int
	lastErr   error
	endpoint  Endpoint
	cancel    context.CancelFunc
	gen       uint64 // bumped by Stop to invalidate in-flight starts
}

func NewManager(provider Provider, store CredentialStore) *Manager {
	return &Manager{
		provider: provider,
		store:    store,
		log:      log.With().Str("component", "tunnel").Logger(),
	}
}

func (m *Manager) AuthToken() string {
	token, _ := m.store.Get(config.KeyAuthToken)
	return token
}

func (m *Manager) SetAuthToken(token string) error {
	return errors.Wrap(m.store.Set(config.KeyAuthToken, strings.TrimSpace(token)), "save auth token")
}

// Start opens a tunnel to localPort and returns its public wss:// URL.
// It never contacts the provider without an auth token.
func (m *Manager) Start(ctx context.Context, localPort int) (string, error) {
	token := m.AuthToken()
	if token == "" {
		return "", ErrNoAuthToken
	}

	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return "", ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.state = Connecting
	m.localPort = localPort
	m.lastErr = nil
	m.cancel = cancel
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.log.Info().Int("localPort", localPort).Msg("starting tunnel")
	ep, err := m.provider.Open(ctx, localPort, token)
	if err == nil && (ep == nil || ep.URL() == "") {
		if ep != nil {
			ep.Close()
		}
		ep, err = nil, errNoPublicURL
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if ep != nil {
			ep.Close()
		}
		return "", errCancelled
	}
	m.cancel = nil
	if err != nil {
		m.lastErr = err
		m.log.Error().Err(err).Msg("tunnel failed to start")
		m.state = Idle
		m.localPort = 0
		m.mu.Unlock()
		return "", &ProviderError{Err: err}
	}
	url := SecureWebSocketURL(ep.URL())
	m.state = Active
	m.url = url
	m.endpoint = ep
	m.mu.Unlock()

	go m.watch(gen, ep)

	m.log.Info().Str("url", url).Msg("tunnel active")
	return url, nil
}

// watch returns the manager to Idle when the provider drops the session.
func (m *Manager) watch(gen uint64, ep Endpoint) {
	<-ep.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != Active {
		return
	}
	m.log.Warn().Str("url", m.url).Msg("tunnel session lost")
	m.lastErr = errors.New("tunnel session lost")
	m.reset()
}

// Stop closes the tunnel or cancels a start in progress. It is safe to call
// at any time.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
	}
	ep, prev := m.endpoint, m.state
	m.reset()
	m.lastErr = nil
	m.mu.Unlock()

	if ep != nil {
		if err := ep.Close(); err != nil {
			m.log.Debug().Err(err).Msg("closing tunnel endpoint")
		}
	}
	if prev != Idle {
		m.log.Info().Msg("tunnel stopped")
	}
	return nil
}

func (m *Manager) reset() {
	m.state = Idle
	m.url = ""
	m.localPort = 0
	m.endpoint = nil
	m.cancel = nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the public URL while the tunnel is Active.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state, URL: m.url, LocalPort: m.localPort}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
		// An idle tunnel whose last attempt failed reports Error until the
		// next Start.
		if s.State == Idle {
			s.State = Error
		}
	}
	return s
}

// SecureWebSocketURL rewrites http and https URLs to wss. Other schemes are
// returned unchanged.
func SecureWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "wss://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
