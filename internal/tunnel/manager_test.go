package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rastry/obsrelay/internal/config"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

type memStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemStore(token string) *memStore {
	s := &memStore{values: map[string]string{}}
	if token != "" {
		s.values[config.KeyAuthToken] = token
	}
	return s
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

type fakeEndpoint struct {
	url  string
	done chan struct{}
	once sync.Once
}

func newFakeEndpoint(url string) *fakeEndpoint {
	return &fakeEndpoint{url: url, done: make(chan struct{})}
}

func (e *fakeEndpoint) URL() string           { return e.url }
func (e *fakeEndpoint) Done() <-chan struct{} { return e.done }

func (e *fakeEndpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *fakeEndpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// fakeProvider hands out endpoints for url, or fails with err. When block is
// set, Open waits for it (or for ctx) before answering.
type fakeProvider struct {
	url   string
	err   error
	block chan struct{}

	mu        sync.Mutex
	calls     int
	tokens    []string
	endpoints []*fakeEndpoint
	entered   chan struct{}
}

func (p *fakeProvider) Open(ctx context.Context, localPort int, token string) (Endpoint, error) {
	p.mu.Lock()
	p.calls++
	p.tokens = append(p.tokens, token)
	entered := p.entered
	p.mu.Unlock()
	if entered != nil {
		close(entered)
	}

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	ep := newFakeEndpoint(p.url)
	p.mu.Lock()
	p.endpoints = append(p.endpoints, ep)
	p.mu.Unlock()
	return ep, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastEndpoint() *fakeEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[len(p.endpoints)-1]
}

func TestStartWithoutToken(t *testing.T) {
	p := &fakeProvider{url: "https://abc.example.com"}
	m := NewManager(p, newMemStore(""))

	_, err := m.Start(context.Background(), 4000)
	assert.Assert(t, errors.Is(err, ErrNoAuthToken))
	assert.Equal(t, p.callCount(), 0)
	assert.Equal(t, m.State(), Idle)
}

func TestStartStop(t *testing.T) {
	p := &fakeProvider{url: "https://abc.example.com"}
	m := NewManager(p, newMemStore("tok"))

	url, err := m.Start(context.Background(), 4000)
	assert.NilError(t, err)
	assert.Equal(t, url, "wss://abc.example.com")
	assert.Equal(t, m.State(), Active)
	assert.Equal(t, m.URL(), url)
	assert.DeepEqual(t, m.Status(), Status{State: Active, URL: url, LocalPort: 4000})
	assert.DeepEqual(t, p.tokens, []string{"tok"})

	_, err = m.Start(context.Background(), 4000)
	assert.Assert(t, errors.Is(err, ErrBusy))
	assert.Equal(t, p.callCount(), 1)

	assert.NilError(t, m.Stop())
	assert.Equal(t, m.State(), Idle)
	assert.Equal(t, m.URL(), "")
	assert.Assert(t, p.lastEndpoint().closed())

	assert.NilError(t, m.Stop())
	assert.DeepEqual(t, m.Status(), Status{State: Idle})
}

func TestStartProviderFailure(t *testing.T) {
	p := &fakeProvider{err: errors.New("dial refused")}
	m := NewManager(p, newMemStore("tok"))

	_, err := m.Start(context.Background(), 4000)
	var perr *ProviderError
	assert.Assert(t, errors.As(err, &perr))
	assert.ErrorContains(t, err, "dial refused")
	assert.Equal(t, m.State(), Idle)

	st := m.Status()
	assert.Equal(t, st.State, Error)
	assert.Equal(t, st.LastError, "dial refused")

	// A failed start leaves the manager free to try again.
	p.err = nil
	p.url = "http://retry.example.com"
	url, err := m.Start(context.Background(), 4000)
	assert.NilError(t, err)
	assert.Equal(t, url, "wss://retry.example.com")
	assert.Equal(t, m.Status().LastError, "")
	m.Stop()
}

func TestStartWithoutPublicURL(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, newMemStore("tok"))

	_, err := m.Start(context.Background(), 4000)
	var perr *ProviderError
	assert.Assert(t, errors.As(err, &perr), "got %v", err)
	assert.ErrorContains(t, err, "no public URL")
	assert.Equal(t, m.State(), Idle)
	assert.Equal(t, m.URL(), "")
	assert.Assert(t, p.lastEndpoint().closed())
	assert.Equal(t, m.Status().State, Error)
}

func TestStopWhileConnecting(t *testing.T) {
	p := &fakeProvider{url: "https://abc.example.com", block: make(chan struct{}), entered: make(chan struct{})}
	m := NewManager(p, newMemStore("tok"))

	errc := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), 4000)
		errc <- err
	}()

	<-p.entered
	assert.Equal(t, m.State(), Connecting)
	assert.NilError(t, m.Stop())

	select {
	case err := <-errc:
		assert.Assert(t, err != nil)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, m.State(), Idle)
	assert.DeepEqual(t, m.Status(), Status{State: Idle})
}

func TestLateEndpointIsClosed(t *testing.T) {
	// The provider ignores cancellation and answers after Stop.
	release := make(chan struct{})
	p := &lateProvider{release: release, entered: make(chan struct{}), ep: newFakeEndpoint("https://late.example.com")}
	m := NewManager(p, newMemStore("tok"))

	errc := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), 4000)
		errc <- err
	}()
	<-p.entered
	m.Stop()
	close(release)

	assert.Assert(t, <-errc != nil)
	assert.Assert(t, p.ep.closed())
	assert.Equal(t, m.State(), Idle)
}

type lateProvider struct {
	release chan struct{}
	entered chan struct{}
	ep      *fakeEndpoint
}

func (p *lateProvider) Open(ctx context.Context, localPort int, token string) (Endpoint, error) {
	close(p.entered)
	<-p.release
	return p.ep, nil
}

func TestSessionLost(t *testing.T) {
	p := &fakeProvider{url: "https://abc.example.com"}
	m := NewManager(p, newMemStore("tok"))

	_, err := m.Start(context.Background(), 4000)
	assert.NilError(t, err)

	p.lastEndpoint().Close()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if m.State() == Idle {
			return poll.Success()
		}
		return poll.Continue("state is %s", m.State())
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	st := m.Status()
	assert.Equal(t, st.State, Error)
	assert.Equal(t, st.URL, "")
	assert.Equal(t, st.LastError, "tunnel session lost")
}

func TestAuthToken(t *testing.T) {
	store := newMemStore("")
	m := NewManager(&fakeProvider{}, store)
	assert.Equal(t, m.AuthToken(), "")

	assert.NilError(t, m.SetAuthToken("  abc123\n"))
	assert.Equal(t, m.AuthToken(), "abc123")
	v, _ := store.Get(config.KeyAuthToken)
	assert.Equal(t, v, "abc123")
}

func TestSecureWebSocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://a.example.com":      "wss://a.example.com",
		"http://a.example.com/path":  "wss://a.example.com/path",
		"wss://a.example.com":        "wss://a.example.com",
		"tcp://0.tcp.example.com:12": "tcp://0.tcp.example.com:12",
		"":                           "",
	} {
		assert.Equal(t, SecureWebSocketURL(in), want, in)
	}
}

func TestStateText(t *testing.T) {
	b, err := Connecting.MarshalText()
	assert.NilError(t, err)
	assert.Equal(t, string(b), "connecting")
	assert.Equal(t, State(42).String(), "unknown")
}
