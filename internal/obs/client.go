// Package obs is a minimal obs-websocket v5 client. A single Client is shared
// by every relay client: calls may be issued concurrently and are correlated
// by the client's own request ids.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/types"
	"github.com/rs/zerolog/log"
)

// Subprotocol selects JSON encoding on the obs-websocket server.
const Subprotocol = "obswebsocket.json"

var ErrNotConnected = errors.New("OBS not connected")

// RequestError is a request OBS answered with a failed status.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Comment != "" {
		return e.Comment
	}
	return fmt.Sprintf("%s failed with status %d", e.RequestType, e.Code)
}

type Config struct {
	URL              string
	Password         string
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	// EventBuffer is the channel capacity of each subscription. Events are
	// dropped for a subscriber whose buffer is full.
	EventBuffer int
}

type Client struct {
	cfg    Config
	nextID atomic.Uint64

	mu   sync.RWMutex
	sess *session

	subMu   sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64
	stopped bool
}

type subscription struct {
	events map[string]struct{}
	ch     chan types.Event
}

func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Client{cfg: cfg, subs: make(map[uint64]*subscription)}
}

// Ready reports whether an identified session is currently open.
func (c *Client) Ready() bool {
	return c.current() != nil
}

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Client) setSession(s *session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

// Run keeps a session to OBS open until ctx is done, reconnecting with
// backoff whenever the connection fails or drops. Subscription channels are
// closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeSubscriptions()

	b := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		s, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d := b.Duration()
			log.Warn().Err(err).Str("url", c.cfg.URL).Msgf("OBS connection failed, retrying in %s", d)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		c.setSession(s)
		log.Info().Str("url", c.cfg.URL).Msg("connected to OBS")
		go s.readLoop(c.dispatch)

		select {
		case <-s.done:
			log.Warn().Err(s.err).Msg("OBS connection lost")
		case <-ctx.Done():
			s.ws.Close()
			<-s.done
		}
		c.setSession(nil)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (*session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	if err := c.identify(ws); err != nil {
		ws.Close()
		return nil, err
	}
	return &session{
		ws:      ws,
		pending: make(map[string]chan types.RequestResponse),
		done:    make(chan struct{}),
	}, nil
}

func (c *Client) identify(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var env types.RawEnvelope
	if err := ws.ReadJSON(&env); err != nil {
		return errors.Wrap(err, "read Hello")
	}
	if env.Op != types.OpHello {
		return errors.Errorf("expected Hello, got %s", env.Op)
	}
	var hello types.Hello
	if err := json.Unmarshal(env.D, &hello); err != nil {
		return errors.Wrap(err, "decode Hello")
	}

	identify := types.Identify{RPCVersion: types.RPCVersion}
	if hello.Authentication != nil && hello.Authentication.Challenge != "" {
		if c.cfg.Password == "" {
			return errors.New("OBS requires a password")
		}
		identify.Authentication = authResponse(c.cfg.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := ws.WriteJSON(types.Envelope{Op: types.OpIdentify, D: identify}); err != nil {
		return errors.Wrap(err, "send Identify")
	}

	if err := ws.ReadJSON(&env); err != nil {
		return errors.Wrap(err, "read Identified")
	}
	if env.Op != types.OpIdentified {
		return errors.Errorf("expected Identified, got %s", env.Op)
	}
	return nil
}

// authResponse computes the obs-websocket v5 authentication string.
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// Call sends a request and waits for its response. It fails with
// ErrNotConnected when no session is open, with *RequestError when OBS
// reports a failed status, and with ctx.Err() when ctx is done first.
func (c *Client) Call(ctx context.Context, requestType string, requestData json.RawMessage) (json.RawMessage, error) {
	s := c.current()
	if s == nil {
		return nil, ErrNotConnected
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch, err := s.addPending(id)
	if err != nil {
		return nil, err
	}
	defer s.removePending(id)

	req := types.Request{RequestType: requestType, RequestID: id, RequestData: requestData}
	if err := s.writeJSON(types.Envelope{Op: types.OpRequest, D: req}); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	select {
	case resp := <-ch:
		if !resp.RequestStatus.Result {
			return nil, &RequestError{
				RequestType: requestType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		return resp.ResponseData, nil
	case <-s.done:
		return nil, errors.Wrap(ErrNotConnected, "connection lost")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a channel receiving the named events, or every event
// when none are named. The returned func cancels the subscription and may be
// called more than once.
func (c *Client) Subscribe(eventTypes ...string) (<-chan types.Event, func()) {
	sub := &subscription{ch: make(chan types.Event, c.cfg.EventBuffer)}
	if len(eventTypes) > 0 {
		sub.events = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.events[t] = struct{}{}
		}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.stopped {
		close(sub.ch)
		return sub.ch, func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = sub

	return sub.ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s.ch)
		}
	}
}

func (c *Client) dispatch(ev types.Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		if sub.events != nil {
			if _, ok := sub.events[ev.EventType]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("event", ev.EventType).Msg("subscriber buffer full, dropping event")
		}
	}
}

func (c *Client) closeSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.stopped = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.ch)
	}
}

// session is one identified connection.
type session struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan types.RequestResponse
	closed  bool
	done    chan struct{}
	err     error
}

// writeJSON serializes writes; gorilla/websocket does not support concurrent writers.
func (s *session) writeJSON(v any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.ws.WriteJSON(v)
}

func (s *session) addPending(id string) (chan types.RequestResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNotConnected
	}
	ch := make(chan types.RequestResponse, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) readLoop(onEvent func(types.Event)) {
	var err error
	defer func() {
		s.ws.Close()
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		var data []byte
		_, data, err = s.ws.ReadMessage()
		if err != nil {
			return
		}

		var env types.RawEnvelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			log.Warn().Err(jerr).Msg("ignoring malformed frame from OBS")
			continue
		}

		switch env.Op {
		case types.OpRequestResponse:
			var resp types.RequestResponse
			if jerr := json.Unmarshal(env.D, &resp); jerr != nil {
				log.Warn().Err(jerr).Msg("ignoring malformed RequestResponse")
				continue
			}
			s.mu.Lock()
			ch := s.pending[resp.RequestID]
			s.mu.Unlock()
			if ch == nil {
				log.Debug().Str("requestId", resp.RequestID).Msg("response for unknown request")
				continue
			}
			select {
			case ch <- resp:
			default:
			}
		case types.OpEvent:
			var ev types.Event
			if jerr := json.Unmarshal(env.D, &ev); jerr != nil {
				log.Warn().Err(jerr).Msg("ignoring malformed Event")
				continue
			}
			onEvent(ev)
		default:
			log.Debug().Str("op", env.Op.String()).Msg("ignoring frame from OBS")
		}
	}
}
