// Package gateway implements the persistent Discord gateway client: the
// duplex websocket connection, the hello → identify → ready handshake, the
// independent heartbeat cycle, and reconnection with jittered backoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// baseBackoff is the initial delay before a reconnection attempt.
	baseBackoff = time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits consecutive reconnection retries.
	maxReconnectAttempts = 10
	// closeCodeAuthFailed is Discord's close code for a rejected identify.
	closeCodeAuthFailed = 4004
	// eventBuffer is the capacity of the dispatch event channel. The
	// receive loop drops events rather than block when consumers stall.
	eventBuffer = 256
)

var (
	// ErrAuthFailed means the identify payload was rejected. Terminal:
	// the session will not reconnect.
	ErrAuthFailed = errors.New("gateway: identify rejected")

	// ErrNotConnected means a frame was written while no connection is up.
	ErrNotConnected = errors.New("gateway: not connected")
)

// State is the protocol state of the session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// wsConn abstracts the websocket connection, enabling test mocks.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dialer abstracts connection establishment for tests.
type dialer interface {
	Dial(ctx context.Context, url string) (wsConn, error)
}

// gorillaDialer dials with the default gorilla/websocket dialer.
type gorillaDialer struct {
	token string
}

func (d gorillaDialer) Dial(ctx context.Context, url string) (wsConn, error) {
	header := http.Header{}
	header.Set("Authorization", d.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Session owns the gateway connection and protocol state machine. A single
// live instance exists per process. Session state is mutated only by the
// receive loop; the heartbeat cycle and dispatcher read it concurrently.
type Session struct {
	token      string
	apiBase    string
	httpClient *http.Client
	dial       dialer

	onConnectivity func(bool) // optional; called on ready/disconnect

	events chan DispatchEvent

	// writeMu serializes every outbound frame: the heartbeat cycle and
	// the identify send share the connection, and interleaved partial
	// writes would corrupt the stream.
	writeMu sync.Mutex
	conn    wsConn

	mu                sync.RWMutex
	state             State
	sessionID         string
	heartbeatInterval time.Duration
	closed            bool
	cancel            context.CancelFunc

	seq atomic.Int64

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Opts holds parameters for creating a Session.
type Opts struct {
	Token      string
	APIBase    string       // defaults to DefaultAPIBase
	HTTPClient *http.Client // defaults to a 10s-timeout client
	// For testing: inject a mock dialer instead of the real gateway.
	Dialer dialer
	// OnConnectivity is invoked with true when the session reaches ready
	// and false when the connection drops. Collaborators see only this;
	// raw protocol detail never escapes the session.
	OnConnectivity func(bool)
}

// NewSession creates a gateway Session.
func NewSession(opts Opts) (*Session, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("gateway: token is required")
	}
	apiBase := opts.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	dial := opts.Dialer
	if dial == nil {
		dial = gorillaDialer{token: opts.Token}
	}
	return &Session{
		token:          opts.Token,
		apiBase:        apiBase,
		httpClient:     client,
		dial:           dial,
		onConnectivity: opts.OnConnectivity,
		events:         make(chan DispatchEvent, eventBuffer),
		readyCh:        make(chan struct{}),
	}, nil
}

// Events returns the channel of dispatch events. Closed when Run returns.
func (s *Session) Events() <-chan DispatchEvent {
	return s.events
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionID returns the server-assigned session identifier, empty until ready.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Seq returns the last-seen dispatch sequence number.
func (s *Session) Seq() int64 {
	return s.seq.Load()
}

// Ready returns a channel that is closed the first time the session
// reaches the ready state.
func (s *Session) Ready() <-chan struct{} {
	return s.readyCh
}

// Run resolves the gateway address, connects, and drives the protocol
// state machine until Close is called or a terminal error occurs. Lost
// connections are re-established with jittered exponential backoff.
// Run blocks; callers run it in its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer close(s.events)
	defer s.setState(StateDisconnected)

	s.setState(StateConnecting)
	gatewayURL, err := discoverGatewayURL(ctx, s.httpClient, s.apiBase, s.token)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	attempt := 0
	for {
		wasReady, err := s.runConn(ctx, gatewayURL)
		s.setState(StateDisconnected)
		s.notifyConnectivity(false)

		if s.isClosed() || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}

		if wasReady {
			attempt = 0
		}
		attempt++
		if attempt > maxReconnectAttempts {
			return fmt.Errorf("gateway: giving up after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}

		wait := backoffDelay(attempt)
		log.Printf("gateway: connection lost (%v), reconnecting in %v (attempt %d/%d)",
			err, wait, attempt, maxReconnectAttempts)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Close shuts the session down: it unblocks the heartbeat cycle, makes the
// receive loop exit, and prevents further reconnection attempts.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeConn()
	return nil
}

// runConn drives a single connection: dial, handshake, receive loop.
// Returns whether the connection ever reached ready, and the error that
// ended it.
func (s *Session) runConn(ctx context.Context, gatewayURL string) (bool, error) {
	s.setState(StateConnecting)
	conn, err := s.dial.Dial(ctx, gatewayURL)
	if err != nil {
		return false, fmt.Errorf("gateway: dial: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.setState(StateAwaitingHello)

	// connCtx scopes the heartbeat cycle to this connection.
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	defer s.closeConn()

	wasReady := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == closeCodeAuthFailed {
				return wasReady, ErrAuthFailed
			}
			return wasReady, fmt.Errorf("gateway: read: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("gateway: malformed frame dropped: %v", err)
			continue
		}

		if s.handleFrame(connCtx, frame) {
			wasReady = true
		}
	}
}

// handleFrame processes one inbound frame. Returns true when the frame
// moved the session into the ready state.
func (s *Session) handleFrame(connCtx context.Context, frame Frame) bool {
	switch frame.Op {
	case OpHello:
		var hello helloData
		if err := json.Unmarshal(frame.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			log.Printf("gateway: malformed hello dropped: %v", err)
			return false
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.mu.Lock()
		s.heartbeatInterval = interval
		s.state = StateIdentifying
		s.mu.Unlock()

		// The heartbeat cycle runs independently of the receive loop so a
		// stalled read never starves keepalives.
		go s.heartbeatLoop(connCtx, interval)

		if err := s.writeJSON(newIdentifyFrame(s.token)); err != nil {
			log.Printf("gateway: send identify: %v", err)
			s.closeConn()
		}
		return false

	case OpDispatch:
		if frame.Seq != nil {
			s.seq.Store(*frame.Seq)
		}
		if frame.Type == EventReady {
			var ready readyData
			if err := json.Unmarshal(frame.Data, &ready); err != nil {
				log.Printf("gateway: malformed ready dropped: %v", err)
				return false
			}
			s.mu.Lock()
			s.sessionID = ready.SessionID
			s.state = StateReady
			s.mu.Unlock()
			s.readyOnce.Do(func() { close(s.readyCh) })
			s.notifyConnectivity(true)
			log.Printf("gateway: ready (session %s)", ready.SessionID)
			return true
		}
		s.deliver(DispatchEvent{Type: frame.Type, Seq: s.seq.Load(), Raw: frame.Data})
		return false

	case OpHeartbeat:
		// Server requested an immediate heartbeat.
		if err := s.sendHeartbeat(); err != nil {
			log.Printf("gateway: requested heartbeat: %v", err)
			s.closeConn()
		}
		return false

	case OpHeartbeatACK:
		return false

	default:
		log.Printf("gateway: unknown op %d dropped", frame.Op)
		return false
	}
}

// heartbeatLoop sends a heartbeat frame carrying the last-seen sequence
// number every interval, for the lifetime of the connection. A failed send
// forces a disconnect so the reconnection policy takes over.
func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendHeartbeat(); err != nil {
				log.Printf("gateway: heartbeat failed: %v", err)
				s.closeConn()
				return
			}
		}
	}
}

// sendHeartbeat writes a heartbeat frame with the last-seen sequence
// number, or null before the first dispatch.
func (s *Session) sendHeartbeat() error {
	var payload interface{}
	if seq := s.seq.Load(); seq > 0 {
		payload = seq
	}
	return s.writeJSON(frameOut{Op: OpHeartbeat, Data: payload})
}

// writeJSON marshals and writes a frame. All outbound writes are serialized
// through writeMu; the connection is never written to concurrently.
func (s *Session) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// deliver hands a dispatch event to the consumer without blocking the
// receive loop. Events are dropped (and logged) when the buffer is full.
func (s *Session) deliver(evt DispatchEvent) {
	select {
	case s.events <- evt:
	default:
		log.Printf("gateway: event buffer full, dropping %s (seq %d)", evt.Type, evt.Seq)
	}
}

// closeConn closes the current connection, if any. Safe to call from the
// heartbeat cycle or Close while the receive loop is blocked in a read.
func (s *Session) closeConn() {
	s.writeMu.Lock()
	conn := s.conn
	s.conn = nil
	s.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) notifyConnectivity(up bool) {
	if s.onConnectivity != nil {
		s.onConnectivity(up)
	}
}

// backoffDelay computes the jittered exponential reconnect delay for the
// given attempt (1-based): base 1s doubled per attempt, capped, ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseBackoff << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}
