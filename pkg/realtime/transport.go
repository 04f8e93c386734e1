package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nevil-robotics/nevil/internal/resilience"
)

// ErrAuth is returned by [Transport.Start] when the remote endpoint rejects
// the authentication token during the initial handshake. Authentication
// failures are fatal — there is no point retrying with the same credentials.
var ErrAuth = errors.New("realtime: authentication rejected")

// ErrStopped is returned by [Transport.Send] after [Transport.Stop].
var ErrStopped = errors.New("realtime: transport stopped")

const (
	defaultEndpoint     = "wss://api.openai.com/v1/realtime"
	defaultQueueSize    = 100
	defaultDialTimeout  = 30 * time.Second
	defaultSendTimeout  = 5 * time.Second
	defaultDispatchBuf  = 256
	reconnectInitial    = 1 * time.Second
	reconnectMax        = 16 * time.Second
)

// Config configures a [Transport].
type Config struct {
	// Endpoint is the WebSocket URL of the voice model service.
	// Default: the public realtime endpoint.
	Endpoint string

	// Model is appended to the endpoint as the model query parameter.
	Model string

	// AuthToken is the bearer token for the Authorization header.
	AuthToken string

	// Session is the initial session configuration, sent as a session.update
	// immediately after every successful (re)connect.
	Session SessionParams

	// QueueSize bounds the outbound queue. When full, the oldest queued event
	// is dropped with a warning. Default: 100.
	QueueSize int

	// DialTimeout bounds the initial connection attempt. Default: 30s.
	DialTimeout time.Duration

	// SendTimeout bounds each outbound write. Default: 5s.
	SendTimeout time.Duration
}

// Handler receives one inbound server event. Handlers are invoked on the
// dispatcher goroutine in arrival order; they must not block for long or they
// will delay delivery of subsequent events to all subscribers.
type Handler func(ev *ServerEvent)

// Stats holds transport counters. All fields are read with atomic loads via
// [Transport.Stats]; they are monotonically increasing over the transport's
// lifetime.
type Stats struct {
	EventsSent     int64
	EventsReceived int64
	EventsDropped  int64 // outbound queue overflow
	FramesDropped  int64 // malformed or unknown inbound frames
	Reconnects     int64
}

// Transport owns the single framed session to the remote voice model. It
// serialises outbound [ClientEvent]s from a bounded queue, decodes inbound
// frames into [ServerEvent]s, dispatches them to subscribers, and reconnects
// with exponential backoff on transport-level failures.
//
// Three goroutines cooperate: a per-connection receive loop, a persistent
// send loop, and a persistent dispatcher. Outbound ordering is preserved
// because all senders enqueue onto one queue; inbound ordering is preserved
// because a single dispatcher invokes handlers in arrival order.
//
// All methods are safe for concurrent use.
type Transport struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	connReady chan struct{} // closed while connected; replaced on disconnect
	queue     []ClientEvent
	subs      map[string]map[int]Handler
	nextSubID int
	started   bool
	stopped   bool

	sendSignal  chan struct{}
	recoverCh   chan struct{}
	dispatchCh  chan *ServerEvent
	wg          sync.WaitGroup
	stopOnce    sync.Once

	eventsSent     atomic.Int64
	eventsReceived atomic.Int64
	eventsDropped  atomic.Int64
	framesDropped  atomic.Int64
	reconnects     atomic.Int64
}

// New creates a Transport from cfg. The transport does not connect until
// [Transport.Start] is called.
func New(cfg Config) *Transport {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		connReady:  make(chan struct{}),
		subs:       make(map[string]map[int]Handler),
		sendSignal: make(chan struct{}, 1),
		recoverCh:  make(chan struct{}, 1),
		dispatchCh: make(chan *ServerEvent, defaultDispatchBuf),
	}
}

// Start opens the session, sends the initial session.update, and launches the
// background loops. It fails fast on authentication or handshake errors;
// transport failures after a successful Start are handled internally by the
// reconnect loop.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("realtime: transport already started")
	}
	t.started = true
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.dial(dialCtx)
	if err != nil {
		return err
	}
	if err := t.writeEvent(conn, SessionUpdate{Session: t.SessionParams()}); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return fmt.Errorf("realtime: initial session update: %w", err)
	}

	t.installConn(conn)

	t.wg.Add(3)
	go t.sendLoop()
	go t.dispatchLoop()
	go t.recoverLoop()

	return nil
}

// dial opens the WebSocket connection and classifies handshake failures.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	url := t.cfg.Endpoint
	if t.cfg.Model != "" {
		url = fmt.Sprintf("%s?model=%s", t.cfg.Endpoint, t.cfg.Model)
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.cfg.AuthToken},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", t.cfg.Endpoint, err)
	}
	// Inbound audio bursts can exceed the library's 32 KiB default.
	conn.SetReadLimit(1 << 22)
	return conn, nil
}

// installConn records conn as the active connection, unblocks the send loop,
// and starts a receive loop bound to this connection.
func (t *Transport) installConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	close(t.connReady)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiveLoop(conn)
}

// Stop closes the session gracefully: the outbound queue is given a short
// flush window, background loops are cancelled, and the connection is closed
// with a normal-closure status carrying reason. Subsequent calls are no-ops.
func (t *Transport) Stop(reason string) {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		conn := t.conn
		pending := len(t.queue)
		t.mu.Unlock()

		if conn != nil && pending > 0 {
			t.flush(conn)
		}

		t.cancel()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, reason)
		}
		t.wg.Wait()
		slog.Info("realtime: transport stopped", "reason", reason, "unsent", t.queueLen())
	})
}

// flush makes a best-effort attempt to drain the outbound queue before close.
func (t *Transport) flush(conn *websocket.Conn) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		ev := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		if err := t.writeEvent(conn, ev); err != nil {
			return
		}
		t.eventsSent.Add(1)
	}
}

// Send enqueues ev for transmission. It returns nil once the event is
// accepted into the bounded outbound queue — before the event reaches the
// wire. If the transport is disconnected the event is sent after reconnect.
// On queue overflow the oldest queued event is dropped with a warning.
func (t *Transport) Send(ev ClientEvent) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if len(t.queue) >= t.cfg.QueueSize {
		dropped := t.queue[0]
		t.queue = t.queue[1:]
		t.eventsDropped.Add(1)
		slog.Warn("realtime: outbound queue full, dropping oldest event",
			"dropped_type", dropped.EventType(),
			"queue_size", t.cfg.QueueSize,
		)
	}
	t.queue = append(t.queue, ev)
	t.mu.Unlock()

	select {
	case t.sendSignal <- struct{}{}:
	default:
	}
	return nil
}

// requeueHead puts ev back at the head of the queue after a failed write so
// outbound ordering is preserved across a reconnect.
func (t *Transport) requeueHead(ev ClientEvent) {
	t.mu.Lock()
	t.queue = append([]ClientEvent{ev}, t.queue...)
	t.mu.Unlock()
}

// Subscribe registers handler for inbound events of eventType and returns a
// subscription id for [Transport.Unsubscribe]. Multiple handlers per type are
// supported; they run sequentially in registration order.
func (t *Transport) Subscribe(eventType string, handler Handler) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSubID++
	id := t.nextSubID
	if t.subs[eventType] == nil {
		t.subs[eventType] = make(map[int]Handler)
	}
	t.subs[eventType][id] = handler
	return id
}

// Unsubscribe removes a handler previously registered with Subscribe.
// Unknown ids are ignored.
func (t *Transport) Unsubscribe(eventType string, id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs[eventType], id)
}

// UpdateSession replaces the session parameters and pushes a session.update
// to the server. Later reconnects re-send the new parameters, so the change
// survives transport drops.
func (t *Transport) UpdateSession(p SessionParams) error {
	t.mu.Lock()
	t.cfg.Session = p
	t.mu.Unlock()
	return t.Send(SessionUpdate{Session: p})
}

// SessionParams returns the session parameters currently in effect.
func (t *Transport) SessionParams() SessionParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Session
}

// Connected reports whether a live connection is currently established.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		EventsSent:     t.eventsSent.Load(),
		EventsReceived: t.eventsReceived.Load(),
		EventsDropped:  t.eventsDropped.Load(),
		FramesDropped:  t.framesDropped.Load(),
		Reconnects:     t.reconnects.Load(),
	}
}

func (t *Transport) queueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// ── Background loops ──────────────────────────────────────────────────────────

// sendLoop drains the outbound queue onto the active connection. A write
// failure requeues the event at the head and triggers the recover loop; the
// loop then blocks until a new connection is installed.
func (t *Transport) sendLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.sendSignal:
		}

		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			ev := t.queue[0]
			t.queue = t.queue[1:]
			conn := t.conn
			connected := t.connected
			ready := t.connReady
			t.mu.Unlock()

			if !connected {
				t.requeueHead(ev)
				select {
				case <-t.ctx.Done():
					return
				case <-ready:
				}
				continue
			}

			if err := t.writeEvent(conn, ev); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				slog.Warn("realtime: send failed, requeueing", "type", ev.EventType(), "err", err)
				t.requeueHead(ev)
				t.notifyDisconnect(conn)
				continue
			}
			t.eventsSent.Add(1)
		}
	}
}

// writeEvent marshals ev and writes it as one text frame with the configured
// send timeout.
func (t *Transport) writeEvent(conn *websocket.Conn, ev ClientEvent) error {
	data, err := MarshalClientEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from conn until it fails or the transport stops.
// Malformed frames are dropped with a warning; valid events go to the
// dispatcher.
func (t *Transport) receiveLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			slog.Warn("realtime: connection lost", "err", err)
			t.notifyDisconnect(conn)
			return
		}

		ev, err := ParseServerEvent(data)
		if err != nil {
			t.framesDropped.Add(1)
			slog.Warn("realtime: dropping malformed frame", "err", err)
			continue
		}
		t.eventsReceived.Add(1)

		select {
		case t.dispatchCh <- ev:
		case <-t.ctx.Done():
			return
		}
	}
}

// dispatchLoop delivers events to subscribers. A single goroutine guarantees
// that handlers observe events in arrival order; it is distinct from the
// receive loop so a slow handler cannot stall the socket read.
func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-t.dispatchCh:
			if !KnownServerTypes[ev.Type] {
				t.framesDropped.Add(1)
				slog.Warn("realtime: dropping unknown event type", "type", ev.Type)
				continue
			}

			t.mu.Lock()
			handlers := make([]Handler, 0, len(t.subs[ev.Type]))
			for _, h := range t.subs[ev.Type] {
				handlers = append(handlers, h)
			}
			t.mu.Unlock()

			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// notifyDisconnect transitions to the disconnected state (once per
// connection) and wakes the recover loop. The stale conn pointer identifies
// which connection failed so that racing send/receive failures on the same
// connection trigger only one reconnect cycle.
func (t *Transport) notifyDisconnect(failed *websocket.Conn) {
	t.mu.Lock()
	if !t.connected || t.conn != failed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	t.connReady = make(chan struct{})
	t.mu.Unlock()

	failed.Close(websocket.StatusInternalError, "reconnecting")

	select {
	case t.recoverCh <- struct{}{}:
	default:
	}
}

// recoverLoop re-establishes the session after a disconnect with exponential
// backoff (1s doubling to 16s), unbounded attempts until Stop. Each new
// connection is reconfigured with a fresh session.update; remote-side state
// from before the drop is gone, so the core behaves as if the user said
// nothing during the gap.
func (t *Transport) recoverLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.recoverCh:
		}

		backoff := &resilience.Backoff{Initial: reconnectInitial, Max: reconnectMax}
		for attempt := 1; ; attempt++ {
			if err := backoff.Wait(t.ctx); err != nil {
				return
			}

			slog.Info("realtime: reconnecting", "attempt", attempt)
			dialCtx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
			conn, err := t.dial(dialCtx)
			cancel()
			if err != nil {
				slog.Warn("realtime: reconnect attempt failed", "attempt", attempt, "err", err)
				continue
			}

			if err := t.writeEvent(conn, SessionUpdate{Session: t.SessionParams()}); err != nil {
				slog.Warn("realtime: session update after reconnect failed", "err", err)
				conn.Close(websocket.StatusInternalError, "session update failed")
				continue
			}

			t.installConn(conn)
			t.reconnects.Add(1)
			slog.Info("realtime: reconnected", "attempt", attempt)
			break
		}
	}
}
