package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	// DisableReconnect turns off automatic reconnection after a lost connection.
	DisableReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnection attempts; 0 is unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	// AckTimeout bounds the wait for an acknowledgment. Negative disables it.
	AckTimeout   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadLimit is the largest inbound frame accepted, in bytes.
	ReadLimit int64
	// RateLimit and RateBurst shape outbound frames. A negative RateLimit disables shaping.
	RateLimit  rate.Limit
	RateBurst  int
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1000 * time.Millisecond
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5000 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30000 * time.Millisecond
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 200000 * time.Millisecond
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 20 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateLimit < 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of an inbound event.
type EventHandler func(payload json.RawMessage)

type handlerEntry[T any] struct {
	id   uint64
	fn   T
	once bool
}

func without[T any](list []handlerEntry[T], id uint64) []handlerEntry[T] {
	out := make([]handlerEntry[T], 0, len(list))
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// take copies the list for delivery and drops its one-shot entries.
func take[T any](list *[]handlerEntry[T]) []handlerEntry[T] {
	out := append([]handlerEntry[T](nil), (*list)...)
	kept := make([]handlerEntry[T], 0, len(*list))
	for _, e := range *list {
		if !e.once {
			kept = append(kept, e)
		}
	}
	*list = kept
	return out
}

// eventDispatcher belongs to the Conn, not to a websocket handle, so handlers
// survive reconnects without being bound again.
type eventDispatcher struct {
	mu             sync.Mutex
	nextID         uint64
	events         map[string][]handlerEntry[EventHandler]
	onConnected    []handlerEntry[func()]
	onDisconnected []handlerEntry[func(error)]
	onReconnecting []handlerEntry[func(int, time.Duration)]
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		events: make(map[string][]handlerEntry[EventHandler]),
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.events[event] = append(d.events[event], handlerEntry[EventHandler]{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.events[event] = without(d.events[event], id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) connected(h func(), once bool) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onConnected = append(d.onConnected, handlerEntry[func()]{id: id, fn: h, once: once})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onConnected = without(d.onConnected, id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) disconnected(h func(error)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onDisconnected = append(d.onDisconnected, handlerEntry[func(error)]{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onDisconnected = without(d.onDisconnected, id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) reconnecting(h func(int, time.Duration)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onReconnecting = append(d.onReconnecting, handlerEntry[func(int, time.Duration)]{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onReconnecting = without(d.onReconnecting, id)
		d.mu.Unlock()
	}
}

// dispatch runs the handlers of one event synchronously, in registration order.
func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) int {
	d.mu.Lock()
	handlers := append([]handlerEntry[EventHandler](nil), d.events[event]...)
	d.mu.Unlock()
	for _, h := range handlers {
		h.fn(payload)
	}
	return len(handlers)
}

func (d *eventDispatcher) emitConnected() {
	d.mu.Lock()
	handlers := take(&d.onConnected)
	d.mu.Unlock()
	for _, h := range handlers {
		h.fn()
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.Lock()
	handlers := append([]handlerEntry[func(error)](nil), d.onDisconnected...)
	d.mu.Unlock()
	for _, h := range handlers {
		h.fn(err)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.Lock()
	handlers := append([]handlerEntry[func(int, time.Duration)](nil), d.onReconnecting...)
	d.mu.Unlock()
	for _, h := range handlers {
		h.fn(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	policy      *backoff.ExponentialBackOff
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.ReconnectBaseDelay
	policy.MaxInterval = config.ReconnectMaxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &reconnector{
		policy:      policy,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// next returns the attempt number and the delay before it, or false once the
// attempt budget is spent. The delay never exceeds the configured ceiling.
func (r *reconnector) next() (int, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return r.attempt, 0, false
	}
	r.attempt++
	delay := r.policy.NextBackOff()
	if delay == backoff.Stop || delay > r.maxDelay {
		delay = r.maxDelay
	}
	return r.attempt, delay, true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.policy.Reset()
	r.mu.Unlock()
}

// ============================================================================
// Conn
// ============================================================================

type pendingAck struct {
	event   string
	cb      func(Ack)
	timer   *time.Timer
	started time.Time
}

// Conn owns the single websocket connection of a session: connect,
// authenticate, reconnect with backoff, heartbeat and teardown. Higher layers
// only observe its state and use Emit, Request and the On* subscriptions.
type Conn struct {
	url        string
	auth       AuthProvider
	locale     LocaleProvider
	config     *RealtimeConfig
	log        *zap.Logger
	metrics    *Metrics
	limiter    *rate.Limiter
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	ws               *websocket.Conn
	state            State
	gen              uint64
	intentionalClose bool
	cancelFn         context.CancelFunc
	closed           chan struct{}
	user             *AuthenticatedPayload

	pendingMu sync.Mutex
	pending   map[string]*pendingAck
}

// NewConn creates a connection manager for the server at baseURL
// (http(s)://host). Call Connect to establish the connection.
func NewConn(baseURL string, auth AuthProvider, locale LocaleProvider, config *RealtimeConfig) *Conn {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if locale == nil {
		locale = StaticLocale("en")
	}

	wsURL := strings.TrimRight(baseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	return &Conn{
		url:        wsURL + "/ws",
		auth:       auth,
		locale:     locale,
		config:     &cfg,
		log:        cfg.Logger.Named("conn"),
		metrics:    cfg.Metrics,
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
		pending:    make(map[string]*pendingAck),
	}
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine in delivery order and must not block on acknowledgments.
func (c *Conn) On(event string, h EventHandler) (unsubscribe func()) {
	return c.dispatcher.on(event, h)
}

// OnConnected registers a handler run after every successful (re)connect,
// before any inbound event of that connection is dispatched.
func (c *Conn) OnConnected(h func()) (unsubscribe func()) {
	return c.dispatcher.connected(h, false)
}

// OnceConnected registers a handler run after the next successful connect only.
func (c *Conn) OnceConnected(h func()) (unsubscribe func()) {
	return c.dispatcher.connected(h, true)
}

// OnDisconnected registers a handler for lost or closed connections.
func (c *Conn) OnDisconnected(h func(err error)) (unsubscribe func()) {
	return c.dispatcher.disconnected(h)
}

// OnReconnecting registers a handler called before each reconnection attempt.
func (c *Conn) OnReconnecting(h func(attempt int, delay time.Duration)) (unsubscribe func()) {
	return c.dispatcher.reconnecting(h)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can be written right now.
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// Present reports whether a connection exists or is being (re)established.
func (c *Conn) Present() bool {
	return c.State() != StateDisconnected
}

// User returns the identity announced by the server on the current connection.
func (c *Conn) User() *AuthenticatedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.setState(s)
}

// Connect establishes the connection. It is a no-op while a connection exists
// or is being established, and silently skipped when the AuthProvider has no
// signed-in user. When the dial fails the error is returned and, unless
// reconnection is disabled, retried in the background.
func (c *Conn) Connect(ctx context.Context) error {
	if c.auth == nil || c.auth.Identity() == nil || c.auth.AntiForgeryToken() == "" {
		c.log.Debug("connect skipped", zap.Error(ErrNoCredentials))
		return nil
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.gen++
	gen := c.gen
	closed := make(chan struct{})
	c.closed = closed
	c.mu.Unlock()
	c.metrics.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	err := c.dial(dialCtx, gen)
	if err == nil {
		return nil
	}

	c.log.Warn("connect failed", zap.String("url", c.url), zap.Error(err))
	if c.config.DisableReconnect || !c.sameGen(gen) {
		c.abandon(gen)
		return err
	}
	c.setState(StateReconnecting)
	go c.reconnectLoop(gen, closed)
	return err
}

func (c *Conn) sameGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.intentionalClose
}

func (c *Conn) abandon(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.metrics.setState(c.State())
}

func (c *Conn) dial(ctx context.Context, gen uint64) error {
	header := http.Header{}
	header.Set("X-CSRFToken", c.auth.AntiForgeryToken())
	header.Set("X-Lang", c.locale.Locale())

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(c.config.ReadLimit)

	// First frame must be "authenticated".
	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		ws.Close(websocket.StatusPolicyViolation, "")
		return fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}
	var user AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &user); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "")
		return fmt.Errorf("decode %q: %w", EventAuthenticated, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.gen != gen || c.intentionalClose {
		c.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("connection closed during handshake")
	}
	c.ws = ws
	c.state = StateConnected
	c.cancelFn = cancel
	c.user = &user
	c.mu.Unlock()
	c.metrics.setState(StateConnected)
	c.recon.reset()

	c.log.Info("connected", zap.String("url", c.url), zap.Int64("user_id", user.UserID))
	c.dispatcher.dispatch(EventAuthenticated, env.Payload)
	c.dispatcher.emitConnected()

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx, ws)
	return nil
}

// Close tears the connection down for good (logout, navigation away): it stops
// reconnection and fails every pending acknowledgment.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected && c.ws == nil {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = true
	c.gen++
	if c.closed != nil {
		close(c.closed)
		c.closed = nil
	}
	cancel := c.cancelFn
	c.cancelFn = nil
	ws := c.ws
	c.ws = nil
	c.user = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	c.metrics.setState(StateDisconnected)

	c.failPending(ErrConnectionLost)
	c.recon.reset()

	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.log.Info("disconnected", zap.String("reason", "client disconnect"))
	c.dispatcher.emitDisconnected(nil)
	return err
}

// Emit writes a fire-and-forget frame.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	return c.write(ctx, &Command{Type: event, Payload: payload})
}

// Request writes a frame that expects an acknowledgment. cb runs exactly once:
// with the server's ack, or with ErrAckTimeout, ErrConnectionLost or the write
// error. It may run on the caller's goroutine when the write fails.
func (c *Conn) Request(event string, payload any, cb func(Ack)) {
	id := uuid.NewString()
	p := &pendingAck{event: event, cb: cb, started: time.Now()}

	c.pendingMu.Lock()
	c.pending[id] = p
	if c.config.AckTimeout > 0 {
		p.timer = time.AfterFunc(c.config.AckTimeout, func() {
			c.resolve(id, Ack{Err: ErrAckTimeout})
		})
	}
	c.pendingMu.Unlock()

	if err := c.write(context.Background(), &Command{Type: event, Payload: payload, RequestID: id}); err != nil {
		c.resolve(id, Ack{Err: err})
	}
}

func (c *Conn) write(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", cmd.Type, err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

func (c *Conn) resolve(id string, ack Ack) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	c.metrics.requestDone(p.event, ack.outcome(), time.Since(p.started))
	if ack.Err != nil {
		c.log.Debug("request failed", zap.String("event", p.event), zap.Error(ack.Err))
	}
	p.cb(ack)
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pendingMu.Unlock()
	for _, id := range ids {
		c.resolve(id, Ack{Err: err})
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleDrop(ws, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed frame", zap.Error(err))
			continue
		}

		if env.Type == EventAck {
			c.resolve(env.RequestID, Ack{Payload: env.Payload})
			continue
		}

		c.metrics.eventReceived(env.Type)
		if c.dispatcher.dispatch(env.Type, env.Payload) == 0 {
			c.log.Debug("unhandled event", zap.String("event", env.Type))
		}
	}
}

func (c *Conn) handleDrop(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		// Closed or replaced already.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.user = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	reconnect := !c.config.DisableReconnect && !c.intentionalClose
	if reconnect {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	gen, closed := c.gen, c.closed
	c.mu.Unlock()
	c.metrics.setState(c.State())

	if errors.Is(cause, context.Canceled) {
		cause = ErrConnectionLost
	}
	c.log.Warn("connection lost", zap.Error(cause), zap.Bool("reconnect", reconnect))
	c.failPending(ErrConnectionLost)
	c.dispatcher.emitDisconnected(cause)

	if reconnect && closed != nil {
		c.reconnectLoop(gen, closed)
	}
}

func (c *Conn) reconnectLoop(gen uint64, closed <-chan struct{}) {
	for {
		attempt, delay, ok := c.recon.next()
		if !ok {
			c.log.Error("giving up reconnecting", zap.Int("attempts", attempt))
			c.abandon(gen)
			return
		}
		c.metrics.reconnectScheduled()
		c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		c.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !c.sameGen(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		err := c.dial(ctx, gen)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Force close; the read loop reconnects.
				c.log.Warn("heartbeat failed", zap.Error(err))
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
