// Package chatsync keeps a local view of chat threads, their messages, unread
// counters and the notification feed in sync with the server over a single
// websocket connection.
//
// Example:
//
//	auth := chatsync.NewHTTPAuth("https://thebooksclub.com", httpClient)
//	_ = auth.Refresh(ctx)
//
//	s := chatsync.NewSession("https://thebooksclub.com", auth,
//		chatsync.WithHTTPClient(httpClient),
//		chatsync.WithLocale(chatsync.StaticLocale("fr")),
//	)
//	defer s.Close()
//	_ = s.Start(ctx)
//
//	s.Threads.SetPanelVisible(true)
//	s.Threads.SendMessage(ctx, chatsync.SendOptions{Text: "Hello!"})
//	s.Notifications.MarkAllRead(ctx)
package chatsync

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Options
// ============================================================================

type Option func(*sessionConfig)

type sessionConfig struct {
	realtime RealtimeConfig
	locale   LocaleProvider
}

// WithLogger sets the logger shared by the connection and both stores.
func WithLogger(log *zap.Logger) Option {
	return func(c *sessionConfig) { c.realtime.Logger = log }
}

func WithLocale(locale LocaleProvider) Option {
	return func(c *sessionConfig) { c.locale = locale }
}

// WithHTTPClient sets the client used for the websocket handshake. Its cookie
// jar must hold the session cookie.
func WithHTTPClient(client *http.Client) Option {
	return func(c *sessionConfig) { c.realtime.HTTPClient = client }
}

// WithAckTimeout bounds the wait for acknowledgments. A negative value waits forever.
func WithAckTimeout(d time.Duration) Option {
	return func(c *sessionConfig) { c.realtime.AckTimeout = d }
}

func WithReconnectDelay(base, ceiling time.Duration) Option {
	return func(c *sessionConfig) {
		c.realtime.ReconnectBaseDelay = base
		c.realtime.ReconnectMaxDelay = ceiling
	}
}

// WithMaxReconnectAttempts bounds consecutive reconnection attempts; 0 is unlimited.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *sessionConfig) { c.realtime.MaxReconnectAttempts = n }
}

func WithoutReconnect() Option {
	return func(c *sessionConfig) { c.realtime.DisableReconnect = true }
}

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *sessionConfig) {
		c.realtime.HeartbeatInterval = interval
		c.realtime.HeartbeatTimeout = timeout
	}
}

// WithRateLimit shapes outbound frames. A negative limit disables shaping.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *sessionConfig) {
		c.realtime.RateLimit = limit
		c.realtime.RateBurst = burst
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *sessionConfig) { c.realtime.Metrics = m }
}

// ============================================================================
// Session
// ============================================================================

// Session owns one connection and the stores built on it. Create one per
// signed-in user and Close it on logout.
type Session struct {
	Conn          *Conn
	Threads       *ThreadStore
	Notifications *NotificationFeed

	log *zap.Logger
}

// NewSession wires a connection, a thread store and a notification feed for
// the server at baseURL. Nothing is dialed until Start.
func NewSession(baseURL string, auth AuthProvider, opts ...Option) *Session {
	cfg := &sessionConfig{locale: StaticLocale("en")}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.realtime.Logger == nil {
		cfg.realtime.Logger = zap.NewNop()
	}
	log := cfg.realtime.Logger

	conn := NewConn(baseURL, auth, cfg.locale, &cfg.realtime)
	return &Session{
		Conn:          conn,
		Threads:       NewThreadStore(conn, cfg.locale, log),
		Notifications: NewNotificationFeed(conn, cfg.locale, log),
		log:           log,
	}
}

// Start connects and attaches the notification feed. A signed-out AuthProvider
// makes it a no-op. A dial error is returned while reconnection continues in
// the background.
func (s *Session) Start(ctx context.Context) error {
	err := s.Threads.Connect(ctx)
	if attachErr := s.Notifications.Attach(ctx); err == nil {
		err = attachErr
	}
	if err != nil {
		s.log.Warn("session start", zap.Error(err))
	}
	return err
}

// Close tears the connection down and releases every handler.
func (s *Session) Close() error {
	s.Notifications.Detach()
	s.Threads.Close()
	return s.Conn.Close()
}
