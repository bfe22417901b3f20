package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/thebooksclub/chatsync"
)

// requireConfig loads the config and checks that a server and a session are set.
func requireConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Server.URL == "" {
		return nil, errors.New("no server configured; run 'chatsync init <server-url>' first")
	}
	if cfg.Auth.SessionCookie == "" {
		return nil, errors.New("not logged in; run 'chatsync login <session-cookie>' first")
	}
	return cfg, nil
}

// newHTTPClient returns a client whose cookie jar carries the web session.
// No Timeout is set: the websocket dial is bounded by its context instead.
func newHTTPClient(cfg *Config) (*http.Client, error) {
	u, err := url.Parse(cfg.Server.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	name := cfg.Auth.CookieName
	if name == "" {
		name = defaultCookieName
	}
	jar.SetCookies(u, []*http.Cookie{{Name: name, Value: cfg.Auth.SessionCookie, Path: "/"}})
	return &http.Client{Jar: jar}, nil
}

// newAuth resolves the signed-in user behind the configured session.
func newAuth(ctx context.Context, cfg *Config, client *http.Client) (*chatsync.HTTPAuth, error) {
	auth := chatsync.NewHTTPAuth(cfg.Server.URL, client)
	if err := auth.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	if auth.Identity() == nil {
		return nil, errors.New("session expired; run 'chatsync login <session-cookie>' again")
	}
	return auth, nil
}

// openSession connects and waits for the thread list. The caller must Close it.
func openSession(ctx context.Context, extra ...chatsync.Option) (*chatsync.Session, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	client, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	auth, err := newAuth(ctx, cfg, client)
	if err != nil {
		return nil, err
	}

	opts := []chatsync.Option{
		chatsync.WithHTTPClient(client),
		chatsync.WithLogger(logger),
	}
	if cfg.Client.Locale != "" {
		opts = append(opts, chatsync.WithLocale(chatsync.StaticLocale(cfg.Client.Locale)))
	}
	if cfg.Client.AckTimeout != "" {
		d, err := time.ParseDuration(cfg.Client.AckTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid client.ack_timeout: %w", err)
		}
		opts = append(opts, chatsync.WithAckTimeout(d))
	}
	opts = append(opts, extra...)

	s := chatsync.NewSession(cfg.Server.URL, auth, opts...)
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := waitUntil(ctx, s.Threads.OnChange, s.Threads.Loaded); err != nil {
		s.Close()
		return nil, fmt.Errorf("thread list not received: %w", err)
	}
	return s, nil
}

// waitUntil blocks until cond holds, re-checking after every change
// announced through subscribe.
func waitUntil(ctx context.Context, subscribe func(func()) func(), cond func() bool) error {
	changed := make(chan struct{}, 1)
	off := subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer off()

	for !cond() {
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// focus makes id the active thread and waits for its messages.
func focus(ctx context.Context, s *chatsync.Session, arg string) (chatsync.ThreadID, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid thread id %q", arg)
	}
	tid := chatsync.ThreadID(id)
	if _, ok := s.Threads.Thread(tid); !ok {
		return 0, fmt.Errorf("thread %d not found", id)
	}
	if err := resultErr("load thread", s.Threads.SetActiveThread(ctx, tid)); err != nil {
		return 0, err
	}
	return tid, nil
}

func resultErr(action string, r chatsync.Result) error {
	switch {
	case r.Skipped:
		return fmt.Errorf("%s: nothing to do (not connected or no thread selected)", action)
	case r.Err != nil:
		return fmt.Errorf("%s failed: %w", action, r.Err)
	}
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// maskSecret shows the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// commandContext bounds a one-shot command by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
