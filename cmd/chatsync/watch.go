package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thebooksclub/chatsync"
	"go.uber.org/zap"
)

var (
	watchMetricsAddr string
	watchThread      string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchThread, "thread", "", "Keep this thread open; its messages are marked read as they arrive")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print incoming activity",
	Long: `Stay connected and print new messages, unread changes, notifications and
connection events until interrupted. The connection is re-established
automatically when it drops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []chatsync.Option
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
			srv := serveMetrics(watchMetricsAddr, reg)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		openCtx, cancel := context.WithTimeout(ctx, timeout)
		s, err := openSession(openCtx, opts...)
		cancel()
		if err != nil {
			return err
		}
		defer s.Close()

		if watchThread != "" {
			focusCtx, cancel := context.WithTimeout(ctx, timeout)
			_, err := focus(focusCtx, s, watchThread)
			cancel()
			if err != nil {
				return err
			}
			s.Threads.SetPanelVisible(true)
		}

		s.Conn.On(chatsync.EventMessage, func(payload json.RawMessage) {
			var m chatsync.Message
			if err := json.Unmarshal(payload, &m); err != nil {
				logger.Debug("undecodable message", zap.Error(err))
				return
			}
			fmt.Printf("[thread %d] ", m.ThreadID)
			printMessage(m)
		})
		s.Conn.OnDisconnected(func(err error) {
			fmt.Printf("-- disconnected: %v\n", err)
		})
		s.Conn.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		s.Conn.OnConnected(func() {
			fmt.Println("-- connected")
		})

		lastUnread := s.Threads.UnreadTotal()
		lastNotified := s.Notifications.Unread()
		fmt.Printf("Watching %d threads (%d unread). Press Ctrl-C to stop.\n", len(s.Threads.Threads()), lastUnread)

		// Change callbacks may run on the read loop or on an ack timer.
		var mu sync.Mutex
		s.Threads.OnChange(func() {
			n := s.Threads.UnreadTotal()
			mu.Lock()
			defer mu.Unlock()
			if n != lastUnread {
				lastUnread = n
				fmt.Printf("-- %d unread\n", n)
			}
		})
		s.Notifications.OnChange(func() {
			n := s.Notifications.Unread()
			mu.Lock()
			defer mu.Unlock()
			if n != lastNotified {
				lastNotified = n
				fmt.Printf("-- %d unread notifications\n", n)
			}
		})

		<-ctx.Done()
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
