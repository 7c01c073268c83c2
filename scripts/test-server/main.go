// Command test-server is a local target for surge runs. It serves the
// endpoints of examples/local.yaml with configurable latency and error rate.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	addr      string
	latency   time.Duration
	jitter    time.Duration
	errorRate float64
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "test-server",
		Short:         "Local HTTP target for surge runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8080", "listen address")
	flags.DurationVar(&opts.latency, "latency", 20*time.Millisecond, "base response latency")
	flags.DurationVar(&opts.jitter, "jitter", 30*time.Millisecond, "random latency added on top of the base")
	flags.Float64Var(&opts.errorRate, "error-rate", 0, "fraction of requests answered with 500")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.errorRate < 0 || opts.errorRate > 1 {
			return fmt.Errorf("--error-rate must be within [0, 1], got %v", opts.errorRate)
		}
		return nil
	}
	return cmd
}

func serve(ctx context.Context, opts options) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	server := &http.Server{
		Addr:              opts.addr,
		Handler:           newMux(opts),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("test server listening",
		zap.String("addr", opts.addr),
		zap.Duration("latency", opts.latency),
		zap.Duration("jitter", opts.jitter),
		zap.Float64("error_rate", opts.errorRate))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func handler(opts options, body map[string]any) http.HandlerFunc {
	payload, _ := json.Marshal(body)
	return func(w http.ResponseWriter, r *http.Request) {
		delay := opts.latency
		if opts.jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(opts.jitter)))
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if rand.Float64() < opts.errorRate {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"error"}`))
			return
		}
		_, _ = w.Write(payload)
	}
}

// newMux serves the example API endpoints.
func newMux(opts options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", handler(opts, map[string]any{"status": "ok"}))
	mux.HandleFunc("/api/v1/banners", handler(opts, map[string]any{
		"status": "ok",
		"data":   []map[string]any{{"id": 1, "title": "Spring sale"}, {"id": 2, "title": "Free shipping"}},
	}))
	mux.HandleFunc("/api/v1/banner-categories", handler(opts, map[string]any{
		"status": "ok",
		"data":   []map[string]any{{"id": 1, "name": "home"}, {"id": 2, "name": "checkout"}},
	}))
	return mux
}
