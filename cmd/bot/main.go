package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/uplift-voice-bot/internal/bot"
	"github.com/lexiqai/uplift-voice-bot/internal/config"
	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not initialized yet
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)

	// run returns only after its deferred cleanup, so exiting here cannot drop buffered spans
	if err := run(cfg); err != nil {
		logger := observability.GetLogger()
		logger.Error().Err(err).Msg("Uplift voice bot stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("voice_id", cfg.UpliftVoiceID).
		Str("output_format", cfg.UpliftOutputFormat).
		Str("openai_model", cfg.OpenAIModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("tracing_enabled", cfg.TracingEnabled).
		Msg("Uplift voice bot starting")

	if cfg.TracingEnabled {
		shutdownTracing, err := observability.InitTracing(context.Background(), observability.TracingOptions{
			OTLPEndpoint: cfg.OTLPEndpoint,
			OTLPInsecure: cfg.OTLPInsecure,
			Writer:       os.Stdout,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	srv := newServer(bot.NewDeps(cfg))

	// Calls inherit this context and end when it is cancelled
	callsCtx, cancelCalls := context.WithCancel(context.Background())
	defer cancelCalls()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return callsCtx },
	}

	endpoint := fmt.Sprintf("ws://localhost:%s%s", cfg.Port, telephony.StreamPath)
	if cfg.PublicURL != "" {
		endpoint = telephony.StreamURL(cfg.PublicURL, &http.Request{})
	}
	logger.Info().
		Str("port", cfg.Port).
		Str("endpoint", endpoint).
		Msg("Server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return serve(server, srv, cancelCalls, quit)
}

// serve runs the listener until a stop signal arrives or the listener fails,
// then drains active calls. A listener failure is returned after the drain.
func serve(server *http.Server, srv *server, cancelCalls context.CancelFunc, stop <-chan os.Signal) error {
	logger := observability.GetLogger()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-stop:
		logger.Info().Msg("Shutting down server...")
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("server failed to start: %w", err)
			logger.Error().Err(err).Msg("Server failed to start")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Websocket calls are hijacked and not tracked by Shutdown
	if err := srv.wait(ctx); err != nil {
		logger.Warn().Msg("Ending active calls")
		cancelCalls()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.wait(waitCtx)
		waitCancel()
	}

	if serveErr == nil {
		logger.Info().Msg("Server exited gracefully")
	}
	return serveErr
}
