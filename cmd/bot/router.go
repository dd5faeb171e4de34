package main

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/uplift-voice-bot/internal/bot"
	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/telephony"
)

// callRunner answers one call on an upgraded websocket
type callRunner func(ctx context.Context, conn telephony.Conn, deps bot.Deps) error

type server struct {
	deps  bot.Deps
	run   callRunner
	calls sync.WaitGroup
}

func newServer(deps bot.Deps) *server {
	return &server{deps: deps, run: bot.Run}
}

func (s *server) routes() http.Handler {
	cfg := s.deps.Config
	router := chi.NewRouter()

	if origins := allowedOrigins(cfg.CorsAllowedOrigins); len(origins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get(telephony.StreamPath, s.handleStream)
	router.Post("/twiml", telephony.TwiMLHandler(cfg.PublicURL))
	router.Get("/health", observability.HealthCheckHandler())
	router.Get("/ready", observability.ReadinessHandler(s.deps.ReadinessChecks()))
	if cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler())
	}
	return router
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	logger := observability.Component("server")

	// counted before the upgrade hijacks the connection out of Shutdown's sight
	s.calls.Add(1)
	defer s.calls.Done()

	conn, err := telephony.Upgrade(w, r)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	logger.Info().Str("remote_addr", r.RemoteAddr).Str("request_id", middleware.GetReqID(r.Context())).Msg("Twilio stream connected")
	if err := s.run(r.Context(), conn, s.deps); err != nil {
		logger.Error().Err(err).Msg("Call failed")
	}
}

// wait blocks until every active call returns or ctx is done
func (s *server) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
