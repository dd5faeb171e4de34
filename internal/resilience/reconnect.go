package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/uplift-voice-bot/internal/observability"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Reconnect calls connect until it succeeds, waiting with exponential backoff between attempts
func Reconnect(ctx context.Context, name string, config ReconnectConfig, connect func(ctx context.Context) error) error {
	logger := observability.Component("reconnect").With().Str("service", name).Logger()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = connect(ctx); err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Reconnected")
			}
			return nil
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := CalculateBackoff(attempt-1, config.Backoff, config.MaxBackoff, config.Multiplier)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("retry_in", wait).
			Msg("Connection attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: failed to connect after %d attempts: %w", name, config.MaxAttempts, err)
}
