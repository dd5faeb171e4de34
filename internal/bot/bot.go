package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/uplift-voice-bot/internal/audio"
	"github.com/lexiqai/uplift-voice-bot/internal/config"
	"github.com/lexiqai/uplift-voice-bot/internal/llm"
	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
	"github.com/lexiqai/uplift-voice-bot/internal/resilience"
	"github.com/lexiqai/uplift-voice-bot/internal/stt"
	"github.com/lexiqai/uplift-voice-bot/internal/telephony"
	"github.com/lexiqai/uplift-voice-bot/internal/tts"
)

// Deps holds what calls share with each other
type Deps struct {
	Config *config.Config

	// HTTPClient is borrowed by the TTS service and never closed by a call
	HTTPClient *http.Client

	// Breakers open across calls when a provider keeps failing
	STTBreaker *resilience.CircuitBreaker
	LLMBreaker *resilience.CircuitBreaker

	// STT replaces Deepgram transcription when set
	STT pipeline.Processor
}

// NewDeps creates the shared HTTP client and circuit breakers from cfg
func NewDeps(cfg *config.Config) Deps {
	reset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	return Deps{
		Config:     cfg,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		STTBreaker: resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, reset),
		LLMBreaker: resilience.NewCircuitBreaker("openai", cfg.CircuitBreakerMaxFailures, reset),
	}
}

// ReadinessChecks reports a provider as not ready while its circuit is open
func (d Deps) ReadinessChecks() map[string]observability.HealthCheckFunc {
	checks := make(map[string]observability.HealthCheckFunc)
	for name, cb := range map[string]*resilience.CircuitBreaker{"deepgram": d.STTBreaker, "openai": d.LLMBreaker} {
		name, cb := name, cb
		if cb == nil {
			continue
		}
		checks[name] = func(context.Context) (bool, error) {
			if cb.State() == resilience.StateOpen {
				requests, failures, _ := cb.Stats()
				return false, fmt.Errorf("%s circuit is open after %d failed of %d calls", name, failures, requests)
			}
			return true, nil
		}
	}
	return checks
}

// Run answers one phone call on conn and returns when the call ends
func Run(ctx context.Context, conn telephony.Conn, deps Deps) error {
	cfg := deps.Config
	callID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(callID).With().Str("component", "bot").Logger()
	logger.Info().Msg("Starting bot")

	metrics := observability.NewCallMetrics(callID)
	metrics.RecordCallStart()
	defer metrics.RecordCallEnd()

	prompt, err := cfg.SystemPrompt(DefaultSystemPrompt)
	if err != nil {
		return err
	}

	speechToText, err := newSTT(deps)
	if err != nil {
		return err
	}

	llmService, err := llm.NewOpenAILLM(llm.Options{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		SystemPrompt: prompt,
		Breaker:      deps.LLMBreaker,
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	opts := tts.Options{
		APIKey:       cfg.UpliftAPIKey,
		BaseURL:      cfg.UpliftBaseURL,
		VoiceID:      cfg.UpliftVoiceID,
		OutputFormat: cfg.UpliftOutputFormat,
		SampleRate:   cfg.UpliftSampleRate,
		ChunkSize:    cfg.TTSChunkSize,
	}
	if deps.HTTPClient != nil {
		opts.Client = deps.HTTPClient
	}
	ttsService, err := tts.New(opts)
	if err != nil {
		return err
	}

	return tts.With(ttsService, func(svc *tts.UpliftHTTPService) error {
		transport := telephony.NewTransport(conn, telephony.Params{
			OutputFormat: svc.OutputFormat(),
			BufferSize:   cfg.AudioBufferSize,
			VAD: audio.VADConfig{
				EnergyThreshold: cfg.VADEnergyThreshold,
				SilenceFrames:   cfg.VADSilenceFrames,
			},
			Metrics: metrics,
		})

		p := pipeline.New(
			transport.Input(),
			speechToText,
			llmService,
			svc,
			transport.Output(),
		)
		names := make([]string, 0, len(p.Processors()))
		for _, proc := range p.Processors() {
			names = append(names, proc.Name())
		}
		logger.Debug().Strs("processors", names).Msg("Pipeline built")

		task := pipeline.NewTask(p, pipeline.TaskParams{
			AudioInSampleRate:  audio.TelephonySampleRate,
			AudioOutSampleRate: svc.SampleRate(),
			EnableMetrics:      cfg.MetricsEnabled,
			EnableUsageMetrics: cfg.UsageMetricsEnabled,
			Metrics:            observability.ProcessorMetrics{},
			IdleTimeout:        time.Duration(cfg.PipelineIdleTimeout) * time.Second,
			Observers: []pipeline.Observer{
				pipeline.NewLogObserver(logger, transport.Output().Name()),
				newCallObserver(metrics),
			},
		})

		transport.OnClientConnected(func(ctx context.Context, t *telephony.Transport) {
			logger.Info().
				Str("call_sid", t.CallSid()).
				Str("caller", t.CustomParameter(telephony.CallerParameter)).
				Msg("Client connected")
			llmService.AppendSystem(Introduction)
			if err := task.QueueFrames(ctx, &pipeline.LLMRunFrame{}); err != nil {
				logger.Warn().Err(err).Msg("Failed to start the conversation")
			}
		})
		transport.OnClientDisconnected(func(ctx context.Context, t *telephony.Transport) {
			logger.Info().Str("call_sid", t.CallSid()).Msg("Client disconnected")
			task.Cancel()
		})

		return runTask(ctx, task, metrics, logger)
	})
}

func newSTT(deps Deps) (pipeline.Processor, error) {
	if deps.STT != nil {
		return deps.STT, nil
	}
	cfg := deps.Config
	deepgram, err := stt.NewDeepgramSTT(stt.Options{
		APIKey:   cfg.DeepgramAPIKey,
		Model:    cfg.DeepgramModel,
		Language: cfg.DeepgramLanguage,
		Breaker:  deps.STTBreaker,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2,
			MaxBackoff:  30 * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}
	return deepgram, nil
}

// runTask runs the task and records the errors it publishes until it finishes
func runTask(ctx context.Context, task *pipeline.Task, metrics *observability.Metrics, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return pipeline.NewRunner(false).Run(gctx, task)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ef := <-task.Errors():
				metrics.RecordError("processor_error", "pipeline")
				if ef.Fatal {
					logger.Error().Str("error", ef.Error).Msg("Call ended by fatal error")
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
