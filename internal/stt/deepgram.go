package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/uplift-voice-bot/internal/audio"
	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
	"github.com/lexiqai/uplift-voice-bot/internal/resilience"
)

const (
	// ServiceName names the processor in logs and metrics
	ServiceName = "DeepgramSTTService"

	transcriptBuffer = 100
)

// messageCallbackHandler embeds the default handler and overrides only Message and Error
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

type dialFunc func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb *messageCallbackHandler) (liveClient, error)

func dialDeepgram(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb *messageCallbackHandler) (liveClient, error) {
	// nil client options use the SDK defaults
	client, err := listenClient.NewWSUsingCallback(ctx, apiKey, nil, opts, cb)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options configures a DeepgramSTT
type Options struct {
	APIKey   string
	Model    string
	Language string

	// Breaker guards audio writes. A breaker named "deepgram" is created when nil.
	Breaker   *resilience.CircuitBreaker
	Reconnect resilience.ReconnectConfig
}

// DeepgramSTT streams caller audio to Deepgram and pushes transcriptions downstream.
// It expects 8kHz mono μ-law input as delivered by telephony transports.
type DeepgramSTT struct {
	opts    Options
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	dial    dialFunc

	transcripts chan Transcription

	mu           sync.Mutex
	client       liveClient
	connCtx      context.Context
	finished     bool
	reconnecting atomic.Bool
}

// NewDeepgramSTT creates a Deepgram streaming processor. The stream opens on StartFrame.
func NewDeepgramSTT(opts Options) (*DeepgramSTT, error) {
	if opts.APIKey == "" {
		return nil, errors.New("deepgram: API key is required")
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("deepgram", 5, time.Minute)
	}
	if opts.Reconnect.MaxAttempts == 0 {
		opts.Reconnect = resilience.DefaultReconnectConfig()
	}

	return &DeepgramSTT{
		opts:        opts,
		breaker:     opts.Breaker,
		logger:      observability.Component("stt").With().Str("processor", ServiceName).Logger(),
		dial:        dialDeepgram,
		transcripts: make(chan Transcription, transcriptBuffer),
	}, nil
}

func (d *DeepgramSTT) Name() string {
	return ServiceName
}

func (d *DeepgramSTT) liveOptions() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       d.opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     audio.TelephonySampleRate,
	}
}

// ProcessFrame opens the stream on StartFrame, forwards caller audio to Deepgram and
// finishes the stream on EndFrame. Caller audio is not passed downstream.
func (d *DeepgramSTT) ProcessFrame(ctx context.Context, f pipeline.Frame, out pipeline.Emitter) error {
	switch frame := f.(type) {
	case *pipeline.StartFrame:
		d.mu.Lock()
		d.connCtx = ctx
		d.mu.Unlock()

		if err := resilience.Reconnect(ctx, "deepgram", d.opts.Reconnect, d.connect); err != nil {
			ef := pipeline.Errorf("%s: %v", ServiceName, err)
			ef.Fatal = true
			return out.PushError(ctx, ef)
		}
		return out.Push(ctx, frame)

	case *pipeline.InputAudioRawFrame:
		switch err := d.send(ctx, frame.Audio); {
		case err == nil:
		case errors.Is(err, ErrNotConnected), errors.Is(err, resilience.ErrCircuitOpen):
			d.logger.Debug().Err(err).Msg("Dropping caller audio")
		default:
			d.logger.Warn().Err(err).Msg("Failed to send audio to Deepgram")
		}
		return nil

	case *pipeline.EndFrame:
		d.finish()
		return out.Push(ctx, f)
	}
	return out.Push(ctx, f)
}

// Cleanup finishes the stream when the task stops without an EndFrame
func (d *DeepgramSTT) Cleanup(context.Context) error {
	d.finish()
	return nil
}

// Run pushes transcriptions received from Deepgram until ctx is done
func (d *DeepgramSTT) Run(ctx context.Context, out pipeline.Emitter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-d.transcripts:
			if err := out.Push(ctx, &pipeline.TranscriptionFrame{Text: t.Text, Final: t.Final}); err != nil {
				return err
			}
		}
	}
}

func (d *DeepgramSTT) connect(ctx context.Context) error {
	d.mu.Lock()
	skip := d.finished || d.client != nil
	d.mu.Unlock()
	if skip {
		return nil
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler:           d.handleError,
	}

	client, err := d.dial(ctx, d.opts.APIKey, d.liveOptions(), callback)
	if err != nil {
		d.breaker.RecordResult(false)
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		d.breaker.RecordResult(false)
		return errors.New("failed to connect to Deepgram")
	}

	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		client.Finish()
		return nil
	}
	d.client = client
	d.mu.Unlock()

	d.breaker.RecordResult(true)
	d.logger.Info().
		Str("model", d.opts.Model).
		Str("language", d.opts.Language).
		Msg("Deepgram streaming client started")
	return nil
}

// send writes audio to the current client. Audio arriving while there is no client
// is dropped without touching the breaker; the reconnect records its own outcome.
func (d *DeepgramSTT) send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	return d.breaker.Execute(ctx, func(context.Context) error {
		if _, err := client.Write(data); err != nil {
			d.drop(client)
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
}

// drop forgets client if it is still current and reconnects in the background
func (d *DeepgramSTT) drop(client liveClient) {
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	ctx, finished := d.connCtx, d.finished
	d.mu.Unlock()

	if finished || ctx == nil {
		return
	}
	go d.reconnect(ctx)
}

func (d *DeepgramSTT) reconnect(ctx context.Context) {
	if !d.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer d.reconnecting.Store(false)

	if err := resilience.Reconnect(ctx, "deepgram", d.opts.Reconnect, d.connect); err != nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	}
}

func (d *DeepgramSTT) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.finished = true
	if d.client == nil {
		return
	}
	d.client.Finish()
	d.client = nil
	d.logger.Info().Msg("Deepgram streaming client stopped")
}

func (d *DeepgramSTT) handleError(errorResponse *msginterfaces.ErrorResponse) error {
	d.logger.Error().Interface("response", errorResponse).Msg("Deepgram error")
	d.breaker.RecordResult(false)

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		d.drop(client)
	}
	return nil
}

func (d *DeepgramSTT) handleMessage(msg *msginterfaces.MessageResponse) {
	t, ok := toTranscription(msg)
	if !ok {
		return
	}

	select {
	case d.transcripts <- t:
		if t.Final {
			d.logger.Debug().Str("text", t.Text).Float64("confidence", t.Confidence).Msg("Final transcription")
		}
	default:
		d.logger.Warn().Msg("Transcript channel full, dropping transcription")
	}
}

// toTranscription extracts the best alternative from a results message
func toTranscription(msg *msginterfaces.MessageResponse) (Transcription, bool) {
	if msg == nil {
		return Transcription{}, false
	}
	if msg.Type != "Results" && msg.Type != "Message" {
		return Transcription{}, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return Transcription{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Transcription{}, false
	}

	start, duration := msg.Start, msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		start = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - start
	}

	return Transcription{
		Text:       alt.Transcript,
		Final:      msg.IsFinal,
		Confidence: alt.Confidence,
		Start:      start,
		Duration:   duration,
	}, true
}
