package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
	"github.com/lexiqai/uplift-voice-bot/internal/resilience"
)

const (
	// ServiceName names the processor in logs and metrics
	ServiceName = "OpenAILLMService"

	DefaultModel = "gpt-4o-mini"

	tracerName = "github.com/lexiqai/uplift-voice-bot/internal/llm"
	stage      = "llm"
)

// Options configures an OpenAILLM
type Options struct {
	APIKey  string
	BaseURL string // optional; any OpenAI compatible endpoint
	Model   string

	// SystemPrompt becomes the first message of the conversation when set
	SystemPrompt string

	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	Retry      resilience.RetryConfig

	// Metrics records per-call stage latency when set
	Metrics *observability.Metrics
}

// OpenAILLM keeps the conversation context and streams chat completions for each user turn
type OpenAILLM struct {
	client  *openai.Client
	model   string
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	messages []openai.ChatCompletionMessage

	// turn state, only touched from ProcessFrame
	pending      []string
	userSpeaking bool
}

// NewOpenAILLM creates a streaming chat completion processor
func NewOpenAILLM(opts Options) (*OpenAILLM, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("openai", 5, time.Minute)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}

	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		config.HTTPClient = opts.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}

	l := &OpenAILLM{
		client:  openai.NewClientWithConfig(config),
		model:   opts.Model,
		breaker: opts.Breaker,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		logger:  observability.Component("llm").With().Str("processor", ServiceName).Str("model", opts.Model).Logger(),
		tracer:  otel.Tracer(tracerName),
	}
	if opts.SystemPrompt != "" {
		l.AppendSystem(opts.SystemPrompt)
	}
	return l, nil
}

func (l *OpenAILLM) Name() string {
	return ServiceName
}

// AppendSystem adds a system message to the conversation
func (l *OpenAILLM) AppendSystem(content string) {
	l.appendMessage(openai.ChatMessageRoleSystem, content)
}

// Messages returns a copy of the conversation so far
func (l *OpenAILLM) Messages() []openai.ChatCompletionMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]openai.ChatCompletionMessage(nil), l.messages...)
}

func (l *OpenAILLM) appendMessage(role, content string) {
	l.mu.Lock()
	l.messages = append(l.messages, openai.ChatCompletionMessage{Role: role, Content: content})
	l.mu.Unlock()
}

// ProcessFrame collects final transcriptions into a user turn. The turn is answered once the
// caller stops speaking, or right away when the transcription arrives after the pause.
// LLMRunFrame answers the current context without adding a user message.
func (l *OpenAILLM) ProcessFrame(ctx context.Context, f pipeline.Frame, out pipeline.Emitter) error {
	switch frame := f.(type) {
	case *pipeline.TranscriptionFrame:
		if !frame.Final || strings.TrimSpace(frame.Text) == "" {
			return nil
		}
		l.pending = append(l.pending, strings.TrimSpace(frame.Text))
		if l.userSpeaking {
			return nil
		}
		return l.completeTurn(ctx, out)

	case *pipeline.UserStartedSpeakingFrame:
		l.userSpeaking = true
		return out.Push(ctx, f)

	case *pipeline.UserStoppedSpeakingFrame:
		l.userSpeaking = false
		if err := out.Push(ctx, f); err != nil {
			return err
		}
		if len(l.pending) == 0 {
			return nil
		}
		return l.completeTurn(ctx, out)

	case *pipeline.LLMRunFrame:
		return l.run(ctx, out)
	}
	return out.Push(ctx, f)
}

func (l *OpenAILLM) completeTurn(ctx context.Context, out pipeline.Emitter) error {
	l.appendMessage(openai.ChatMessageRoleUser, strings.Join(l.pending, " "))
	l.pending = l.pending[:0]
	return l.run(ctx, out)
}

// run streams one completion. Failures are published as error frames and do not stop the pipeline.
func (l *OpenAILLM) run(ctx context.Context, out pipeline.Emitter) error {
	messages := l.Messages()
	ctx, span := l.tracer.Start(ctx, "llm.openai.completion", trace.WithAttributes(
		attribute.String("llm.model", l.model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	if l.metrics != nil {
		l.metrics.RecordStageStart(stage)
	}

	stream, err := l.openStream(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return l.fail(ctx, out, span, err)
	}
	defer stream.Close()

	if err := out.Push(ctx, &pipeline.LLMFullResponseStartFrame{}); err != nil {
		return err
	}

	var reply strings.Builder
	var streamErr error
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			reply.WriteString(choice.Delta.Content)
			if err := out.Push(ctx, &pipeline.TextFrame{Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}

	if reply.Len() > 0 {
		l.appendMessage(openai.ChatMessageRoleAssistant, reply.String())
	}
	span.SetAttributes(attribute.Int("llm.reply_length", reply.Len()))

	if err := out.Push(ctx, &pipeline.LLMFullResponseEndFrame{}); err != nil {
		return err
	}
	if streamErr != nil && ctx.Err() == nil {
		return l.fail(ctx, out, span, streamErr)
	}

	if l.metrics != nil {
		l.metrics.RecordStageEnd(stage, true)
	}
	return nil
}

func (l *OpenAILLM) openStream(ctx context.Context, messages []openai.ChatCompletionMessage) (*openai.ChatCompletionStream, error) {
	req := openai.ChatCompletionRequest{
		Model:    l.model,
		Messages: messages,
		Stream:   true,
	}

	var stream *openai.ChatCompletionStream
	err := resilience.Retry(ctx, l.retry, isRetryable, func(ctx context.Context) error {
		return l.breaker.Execute(ctx, func(ctx context.Context) error {
			s, err := l.client.CreateChatCompletionStream(ctx, req)
			if err != nil {
				return classify(err)
			}
			stream = s
			return nil
		})
	})
	return stream, err
}

func (l *OpenAILLM) fail(ctx context.Context, out pipeline.Emitter, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if l.metrics != nil {
		l.metrics.RecordStageEnd(stage, false)
		l.metrics.RecordError("completion", stage)
	}
	l.logger.Error().Err(err).Msg("Chat completion failed")
	return out.PushError(ctx, pipeline.Errorf("%s: %v", ServiceName, err))
}

// classify marks throttling and server side failures as retryable
func classify(err error) error {
	switch httpStatus(err) {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return resilience.NewRetryableError(err)
	}
	return err
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		return reqErr.HTTPStatusCode
	}
	return 0
}

// isRetryable retries errors marked by classify. Errors without an HTTP status fall back to network checks.
func isRetryable(err error) bool {
	if resilience.IsRetryable(err) {
		return true
	}
	if httpStatus(err) != 0 {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
