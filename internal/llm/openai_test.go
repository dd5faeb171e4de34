package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
	"github.com/lexiqai/uplift-voice-bot/internal/resilience"
)

type recordingEmitter struct {
	mu     sync.Mutex
	frames []pipeline.Frame
	errors []*pipeline.ErrorFrame
}

func (e *recordingEmitter) Push(_ context.Context, f pipeline.Frame) error {
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()
	return nil
}

func (e *recordingEmitter) PushError(_ context.Context, ef *pipeline.ErrorFrame) error {
	e.mu.Lock()
	e.errors = append(e.errors, ef)
	e.mu.Unlock()
	return nil
}

func (e *recordingEmitter) texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, f := range e.frames {
		if tf, ok := f.(*pipeline.TextFrame); ok {
			out = append(out, tf.Text)
		}
	}
	return out
}

type chatServer struct {
	*httptest.Server
	requests atomic.Int32

	mu       sync.Mutex
	received []openai.ChatCompletionRequest
}

// newChatServer streams deltas as server-sent events. Requests before failUntil answer with status.
func newChatServer(t *testing.T, deltas []string, failUntil int32, status int) *chatServer {
	t.Helper()
	s := &chatServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)

		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			s.mu.Lock()
			s.received = append(s.received, req)
			s.mu.Unlock()
		}

		if n <= failUntil {
			http.Error(w, http.StatusText(status), status)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			chunk := openai.ChatCompletionStreamResponse{
				ID:     "chatcmpl-1",
				Object: "chat.completion.chunk",
				Model:  "gpt-4o-mini",
				Choices: []openai.ChatCompletionStreamChoice{
					{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: d}},
				},
			}
			body, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", body)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) lastRequest(t *testing.T) openai.ChatCompletionRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.received)
	return s.received[len(s.received)-1]
}

func newTestLLM(t *testing.T, url string) *OpenAILLM {
	t.Helper()
	l, err := NewOpenAILLM(Options{
		APIKey:       "sk-test",
		BaseURL:      url + "/v1",
		SystemPrompt: "You are helpful.",
		Breaker:      resilience.NewCircuitBreaker("openai-test", 10, time.Minute),
		Retry:        resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
	require.NoError(t, err)
	return l
}

func TestNewOpenAILLM(t *testing.T) {
	_, err := NewOpenAILLM(Options{})
	require.Error(t, err)

	l, err := NewOpenAILLM(Options{APIKey: "sk-test"})
	require.NoError(t, err)
	require.Equal(t, DefaultModel, l.model)
	require.Empty(t, l.Messages())
	require.Equal(t, ServiceName, l.Name())
}

func TestOpenAILLM_RunStreamsResponse(t *testing.T) {
	server := newChatServer(t, []string{"Assalam ", "o alaikum", ""}, 0, 0)
	l := newTestLLM(t, server.URL)
	l.AppendSystem("Please introduce yourself to the user.")
	out := &recordingEmitter{}

	require.NoError(t, l.ProcessFrame(context.Background(), &pipeline.LLMRunFrame{}, out))

	require.Empty(t, out.errors)
	require.Len(t, out.frames, 4)
	require.IsType(t, &pipeline.LLMFullResponseStartFrame{}, out.frames[0])
	require.IsType(t, &pipeline.LLMFullResponseEndFrame{}, out.frames[3])
	require.Equal(t, []string{"Assalam ", "o alaikum"}, out.texts())

	req := server.lastRequest(t)
	require.True(t, req.Stream)
	require.Equal(t, DefaultModel, req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[1].Role)

	messages := l.Messages()
	require.Len(t, messages, 3)
	require.Equal(t, openai.ChatMessageRoleAssistant, messages[2].Role)
	require.Equal(t, "Assalam o alaikum", messages[2].Content)
}

func TestOpenAILLM_FinalTranscriptionStartsTurn(t *testing.T) {
	server := newChatServer(t, []string{"Ji"}, 0, 0)
	l := newTestLLM(t, server.URL)
	out := &recordingEmitter{}
	ctx := context.Background()

	require.NoError(t, l.ProcessFrame(ctx, &pipeline.TranscriptionFrame{Text: "mujhe", Final: false}, out))
	require.Zero(t, server.requests.Load())

	require.NoError(t, l.ProcessFrame(ctx, &pipeline.TranscriptionFrame{Text: " mujhe bukhar hai ", Final: true}, out))
	require.EqualValues(t, 1, server.requests.Load())

	req := server.lastRequest(t)
	require.Equal(t, openai.ChatMessageRoleUser, req.Messages[len(req.Messages)-1].Role)
	require.Equal(t, "mujhe bukhar hai", req.Messages[len(req.Messages)-1].Content)
	require.Equal(t, []string{"Ji"}, out.texts())
}

func TestOpenAILLM_WaitsForUserToStopSpeaking(t *testing.T) {
	server := newChatServer(t, []string{"Theek hai"}, 0, 0)
	l := newTestLLM(t, server.URL)
	out := &recordingEmitter{}
	ctx := context.Background()

	require.NoError(t, l.ProcessFrame(ctx, &pipeline.UserStartedSpeakingFrame{}, out))
	require.NoError(t, l.ProcessFrame(ctx, &pipeline.TranscriptionFrame{Text: "sar dard", Final: true}, out))
	require.NoError(t, l.ProcessFrame(ctx, &pipeline.TranscriptionFrame{Text: "aur bukhar", Final: true}, out))
	require.Zero(t, server.requests.Load())

	require.NoError(t, l.ProcessFrame(ctx, &pipeline.UserStoppedSpeakingFrame{}, out))
	require.EqualValues(t, 1, server.requests.Load())

	req := server.lastRequest(t)
	require.Equal(t, "sar dard aur bukhar", req.Messages[len(req.Messages)-1].Content)

	require.IsType(t, &pipeline.UserStartedSpeakingFrame{}, out.frames[0])
	require.IsType(t, &pipeline.UserStoppedSpeakingFrame{}, out.frames[1])

	// a pause with nothing transcribed does not trigger a completion
	require.NoError(t, l.ProcessFrame(ctx, &pipeline.UserStartedSpeakingFrame{}, out))
	require.NoError(t, l.ProcessFrame(ctx, &pipeline.UserStoppedSpeakingFrame{}, out))
	require.EqualValues(t, 1, server.requests.Load())
}

func TestOpenAILLM_RetriesTransientFailures(t *testing.T) {
	server := newChatServer(t, []string{"ok"}, 2, http.StatusServiceUnavailable)
	l := newTestLLM(t, server.URL)
	out := &recordingEmitter{}

	require.NoError(t, l.ProcessFrame(context.Background(), &pipeline.LLMRunFrame{}, out))

	require.EqualValues(t, 3, server.requests.Load())
	require.Empty(t, out.errors)
	require.Equal(t, []string{"ok"}, out.texts())
}

func TestOpenAILLM_PermanentFailureIsPublished(t *testing.T) {
	server := newChatServer(t, nil, 100, http.StatusUnauthorized)
	l := newTestLLM(t, server.URL)
	out := &recordingEmitter{}

	require.NoError(t, l.ProcessFrame(context.Background(), &pipeline.LLMRunFrame{}, out))

	require.EqualValues(t, 1, server.requests.Load())
	require.Empty(t, out.frames)
	require.Len(t, out.errors, 1)
	require.False(t, out.errors[0].Fatal)
	require.Contains(t, out.errors[0].Error, ServiceName)
	require.Len(t, l.Messages(), 1)
}

func TestOpenAILLM_OpenCircuitFailsFast(t *testing.T) {
	server := newChatServer(t, []string{"ok"}, 0, 0)
	l := newTestLLM(t, server.URL)
	l.breaker = resilience.NewCircuitBreaker("openai-open", 1, time.Hour)
	l.breaker.RecordResult(false)
	out := &recordingEmitter{}

	require.NoError(t, l.ProcessFrame(context.Background(), &pipeline.LLMRunFrame{}, out))

	require.Zero(t, server.requests.Load())
	require.Len(t, out.errors, 1)
	require.Contains(t, out.errors[0].Error, resilience.ErrCircuitOpen.Error())
}

func TestOpenAILLM_PassesOtherFrames(t *testing.T) {
	l := newTestLLM(t, "http://127.0.0.1:0")
	out := &recordingEmitter{}

	require.NoError(t, l.ProcessFrame(context.Background(), &pipeline.TTSTextFrame{Text: "x"}, out))
	require.Len(t, out.frames, 1)
}

func TestIsRetryable(t *testing.T) {
	require.True(t, isRetryable(classify(&openai.RequestError{HTTPStatusCode: http.StatusServiceUnavailable})))
	require.True(t, isRetryable(classify(&openai.APIError{HTTPStatusCode: http.StatusTooManyRequests})))
	require.False(t, isRetryable(classify(&openai.APIError{HTTPStatusCode: http.StatusUnauthorized})))
	require.True(t, isRetryable(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	require.False(t, isRetryable(context.Canceled))
	require.False(t, isRetryable(resilience.ErrCircuitOpen))

	// a status error is judged by its status, never by its message
	require.False(t, isRetryable(&openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "service unavailable"}))
	require.False(t, isRetryable(&openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable}))

	marked := classify(&openai.APIError{HTTPStatusCode: http.StatusBadGateway, Message: "bad gateway"})
	require.True(t, resilience.IsRetryable(marked))
	var apiErr *openai.APIError
	require.ErrorAs(t, marked, &apiErr)
}
