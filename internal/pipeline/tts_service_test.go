package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	frames []Frame
	errors []*ErrorFrame
}

func (e *recordingEmitter) Push(_ context.Context, f Frame) error {
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()
	return nil
}

func (e *recordingEmitter) PushError(_ context.Context, ef *ErrorFrame) error {
	e.mu.Lock()
	e.errors = append(e.errors, ef)
	e.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	ttfb  []time.Duration
	usage []int
}

func (s *recordingSink) ObserveTTFB(_ string, d time.Duration) {
	s.mu.Lock()
	s.ttfb = append(s.ttfb, d)
	s.mu.Unlock()
}

func (s *recordingSink) AddTTSUsage(_ string, characters int) {
	s.mu.Lock()
	s.usage = append(s.usage, characters)
	s.mu.Unlock()
}

type echoSynth struct {
	*TTSService
	texts []string
}

func newEchoSynth() *echoSynth {
	s := &echoSynth{}
	s.TTSService = NewTTSService("echo", s, TTSServiceParams{SampleRate: 16000})
	return s
}

func (s *echoSynth) RunTTS(ctx context.Context, text string) <-chan Frame {
	s.texts = append(s.texts, text)
	ch := make(chan Frame, 3)
	ch <- &TTSStartedFrame{}
	ch <- &TTSAudioRawFrame{Audio: []byte(text), SampleRate: s.SampleRate(), NumChannels: 1}
	ch <- &TTSStoppedFrame{}
	close(ch)
	return ch
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		sentences []string
		rest      string
	}{
		{"empty", "", nil, ""},
		{"no terminator", "hello there", nil, "hello there"},
		{"one sentence", "Hello. How", []string{"Hello."}, " How"},
		{"several", "Hi! Are you ok? Yes.", []string{"Hi!", "Are you ok?", "Yes."}, ""},
		{"urdu", "السلام علیکم۔ آپ کیسے ہیں؟", []string{"السلام علیکم۔", "آپ کیسے ہیں؟"}, ""},
		{"decimal", "It costs 3.5 rupees", nil, "It costs 3.5 rupees"},
		{"newline", "line one\nline two", []string{"line one"}, "line two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentences, rest := splitSentences(tt.text)
			require.Equal(t, tt.sentences, sentences)
			require.Equal(t, tt.rest, rest)
		})
	}
}

func TestTTSService_DefaultChunkSize(t *testing.T) {
	svc := NewTTSService("tts", nil, TTSServiceParams{SampleRate: 22050})
	require.Equal(t, 22050, svc.ChunkSize())

	svc = NewTTSService("tts", nil, TTSServiceParams{SampleRate: 22050, ChunkSize: 4096})
	require.Equal(t, 4096, svc.ChunkSize())
}

func TestTTSService_AggregatesSentences(t *testing.T) {
	ctx := context.Background()
	synth := newEchoSynth()
	out := &recordingEmitter{}

	require.NoError(t, synth.ProcessFrame(ctx, &StartFrame{}, out))
	require.NoError(t, synth.ProcessFrame(ctx, &LLMFullResponseStartFrame{}, out))
	require.NoError(t, synth.ProcessFrame(ctx, &TextFrame{Text: "Hello"}, out))
	require.NoError(t, synth.ProcessFrame(ctx, &TextFrame{Text: " world. How"}, out))
	require.Equal(t, []string{"Hello world."}, synth.texts)

	require.NoError(t, synth.ProcessFrame(ctx, &TextFrame{Text: " are you"}, out))
	require.NoError(t, synth.ProcessFrame(ctx, &LLMFullResponseEndFrame{}, out))
	require.Equal(t, []string{"Hello world.", "How are you"}, synth.texts)

	require.IsType(t, &StartFrame{}, out.frames[0])
	require.IsType(t, &LLMFullResponseStartFrame{}, out.frames[1])
	require.IsType(t, &TTSStartedFrame{}, out.frames[2])
	require.IsType(t, &TTSAudioRawFrame{}, out.frames[3])
	require.IsType(t, &TTSStoppedFrame{}, out.frames[4])
	spoken, ok := out.frames[5].(*TTSTextFrame)
	require.True(t, ok)
	require.Equal(t, "Hello world.", spoken.Text)
	require.IsType(t, &LLMFullResponseEndFrame{}, out.frames[len(out.frames)-1])
}

func TestTTSService_WhitespaceIsNotSpoken(t *testing.T) {
	ctx := context.Background()
	synth := newEchoSynth()
	out := &recordingEmitter{}

	require.NoError(t, synth.ProcessFrame(ctx, &TextFrame{Text: "  "}, out))
	require.NoError(t, synth.ProcessFrame(ctx, &EndFrame{}, out))
	require.Empty(t, synth.texts)
	require.Len(t, out.frames, 1)
}

func TestTTSService_Metrics(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	svc := NewTTSService("tts", nil, TTSServiceParams{SampleRate: 22050})
	require.NoError(t, svc.Start(ctx, &StartFrame{EnableMetrics: true, EnableUsageMetrics: true, Metrics: sink}))

	svc.StartTTFBMetrics()
	svc.StopTTFBMetrics()
	svc.StopTTFBMetrics()
	require.Len(t, sink.ttfb, 1)

	svc.StartTTSUsageMetrics("سلام")
	require.Equal(t, []int{4}, sink.usage)
}

func TestTTSService_MetricsDisabled(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	svc := NewTTSService("tts", nil, TTSServiceParams{SampleRate: 22050})
	require.NoError(t, svc.Start(ctx, &StartFrame{EnableMetrics: true, Metrics: sink}))

	svc.StartTTSUsageMetrics("hello")
	require.Empty(t, sink.usage)

	require.NoError(t, svc.Start(ctx, &StartFrame{Metrics: sink}))
	svc.StartTTFBMetrics()
	svc.StopTTFBMetrics()
	require.Empty(t, sink.ttfb)
}

func TestTTSService_PushError(t *testing.T) {
	ctx := context.Background()
	svc := NewTTSService("tts", nil, TTSServiceParams{SampleRate: 22050})

	// no publisher yet, only logged
	svc.PushError(ctx, "lost")

	out := &recordingEmitter{}
	svc.SetErrorPublisher(out)
	svc.PushError(ctx, "boom")
	require.Len(t, out.errors, 1)
	require.Equal(t, "boom", out.errors[0].Error)
}

func TestTTSService_Voice(t *testing.T) {
	svc := NewTTSService("tts", nil, TTSServiceParams{SampleRate: 22050})
	svc.SetVoice("v_kwmp7zxt")
	require.Equal(t, "v_kwmp7zxt", svc.Voice())
	require.Equal(t, "tts", svc.Name())
}
