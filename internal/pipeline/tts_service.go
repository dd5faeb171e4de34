package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/uplift-voice-bot/internal/observability"
)

// Synthesizer is implemented by concrete TTS services built on TTSService
type Synthesizer interface {
	Start(ctx context.Context, frame *StartFrame) error
	RunTTS(ctx context.Context, text string) <-chan Frame
}

// ErrorPublisher receives errors reported by a service outside of its frame stream
type ErrorPublisher interface {
	PushError(ctx context.Context, ef *ErrorFrame) error
}

// TTSServiceParams configures the shared part of a TTS service
type TTSServiceParams struct {
	SampleRate int
	// ChunkSize is the maximum number of audio bytes per frame. Zero means half a second of 16-bit mono audio.
	ChunkSize int
}

// TTSService implements what every TTS service shares: sentence aggregation,
// voice registration, metrics and error publishing. Concrete services embed it
// and supply RunTTS.
type TTSService struct {
	name       string
	synth      Synthesizer
	sampleRate int
	chunkSize  int
	logger     zerolog.Logger

	mu             sync.Mutex
	voice          string
	metrics        MetricsSink
	metricsEnabled bool
	usageEnabled   bool
	ttfbStart      time.Time
	publisher      ErrorPublisher

	// pending text, only touched from ProcessFrame
	text strings.Builder
}

// NewTTSService creates the base for a TTS service named name
func NewTTSService(name string, synth Synthesizer, params TTSServiceParams) *TTSService {
	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = params.SampleRate // 2 bytes per sample, half a second
	}
	return &TTSService{
		name:       name,
		synth:      synth,
		sampleRate: params.SampleRate,
		chunkSize:  chunkSize,
		logger:     observability.Component(name),
	}
}

func (s *TTSService) Name() string {
	return s.name
}

// SampleRate returns the rate of the audio this service produces
func (s *TTSService) SampleRate() int {
	return s.sampleRate
}

// ChunkSize returns the maximum number of bytes per audio frame
func (s *TTSService) ChunkSize() int {
	return s.chunkSize
}

// SetVoice registers the voice the service speaks with
func (s *TTSService) SetVoice(voice string) {
	s.mu.Lock()
	s.voice = voice
	s.mu.Unlock()
}

// Voice returns the registered voice
func (s *TTSService) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SetErrorPublisher sets where PushError delivers errors. The pipeline sets it on start.
func (s *TTSService) SetErrorPublisher(p ErrorPublisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// Start applies the task's metrics settings
func (s *TTSService) Start(ctx context.Context, frame *StartFrame) error {
	s.mu.Lock()
	s.metrics = frame.Metrics
	s.metricsEnabled = frame.EnableMetrics
	s.usageEnabled = frame.EnableMetrics && frame.EnableUsageMetrics
	s.mu.Unlock()
	return nil
}

// StartTTFBMetrics starts measuring time to first byte
func (s *TTSService) StartTTFBMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsEnabled {
		s.ttfbStart = time.Now()
	}
}

// StopTTFBMetrics records time to first byte. Calls after the first one are ignored until the next start.
func (s *TTSService) StopTTFBMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttfbStart.IsZero() {
		return
	}
	d := time.Since(s.ttfbStart)
	s.ttfbStart = time.Time{}
	if s.metrics != nil {
		s.metrics.ObserveTTFB(s.name, d)
	}
	s.logger.Debug().Dur("ttfb", d).Msg("TTFB")
}

// StartTTSUsageMetrics records the characters of text sent for synthesis
func (s *TTSService) StartTTSUsageMetrics(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.usageEnabled || s.metrics == nil {
		return
	}
	s.metrics.AddTTSUsage(s.name, utf8.RuneCountInString(text))
}

// PushError publishes an error message to the task
func (s *TTSService) PushError(ctx context.Context, msg string) {
	s.mu.Lock()
	p := s.publisher
	s.mu.Unlock()

	if p == nil {
		s.logger.Error().Str("error", msg).Msg("TTS error with no publisher")
		return
	}
	if err := p.PushError(ctx, &ErrorFrame{Error: msg}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish TTS error")
	}
}

// ProcessFrame aggregates LLM text into sentences and speaks each of them
func (s *TTSService) ProcessFrame(ctx context.Context, f Frame, out Emitter) error {
	switch f := f.(type) {
	case *StartFrame:
		s.SetErrorPublisher(out)
		if err := s.synth.Start(ctx, f); err != nil {
			return err
		}
		return out.Push(ctx, f)

	case *TextFrame:
		s.text.WriteString(f.Text)
		sentences, rest := splitSentences(s.text.String())
		s.text.Reset()
		s.text.WriteString(rest)
		for _, sentence := range sentences {
			if err := s.speak(ctx, sentence, out); err != nil {
				return err
			}
		}
		return nil

	case *LLMFullResponseEndFrame, *EndFrame:
		if err := s.flush(ctx, out); err != nil {
			return err
		}
		return out.Push(ctx, f)

	default:
		return out.Push(ctx, f)
	}
}

func (s *TTSService) flush(ctx context.Context, out Emitter) error {
	text := s.text.String()
	s.text.Reset()
	return s.speak(ctx, text, out)
}

func (s *TTSService) speak(ctx context.Context, text string, out Emitter) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for f := range s.synth.RunTTS(ctx, text) {
		if err := out.Push(ctx, f); err != nil {
			return err
		}
	}
	return out.Push(ctx, &TTSTextFrame{Text: text})
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '۔', '؟', '\n':
		return true
	}
	return false
}

// splitSentences returns the complete sentences in text and the unfinished remainder.
// A period followed by a digit does not end a sentence.
func splitSentences(text string) ([]string, string) {
	var sentences []string
	start := 0
	for i, r := range text {
		if !isSentenceEnd(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		if r == '.' {
			if next, _ := utf8.DecodeRuneInString(text[end:]); unicode.IsDigit(next) {
				continue
			}
		}
		if sentence := strings.TrimSpace(text[start:end]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end
	}
	return sentences, text[start:]
}
