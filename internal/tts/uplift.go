package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
)

const (
	ServiceName         = "UpliftHttpTTSService"
	DefaultBaseURL      = "https://api.upliftai.org/v1/synthesis/text-to-speech"
	DefaultVoiceID      = VoiceInfoEdu
	DefaultOutputFormat = FormatWAV22050x16
	DefaultSampleRate   = 22050

	// MaxTextLength is the longest text Uplift accepts, in characters
	MaxTextLength = 2500

	wavHeaderSize = 44
	tracerName    = "github.com/lexiqai/uplift-voice-bot/internal/tts"
)

// Options configures an UpliftHTTPService. Empty fields take the defaults.
type Options struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	OutputFormat string
	SampleRate   int
	// ChunkSize is the maximum number of bytes per audio frame, zero for the pipeline default
	ChunkSize int
	// Client is borrowed when set and never closed by the service
	Client HTTPClient
	Params *InputParams
}

type settings struct {
	voiceID      string
	outputFormat string
}

type synthesisRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voiceId"`
	OutputFormat string `json:"outputFormat"`
}

// UpliftHTTPService synthesizes speech with the Uplift HTTP API
type UpliftHTTPService struct {
	*pipeline.TTSService

	apiKey   string
	baseURL  string
	session  session
	logger   zerolog.Logger
	tracer   trace.Tracer
	warnings []Validation

	mu       sync.RWMutex
	settings settings
}

var _ pipeline.Processor = (*UpliftHTTPService)(nil)
var _ pipeline.Synthesizer = (*UpliftHTTPService)(nil)

// New creates the service. It fails with a *ConfigurationError when the API key is missing.
func New(opts Options) (*UpliftHTTPService, error) {
	if opts.APIKey == "" {
		return nil, &ConfigurationError{Field: "api key", Reason: "is missing"}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.VoiceID == "" {
		opts.VoiceID = DefaultVoiceID
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = DefaultOutputFormat
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if p := opts.Params; p != nil {
		if p.VoiceID != "" {
			opts.VoiceID = p.VoiceID
		}
		if p.OutputFormat != "" {
			opts.OutputFormat = p.OutputFormat
		}
	}

	s := &UpliftHTTPService{
		apiKey:  opts.APIKey,
		baseURL: opts.BaseURL,
		logger:  observability.Component("uplift_tts"),
		tracer:  otel.Tracer(tracerName),
		settings: settings{
			voiceID:      opts.VoiceID,
			outputFormat: opts.OutputFormat,
		},
	}
	s.TTSService = pipeline.NewTTSService(ServiceName, s, pipeline.TTSServiceParams{
		SampleRate: opts.SampleRate,
		ChunkSize:  opts.ChunkSize,
	})

	if opts.Client != nil {
		s.session = borrowedSession{c: opts.Client}
	} else {
		s.session = newOwnedSession()
		s.logger.Debug().Msg("Created internal HTTP session")
	}

	for _, v := range []Validation{validateFormat(opts.OutputFormat), validateVoice(opts.VoiceID)} {
		if !v.OK() {
			s.warnings = append(s.warnings, v)
			s.logger.Warn().Err(v.Warning).Msg("Unknown Uplift setting")
		}
	}
	s.SetVoice(opts.VoiceID)

	s.logger.Debug().
		Str("voice_id", opts.VoiceID).
		Str("output_format", opts.OutputFormat).
		Int("sample_rate", opts.SampleRate).
		Int("chunk_size", s.ChunkSize()).
		Msg("Uplift HTTP TTS initialized")

	return s, nil
}

// Warnings returns the validation warnings raised by New
func (s *UpliftHTTPService) Warnings() []Validation {
	return s.warnings
}

// VoiceID returns the voice used for the next request
func (s *UpliftHTTPService) VoiceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.voiceID
}

// OutputFormat returns the format used for the next request
func (s *UpliftHTTPService) OutputFormat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.outputFormat
}

// SetVoiceID switches the voice. Unknown voices are used anyway and reported in the result.
func (s *UpliftHTTPService) SetVoiceID(voiceID string) Validation {
	v := validateVoice(voiceID)
	if !v.OK() {
		s.logger.Warn().Err(v.Warning).Msg("Unknown Uplift voice")
	}
	s.logger.Info().Str("voice_id", voiceID).Msg("Switching Uplift TTS voice")

	s.mu.Lock()
	s.settings.voiceID = voiceID
	s.SetVoice(voiceID)
	s.mu.Unlock()
	return v
}

// SetOutputFormat switches the output format. Unknown formats are used anyway and reported in the result.
func (s *UpliftHTTPService) SetOutputFormat(format string) Validation {
	v := validateFormat(format)
	if !v.OK() {
		s.logger.Warn().Err(v.Warning).Msg("Unknown Uplift output format")
	}
	s.logger.Info().Str("output_format", format).Msg("Switching Uplift TTS output format")

	s.mu.Lock()
	s.settings.outputFormat = format
	s.mu.Unlock()
	return v
}

// CanGenerateMetrics reports that the service produces TTFB and usage metrics
func (s *UpliftHTTPService) CanGenerateMetrics() bool {
	return true
}

// Start applies the pipeline start settings. The sample rate is fixed at construction.
func (s *UpliftHTTPService) Start(ctx context.Context, frame *pipeline.StartFrame) error {
	if err := s.TTSService.Start(ctx, frame); err != nil {
		return err
	}
	s.logger.Debug().
		Int("sample_rate", s.SampleRate()).
		Int("pipeline_sample_rate", frame.AudioOutSampleRate).
		Msg("Uplift TTS started")
	return nil
}

// ProcessFrame handles pipeline frames and releases the session once an EndFrame has been spoken
func (s *UpliftHTTPService) ProcessFrame(ctx context.Context, f pipeline.Frame, out pipeline.Emitter) error {
	err := s.TTSService.ProcessFrame(ctx, f, out)
	if _, ok := f.(*pipeline.EndFrame); ok {
		if cerr := s.Cleanup(ctx); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

// Cleanup closes the session if the service created it. Safe to call more than once.
// A task calls it when it stops, which covers cancellation.
func (s *UpliftHTTPService) Cleanup(ctx context.Context) error {
	if s.session.close() {
		s.logger.Debug().Msg("Closed internal HTTP session")
	}
	return nil
}

// Close implements io.Closer
func (s *UpliftHTTPService) Close() error {
	return s.Cleanup(context.Background())
}

// With runs fn with svc and always cleans svc up afterwards, also when fn panics
func With(svc *UpliftHTTPService, fn func(*UpliftHTTPService) error) (err error) {
	defer func() {
		err = errors.Join(err, svc.Close())
	}()
	return fn(svc)
}

// RunTTS synthesizes text and streams the result. The returned channel is closed
// when synthesis finishes, fails or ctx is done.
func (s *UpliftHTTPService) RunTTS(ctx context.Context, text string) <-chan pipeline.Frame {
	out := make(chan pipeline.Frame)
	go s.run(ctx, text, out)
	return out
}

type runState int

const (
	stateNotStarted runState = iota
	stateStreaming
	stateDone
	stateFailed
)

func (st runState) String() string {
	switch st {
	case stateNotStarted:
		return "not_started"
	case stateStreaming:
		return "streaming"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// synthesis is one RunTTS call
type synthesis struct {
	svc   *UpliftHTTPService
	out   chan<- pipeline.Frame
	span  trace.Span
	state runState
}

func (s *UpliftHTTPService) run(ctx context.Context, text string, out chan<- pipeline.Frame) {
	defer close(out)

	s.logger.Debug().Str("text", text).Msg("Generating TTS")

	text, truncated := truncate(text, MaxTextLength)
	if truncated {
		s.logger.Warn().Int("max_length", MaxTextLength).Msg("Text exceeds Uplift's maximum length, truncating")
	}

	ctx, span := s.tracer.Start(ctx, "tts.uplift.run", trace.WithAttributes(
		attribute.String("gen_ai.system", "upliftai"),
		attribute.Int("tts.text_length", utf8.RuneCountInString(text)),
		attribute.Bool("tts.truncated", truncated),
	))
	defer span.End()

	r := &synthesis{svc: s, out: out, span: span}

	s.StartTTFBMetrics()
	if !r.emit(ctx, &pipeline.TTSStartedFrame{}) {
		return
	}
	r.state = stateStreaming

	audio, err := s.fetch(ctx, text)
	if err != nil {
		r.fail(ctx, err)
		return
	}

	for _, chunk := range split(audio, s.ChunkSize()) {
		s.StopTTFBMetrics()
		frame := &pipeline.TTSAudioRawFrame{Audio: chunk, SampleRate: s.SampleRate(), NumChannels: 1}
		if !r.emit(ctx, frame) {
			return
		}
	}

	if r.emit(ctx, &pipeline.TTSStoppedFrame{}) {
		r.state = stateDone
		span.SetAttributes(attribute.Int("tts.audio_bytes", len(audio)))
	}
}

// emit hands a frame to the consumer, giving up when ctx is done
func (r *synthesis) emit(ctx context.Context, f pipeline.Frame) bool {
	select {
	case r.out <- f:
		return true
	case <-ctx.Done():
		r.svc.logger.Debug().Str("state", r.state.String()).Msg("TTS cancelled")
		return false
	}
}

// fail reports err once through the error channel and once in the stream
func (r *synthesis) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		r.svc.logger.Debug().Err(err).Str("state", r.state.String()).Msg("TTS cancelled")
		return
	}
	r.state = stateFailed

	var remote *RemoteServiceError
	msg := err.Error()
	if !errors.As(err, &remote) {
		msg = fmt.Sprintf("TTS generation error: %v", err)
	}

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, msg)
	r.svc.logger.Error().Str("error", msg).Msg("Uplift TTS failed")

	r.svc.PushError(ctx, msg)
	r.emit(ctx, &pipeline.ErrorFrame{Error: msg})
}

// fetch posts text and returns the audio ready to be split
func (s *UpliftHTTPService) fetch(ctx context.Context, text string) ([]byte, error) {
	s.mu.RLock()
	st := s.settings
	s.mu.RUnlock()

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("tts.voice_id", st.voiceID),
		attribute.String("tts.output_format", st.outputFormat),
	)

	client, err := s.session.client()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(synthesisRequest{
		Text:         text,
		VoiceID:      st.voiceID,
		OutputFormat: st.outputFormat,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, &RemoteServiceError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	s.StartTTSUsageMetrics(text)

	return stripHeader(audio, st.outputFormat), nil
}

// stripHeader drops the RIFF header of WAV formats. Other formats carry no header.
func stripHeader(audio []byte, format string) []byte {
	if !strings.HasPrefix(format, "WAV_") {
		return audio
	}
	if len(audio) <= wavHeaderSize {
		return nil
	}
	return audio[wavHeaderSize:]
}

// split cuts audio into consecutive chunks of at most size bytes. It never returns an empty chunk.
func split(audio []byte, size int) [][]byte {
	if size <= 0 {
		size = len(audio)
	}
	var chunks [][]byte
	for len(audio) > 0 {
		n := min(size, len(audio))
		chunks = append(chunks, audio[:n])
		audio = audio[n:]
	}
	return chunks
}

// truncate shortens text to at most limit characters
func truncate(text string, limit int) (string, bool) {
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i], true
		}
		n++
	}
	return text, false
}
