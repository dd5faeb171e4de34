package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/uplift-voice-bot/internal/audio"
	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
	"github.com/lexiqai/uplift-voice-bot/internal/tts"
)

var upgrader = websocket.Upgrader{
	// Twilio does not send an Origin header
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrade switches a Twilio media stream request to a websocket
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Conn is the websocket surface the transport needs. *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Params configures a Transport
type Params struct {
	// OutputFormat is the format of the synthesized audio reaching the output
	OutputFormat string
	// BufferSize is the outbound ring buffer size in bytes
	BufferSize int
	VAD        audio.VADConfig
	// Metrics records audio bytes when set
	Metrics *observability.Metrics
}

// ClientHandler is called when the caller connects or disconnects
type ClientHandler func(ctx context.Context, t *Transport)

// Transport carries one Twilio media stream. Input reads caller audio from the socket,
// Output writes synthesized audio back to it.
type Transport struct {
	conn   Conn
	params Params
	logger zerolog.Logger

	input  *inputTransport
	output *outputTransport

	mu               sync.RWMutex
	streamSid        string
	callSid          string
	customParameters map[string]string
	onConnected      []ClientHandler
	onDisconnected   []ClientHandler
	disconnectOnce   sync.Once

	writeMu sync.Mutex
}

// NewTransport wraps an upgraded Twilio websocket
func NewTransport(conn Conn, params Params) *Transport {
	if params.BufferSize <= 0 {
		params.BufferSize = 8192
	}
	if params.OutputFormat == "" {
		params.OutputFormat = tts.DefaultOutputFormat
	}

	t := &Transport{
		conn:   conn,
		params: params,
		logger: observability.Component("telephony"),
	}
	t.input = &inputTransport{t: t, vad: audio.NewVAD(params.VAD)}
	t.output = &outputTransport{t: t, buffer: audio.NewRingBuffer(params.BufferSize)}
	return t
}

// Input returns the processor that produces caller frames. It must be first in the pipeline.
func (t *Transport) Input() pipeline.Source {
	return t.input
}

// Output returns the processor that plays synthesized audio. It must be last in the pipeline.
func (t *Transport) Output() pipeline.Processor {
	return t.output
}

// OnClientConnected registers fn to run when Twilio starts the stream
func (t *Transport) OnClientConnected(fn ClientHandler) {
	t.mu.Lock()
	t.onConnected = append(t.onConnected, fn)
	t.mu.Unlock()
}

// OnClientDisconnected registers fn to run once when the stream stops or the socket closes
func (t *Transport) OnClientDisconnected(fn ClientHandler) {
	t.mu.Lock()
	t.onDisconnected = append(t.onDisconnected, fn)
	t.mu.Unlock()
}

// StreamSid returns the Twilio stream id, empty until the stream starts
func (t *Transport) StreamSid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streamSid
}

// CallSid returns the Twilio call id, empty until the stream starts
func (t *Transport) CallSid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.callSid
}

// CustomParameter returns a parameter passed through the TwiML <Stream>
func (t *Transport) CustomParameter(name string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.customParameters[name]
}

// Close closes the websocket
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) started(ctx context.Context, msg *TwilioMessage) {
	t.mu.Lock()
	t.streamSid = msg.StreamSid
	if msg.Start != nil {
		t.callSid = msg.Start.CallSid
		if msg.Start.StreamSid != "" {
			t.streamSid = msg.Start.StreamSid
		}
		t.customParameters = msg.Start.CustomParameters
	}
	handlers := append([]ClientHandler(nil), t.onConnected...)
	t.logger = t.logger.With().Str("call_sid", t.callSid).Str("stream_sid", t.streamSid).Logger()
	t.mu.Unlock()

	t.log().Info().Msg("Call started")
	for _, fn := range handlers {
		fn(ctx, t)
	}
}

func (t *Transport) disconnected(ctx context.Context) {
	t.disconnectOnce.Do(func() {
		t.mu.RLock()
		handlers := append([]ClientHandler(nil), t.onDisconnected...)
		t.mu.RUnlock()

		t.log().Info().Msg("Call stopped")
		for _, fn := range handlers {
			fn(ctx, t)
		}
	})
}

func (t *Transport) log() *zerolog.Logger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l := t.logger
	return &l
}

func (t *Transport) recordAudio(direction string, n int) {
	if t.params.Metrics != nil {
		t.params.Metrics.RecordAudioBytes(direction, int64(n))
	}
}

// sendAudio writes one μ-law chunk to Twilio
func (t *Transport) sendAudio(data []byte) error {
	streamSid := t.StreamSid()
	if streamSid == "" {
		return errors.New("stream has not started")
	}

	msg := outboundMedia{
		Event:     "media",
		StreamSid: streamSid,
		Media:     outboundMediaChunk{Payload: base64.StdEncoding.EncodeToString(data)},
	}

	t.writeMu.Lock()
	err := t.conn.WriteJSON(msg)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}
	t.recordAudio("out", len(data))
	return nil
}

// inputTransport turns Twilio events into pipeline frames
type inputTransport struct {
	t   *Transport
	vad *audio.VAD
}

func (in *inputTransport) Name() string {
	return "TwilioInputTransport"
}

func (in *inputTransport) ProcessFrame(ctx context.Context, f pipeline.Frame, out pipeline.Emitter) error {
	return out.Push(ctx, f)
}

// Run reads the socket until the stream stops, the socket closes or ctx is done
func (in *inputTransport) Run(ctx context.Context, out pipeline.Emitter) error {
	stop := context.AfterFunc(ctx, func() {
		_ = in.t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := in.t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				in.t.log().Warn().Err(err).Msg("WebSocket read error")
			}
			in.t.disconnected(ctx)
			return nil
		}

		var msg TwilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			in.t.log().Error().Err(err).Msg("Failed to parse Twilio message")
			continue
		}

		switch msg.Event {
		case "connected":
			in.t.log().Debug().Msg("Twilio stream connected")

		case "start":
			in.t.started(ctx, &msg)

		case "media":
			if err := in.handleMedia(ctx, msg.Media, out); err != nil {
				return err
			}

		case "stop":
			in.t.disconnected(ctx)
			return nil

		case "mark", "dtmf":
			in.t.log().Debug().Str("event", msg.Event).Msg("Twilio event")

		default:
			in.t.log().Warn().Str("event", msg.Event).Msg("Unknown Twilio event")
		}
	}
}

func (in *inputTransport) handleMedia(ctx context.Context, media *TwilioMedia, out pipeline.Emitter) error {
	if media == nil {
		return nil
	}
	chunk := media.Payload
	if chunk == "" {
		chunk = media.Chunk
	}
	if chunk == "" {
		in.t.log().Debug().Msg("Media event missing payload")
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		in.t.log().Warn().Err(err).Msg("Failed to decode base64 audio")
		return nil
	}
	in.t.recordAudio("in", len(data))

	switch in.vad.Analyze(audio.MulawToSamples(data)) {
	case audio.VADSpeechStarted:
		if err := out.Push(ctx, &pipeline.UserStartedSpeakingFrame{}); err != nil {
			return err
		}
	case audio.VADSpeechStopped:
		if err := out.Push(ctx, &pipeline.UserStoppedSpeakingFrame{}); err != nil {
			return err
		}
	}

	return out.Push(ctx, &pipeline.InputAudioRawFrame{
		Audio:       data,
		SampleRate:  audio.TelephonySampleRate,
		NumChannels: 1,
	})
}

// outputTransport converts synthesized audio to μ-law and sends it in 20ms frames
type outputTransport struct {
	t      *Transport
	buffer *audio.RingBuffer

	// odd trailing PCM byte carried to the next chunk
	pcmCarry []byte
	warned   bool
}

func (o *outputTransport) Name() string {
	return "TwilioOutputTransport"
}

func (o *outputTransport) ProcessFrame(ctx context.Context, f pipeline.Frame, out pipeline.Emitter) error {
	switch frame := f.(type) {
	case *pipeline.TTSAudioRawFrame:
		ulaw, ok := o.toMulaw(frame)
		if ok {
			o.write(ulaw)
		}
	case *pipeline.TTSStoppedFrame, *pipeline.EndFrame:
		o.flush()
	}
	return out.Push(ctx, f)
}

// Cleanup discards audio still buffered when the task stops without an EndFrame
func (o *outputTransport) Cleanup(context.Context) error {
	if n := o.buffer.Len(); n > 0 {
		o.t.log().Debug().Int("bytes", n).Msg("Discarding buffered audio")
	}
	o.buffer.Reset()
	o.pcmCarry = nil
	return nil
}

func (o *outputTransport) toMulaw(frame *pipeline.TTSAudioRawFrame) ([]byte, bool) {
	switch o.t.params.OutputFormat {
	case tts.FormatULAW8000x8:
		return frame.Audio, true

	case tts.FormatWAV22050x16:
		pcm := frame.Audio
		if len(o.pcmCarry) > 0 {
			pcm = append(o.pcmCarry, pcm...)
			o.pcmCarry = nil
		}
		if len(pcm)%2 == 1 {
			o.pcmCarry = []byte{pcm[len(pcm)-1]}
			pcm = pcm[:len(pcm)-1]
		}
		ulaw, err := audio.PCM16ToMulaw(pcm, frame.SampleRate, audio.TelephonySampleRate)
		if err != nil {
			o.t.log().Warn().Err(err).Msg("Failed to convert audio")
			return nil, false
		}
		return ulaw, true
	}

	if !o.warned {
		o.warned = true
		o.t.log().Warn().Str("format", o.t.params.OutputFormat).Msg("Output format cannot be played on a phone call, dropping audio")
	}
	return nil, false
}

// write buffers ulaw and sends every complete frame
func (o *outputTransport) write(ulaw []byte) {
	for len(ulaw) > 0 {
		n := o.buffer.Write(ulaw)
		ulaw = ulaw[n:]
		o.drain()
		if n == 0 && len(ulaw) > 0 {
			// buffer smaller than one frame
			o.send(ulaw)
			return
		}
	}
}

func (o *outputTransport) drain() {
	for {
		frame, ok := o.buffer.ReadFrame(audio.TelephonyFrameSize)
		if !ok {
			return
		}
		o.send(frame)
	}
}

func (o *outputTransport) flush() {
	o.pcmCarry = nil
	if rest := o.buffer.Flush(); len(rest) > 0 {
		o.send(rest)
	}
}

func (o *outputTransport) send(data []byte) {
	if err := o.t.sendAudio(data); err != nil {
		o.t.log().Debug().Err(err).Msg("Dropping outbound audio")
	}
}
