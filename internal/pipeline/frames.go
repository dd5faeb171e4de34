package pipeline

import "time"

// Frame is a unit of data or control flowing through a pipeline.
// The set of frames is closed: only types in this package implement it.
type Frame interface {
	isFrame()
}

type frame struct{}

func (frame) isFrame() {}

// MetricsSink receives processor measurements when metrics are enabled on the task
type MetricsSink interface {
	ObserveTTFB(processor string, d time.Duration)
	AddTTSUsage(processor string, characters int)
}

// System frames

// StartFrame is the first frame every processor sees
type StartFrame struct {
	frame
	AudioInSampleRate  int
	AudioOutSampleRate int
	EnableMetrics      bool
	EnableUsageMetrics bool
	Metrics            MetricsSink
}

// EndFrame asks the pipeline to finish after everything queued before it
type EndFrame struct{ frame }

// CancelFrame stops the pipeline without draining. A task consumes it at the head,
// so processors never receive it and release their resources through Cleaner instead.
type CancelFrame struct{ frame }

// ErrorFrame carries a processing error. Fatal errors cancel the task.
type ErrorFrame struct {
	frame
	Error string
	Fatal bool
}

// Audio frames

// InputAudioRawFrame is caller audio received by the input transport
type InputAudioRawFrame struct {
	frame
	Audio       []byte
	SampleRate  int
	NumChannels int
}

// TTSAudioRawFrame is synthesized audio
type TTSAudioRawFrame struct {
	frame
	Audio       []byte
	SampleRate  int
	NumChannels int
}

// TTSStartedFrame marks the start of a synthesis response
type TTSStartedFrame struct{ frame }

// TTSStoppedFrame marks the end of a successful synthesis response
type TTSStoppedFrame struct{ frame }

// Text frames

// TranscriptionFrame is speech recognized from the caller
type TranscriptionFrame struct {
	frame
	Text  string
	Final bool
}

// TextFrame is text produced by the language model
type TextFrame struct {
	frame
	Text string
}

// TTSTextFrame is text that has been spoken
type TTSTextFrame struct {
	frame
	Text string
}

// LLM frames

// LLMRunFrame asks the language model to respond to the current context
type LLMRunFrame struct{ frame }

// LLMFullResponseStartFrame opens a language model response
type LLMFullResponseStartFrame struct{ frame }

// LLMFullResponseEndFrame closes a language model response
type LLMFullResponseEndFrame struct{ frame }

// User turn frames

type UserStartedSpeakingFrame struct{ frame }

type UserStoppedSpeakingFrame struct{ frame }
