package stt

import "errors"

// ErrNotConnected is returned when audio arrives while no Deepgram stream is open
var ErrNotConnected = errors.New("deepgram stream is not connected")

// Transcription represents a transcription result from Deepgram
type Transcription struct {
	// Text is the transcribed text
	Text string

	// Final is false for interim results that may still change
	Final bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Start and Duration locate the utterance in the stream, in seconds
	Start    float64
	Duration float64
}

// liveClient is the part of the Deepgram websocket client the processor uses
type liveClient interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}
