package tts

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Uplift voices
const (
	VoiceInfoEdu       = "v_8eelc901"
	VoiceGenZ          = "v_kwmp7zxt"
	VoiceDadaJee       = "v_yypgzenx"
	VoiceNostalgicNews = "v_30s70t3a"
)

// Uplift output formats
const (
	FormatWAV22050x16  = "WAV_22050_16"
	FormatWAV22050x32  = "WAV_22050_32"
	FormatMP322050x32  = "MP3_22050_32"
	FormatMP322050x64  = "MP3_22050_64"
	FormatMP322050x128 = "MP3_22050_128"
	FormatOGG22050x16  = "OGG_22050_16"
	FormatULAW8000x8   = "ULAW_8000_8"
)

// KnownVoices lists the voices Uplift documents
var KnownVoices = []string{VoiceInfoEdu, VoiceGenZ, VoiceDadaJee, VoiceNostalgicNews}

// KnownFormats lists the output formats Uplift documents
var KnownFormats = []string{
	FormatWAV22050x16,
	FormatWAV22050x32,
	FormatMP322050x32,
	FormatMP322050x64,
	FormatMP322050x128,
	FormatOGG22050x16,
	FormatULAW8000x8,
}

// ErrSessionClosed is returned when synthesizing after an owned session was cleaned up
var ErrSessionClosed = errors.New("uplift session is closed")

// HTTPClient is the part of *http.Client the service needs. A caller-supplied client is never closed by the service.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// InputParams overrides the discrete constructor settings when its fields are set
type InputParams struct {
	VoiceID      string
	OutputFormat string
}

// ConfigurationError is returned by New when the service cannot be built
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid Uplift configuration: %s %s", e.Field, e.Reason)
}

// RemoteServiceError is a non-200 response from the synthesis endpoint
type RemoteServiceError struct {
	StatusCode int
	Body       string
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("Uplift HTTP TTS error: %d - %s", e.StatusCode, e.Body)
}

// ValidationWarning reports a setting Uplift does not document. The value is still used.
type ValidationWarning struct {
	Field string
	Value string
	Known []string
}

func (w *ValidationWarning) Error() string {
	return fmt.Sprintf("%s %q not in known list, available: %s", w.Field, w.Value, strings.Join(w.Known, ", "))
}

// Validation is the outcome of applying a setting
type Validation struct {
	Value   string
	Warning *ValidationWarning
}

// OK reports whether the value is a known one
func (v Validation) OK() bool {
	return v.Warning == nil
}

func validateVoice(voiceID string) Validation {
	return validate("voice", voiceID, KnownVoices)
}

func validateFormat(format string) Validation {
	return validate("output format", format, KnownFormats)
}

func validate(field, value string, known []string) Validation {
	v := Validation{Value: value}
	if !slices.Contains(known, value) {
		v.Warning = &ValidationWarning{Field: field, Value: value, Known: known}
	}
	return v
}
