package audio

// VADEvent is a change in the caller's speaking state
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStarted
	VADSpeechStopped
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStarted:
		return "speech_started"
	case VADSpeechStopped:
		return "speech_stopped"
	}
	return "none"
}

// VADConfig holds configuration for energy based voice activity detection
type VADConfig struct {
	EnergyThreshold float64 // RMS level above which a frame counts as speech
	SilenceFrames   int     // consecutive quiet frames that end speech
}

// DefaultVADConfig returns thresholds tuned for 8 kHz telephony audio
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms of 20ms frames
	}
}

// VAD tracks whether the caller is speaking. It is not safe for concurrent use.
type VAD struct {
	config   VADConfig
	quiet    int
	speaking bool
}

// NewVAD creates a detector. Zero config fields take the defaults.
func NewVAD(config VADConfig) *VAD {
	def := DefaultVADConfig()
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = def.EnergyThreshold
	}
	if config.SilenceFrames <= 0 {
		config.SilenceFrames = def.SilenceFrames
	}
	return &VAD{config: config}
}

// Analyze feeds one frame of samples and reports a speaking state change, if any
func (v *VAD) Analyze(samples []int16) VADEvent {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.quiet = 0
		if !v.speaking {
			v.speaking = true
			return VADSpeechStarted
		}
		return VADNone
	}

	v.quiet++
	if v.speaking && v.quiet >= v.config.SilenceFrames {
		v.speaking = false
		v.quiet = 0
		return VADSpeechStopped
	}
	return VADNone
}

// Speaking reports whether speech is in progress
func (v *VAD) Speaking() bool {
	return v.speaking
}

// Reset forgets any speech in progress
func (v *VAD) Reset() {
	v.quiet = 0
	v.speaking = false
}
