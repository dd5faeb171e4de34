package bot

import (
	"context"
	"sync"

	"github.com/lexiqai/uplift-voice-bot/internal/observability"
	"github.com/lexiqai/uplift-voice-bot/internal/pipeline"
	"github.com/lexiqai/uplift-voice-bot/internal/tts"
)

// callObserver turns pipeline frames into per-call stage metrics.
// STT latency runs from the end of caller speech to the final transcription.
type callObserver struct {
	metrics *observability.Metrics

	mu         sync.Mutex
	transcribe bool
	speaking   bool
}

func newCallObserver(metrics *observability.Metrics) *callObserver {
	return &callObserver{metrics: metrics}
}

func (o *callObserver) OnFrame(_ context.Context, push pipeline.FramePush) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch f := push.Frame.(type) {
	case *pipeline.UserStoppedSpeakingFrame:
		if !o.transcribe {
			o.transcribe = true
			o.metrics.RecordStageStart("stt")
		}
	case *pipeline.TranscriptionFrame:
		if f.Final && o.transcribe {
			o.transcribe = false
			o.metrics.RecordStageEnd("stt", true)
		}
	case *pipeline.TTSStartedFrame:
		if push.Source == tts.ServiceName {
			o.speaking = true
			o.metrics.RecordStageStart("tts")
		}
	case *pipeline.TTSStoppedFrame:
		if push.Source == tts.ServiceName && o.speaking {
			o.speaking = false
			o.metrics.RecordStageEnd("tts", true)
		}
	case *pipeline.ErrorFrame:
		if push.Source == tts.ServiceName && o.speaking {
			o.speaking = false
			o.metrics.RecordStageEnd("tts", false)
		}
	}
}
