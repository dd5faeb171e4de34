package pipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// LogObserver logs spoken text and errors as they move through the pipeline
type LogObserver struct {
	logger      zerolog.Logger
	destination string
}

// NewLogObserver logs TTSTextFrames pushed into the processor named destination.
// An empty destination logs them wherever they go.
func NewLogObserver(logger zerolog.Logger, destination string) *LogObserver {
	return &LogObserver{logger: logger, destination: destination}
}

func (o *LogObserver) OnFrame(ctx context.Context, push FramePush) {
	switch f := push.Frame.(type) {
	case *TTSTextFrame:
		if o.destination != "" && push.Destination != o.destination {
			return
		}
		o.logger.Debug().
			Str("source", push.Source).
			Str("destination", push.Destination).
			Str("text", f.Text).
			Msg("TTSTextFrame")
	case *ErrorFrame:
		o.logger.Debug().
			Str("source", push.Source).
			Str("error", f.Error).
			Msg("ErrorFrame")
	}
}
