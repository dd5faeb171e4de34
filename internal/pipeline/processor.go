package pipeline

import (
	"context"
	"fmt"
)

// Emitter is handed to a processor to send frames to the next stage
// and to publish errors to the task.
type Emitter interface {
	Push(ctx context.Context, f Frame) error
	PushError(ctx context.Context, ef *ErrorFrame) error
}

// Processor is one stage of a pipeline. Frames it does not handle must be pushed through unchanged.
type Processor interface {
	Name() string
	ProcessFrame(ctx context.Context, f Frame, out Emitter) error
}

// Source is a processor that also produces frames on its own, such as a transport input.
// Run is started once per task, after ProcessFrame has handled the StartFrame, and must return when ctx is done.
type Source interface {
	Processor
	Run(ctx context.Context, out Emitter) error
}

// Cleaner is a processor holding resources that outlive single frames.
// A task calls Cleanup once after all of its goroutines have returned, however it stopped.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Errorf builds a non-fatal error frame
func Errorf(format string, args ...any) *ErrorFrame {
	return &ErrorFrame{Error: fmt.Sprintf(format, args...)}
}
