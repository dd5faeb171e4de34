package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	pushes []FramePush
}

func (o *recordingObserver) OnFrame(_ context.Context, push FramePush) {
	o.mu.Lock()
	o.pushes = append(o.pushes, push)
	o.mu.Unlock()
}

// intoSink returns the frames that reached the end of the pipeline
func (o *recordingObserver) intoSink() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	var frames []Frame
	for _, p := range o.pushes {
		if p.Destination == sinkName {
			frames = append(frames, p.Frame)
		}
	}
	return frames
}

type upperProcessor struct{}

func (upperProcessor) Name() string { return "upper" }

func (upperProcessor) ProcessFrame(ctx context.Context, f Frame, out Emitter) error {
	if tf, ok := f.(*TextFrame); ok {
		return out.Push(ctx, &TextFrame{Text: strings.ToUpper(tf.Text)})
	}
	return out.Push(ctx, f)
}

type failingProcessor struct {
	fatal bool
}

func (failingProcessor) Name() string { return "failing" }

func (p failingProcessor) ProcessFrame(ctx context.Context, f Frame, out Emitter) error {
	if _, ok := f.(*TextFrame); ok {
		if p.fatal {
			return out.PushError(ctx, &ErrorFrame{Error: "broken", Fatal: true})
		}
		return errors.New("bad text")
	}
	return out.Push(ctx, f)
}

type tickerSource struct {
	started chan struct{}
	once    sync.Once
}

func (s *tickerSource) Name() string { return "ticker" }

func (s *tickerSource) ProcessFrame(ctx context.Context, f Frame, out Emitter) error {
	if err := out.Push(ctx, f); err != nil {
		return err
	}
	if _, ok := f.(*StartFrame); ok {
		s.once.Do(func() { close(s.started) })
	}
	return nil
}

func (s *tickerSource) Run(ctx context.Context, out Emitter) error {
	select {
	case <-s.started:
	case <-ctx.Done():
		return nil
	}
	if err := out.Push(ctx, &TranscriptionFrame{Text: "tick", Final: true}); err != nil {
		return nil
	}
	return out.Push(ctx, &EndFrame{})
}

func runTask(t *testing.T, task *Task) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestTask_RunsUntilEndFrame(t *testing.T) {
	obs := &recordingObserver{}
	task := NewTask(New(upperProcessor{}), TaskParams{
		AudioOutSampleRate: 8000,
		Observers:          []Observer{obs},
	})

	require.NoError(t, task.QueueFrames(context.Background(), &TextFrame{Text: "hello"}, &EndFrame{}))
	require.NoError(t, waitDone(t, runTask(t, task)))

	frames := obs.intoSink()
	require.Len(t, frames, 3)

	start, ok := frames[0].(*StartFrame)
	require.True(t, ok)
	require.Equal(t, 8000, start.AudioOutSampleRate)

	text, ok := frames[1].(*TextFrame)
	require.True(t, ok)
	require.Equal(t, "HELLO", text.Text)

	require.IsType(t, &EndFrame{}, frames[2])
}

func TestTask_Cancel(t *testing.T) {
	task := NewTask(New(upperProcessor{}), TaskParams{})
	done := runTask(t, task)

	task.Cancel()
	task.Cancel()
	require.NoError(t, waitDone(t, done))

	require.ErrorIs(t, task.QueueFrames(context.Background(), &TextFrame{Text: "late"}), ErrTaskStopped)
}

func TestTask_CancelFrame(t *testing.T) {
	task := NewTask(New(upperProcessor{}), TaskParams{})
	require.NoError(t, task.QueueFrames(context.Background(), &CancelFrame{}))
	require.NoError(t, waitDone(t, runTask(t, task)))
}

type cleaningProcessor struct {
	upperProcessor
	cleaned atomic.Int32
	ctxErr  error
}

func (p *cleaningProcessor) Cleanup(ctx context.Context) error {
	p.cleaned.Add(1)
	p.ctxErr = ctx.Err()
	return errors.New("already closed")
}

func TestTask_CleansUpProcessors(t *testing.T) {
	tests := []struct {
		name string
		stop func(*Task)
	}{
		{"end frame", func(task *Task) { _ = task.QueueFrames(context.Background(), &EndFrame{}) }},
		{"cancel frame", func(task *Task) { _ = task.QueueFrames(context.Background(), &CancelFrame{}) }},
		{"cancel", func(task *Task) { task.Cancel() }},
		{"fatal error", func(task *Task) { _ = task.QueueFrames(context.Background(), &TextFrame{Text: "boom"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &cleaningProcessor{}
			task := NewTask(New(p, failingProcessor{fatal: true}), TaskParams{})
			done := runTask(t, task)

			tt.stop(task)
			require.NoError(t, waitDone(t, done))
			require.Equal(t, int32(1), p.cleaned.Load())
			require.NoError(t, p.ctxErr)
		})
	}
}

func TestTask_RunOnlyOnce(t *testing.T) {
	task := NewTask(New(), TaskParams{})
	task.Cancel()
	require.NoError(t, task.Run(context.Background()))
	require.Error(t, task.Run(context.Background()))
}

func TestTask_ProcessorErrorIsPublished(t *testing.T) {
	task := NewTask(New(failingProcessor{}), TaskParams{})
	require.NoError(t, task.QueueFrames(context.Background(), &TextFrame{Text: "x"}, &EndFrame{}))
	require.NoError(t, waitDone(t, runTask(t, task)))

	select {
	case ef := <-task.Errors():
		require.Equal(t, "bad text", ef.Error)
		require.False(t, ef.Fatal)
	default:
		t.Fatal("expected a published error")
	}
}

func TestTask_FatalErrorCancels(t *testing.T) {
	obs := &recordingObserver{}
	task := NewTask(New(failingProcessor{fatal: true}), TaskParams{Observers: []Observer{obs}})
	require.NoError(t, task.QueueFrames(context.Background(), &TextFrame{Text: "x"}))
	require.NoError(t, waitDone(t, runTask(t, task)))

	ef := <-task.Errors()
	require.True(t, ef.Fatal)
	require.Equal(t, "broken", ef.Error)
}

func TestTask_IdleTimeout(t *testing.T) {
	task := NewTask(New(upperProcessor{}), TaskParams{IdleTimeout: 50 * time.Millisecond})
	require.NoError(t, waitDone(t, runTask(t, task)))
}

func TestTask_SourceProducesFrames(t *testing.T) {
	obs := &recordingObserver{}
	src := &tickerSource{started: make(chan struct{})}
	task := NewTask(New(src, upperProcessor{}), TaskParams{Observers: []Observer{obs}})

	require.NoError(t, waitDone(t, runTask(t, task)))

	frames := obs.intoSink()
	require.Len(t, frames, 3)
	require.IsType(t, &StartFrame{}, frames[0])
	tr, ok := frames[1].(*TranscriptionFrame)
	require.True(t, ok)
	require.Equal(t, "tick", tr.Text)
	require.IsType(t, &EndFrame{}, frames[2])
}

func TestRunner_Run(t *testing.T) {
	task := NewTask(New(upperProcessor{}), TaskParams{})
	require.NoError(t, task.QueueFrames(context.Background(), &EndFrame{}))
	require.NoError(t, NewRunner(false).Run(context.Background(), task))
}
