package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/uplift-voice-bot/internal/observability"
)

const (
	taskName  = "task"
	sinkName  = "sink"
	queueSize = 32
	errorsCap = 16

	cleanupTimeout = 5 * time.Second
)

// ErrTaskStopped is returned when frames are queued on a finished task
var ErrTaskStopped = errors.New("pipeline task stopped")

// Pipeline is a linear chain of processors
type Pipeline struct {
	processors []Processor
}

// New creates a pipeline. Frames flow from the first processor to the last.
func New(processors ...Processor) *Pipeline {
	return &Pipeline{processors: processors}
}

// Processors returns the processors in order
func (p *Pipeline) Processors() []Processor {
	return p.processors
}

// FramePush describes one frame handed from a processor to the next stage
type FramePush struct {
	Source      string
	Destination string
	Frame       Frame
}

// Observer sees every frame pushed inside a task. It is called from processor goroutines.
type Observer interface {
	OnFrame(ctx context.Context, push FramePush)
}

// TaskParams configures a pipeline task
type TaskParams struct {
	AudioInSampleRate  int
	AudioOutSampleRate int
	EnableMetrics      bool
	EnableUsageMetrics bool
	Metrics            MetricsSink
	// IdleTimeout cancels the task when no frame other than input audio reaches the end of the pipeline. Zero disables it.
	IdleTimeout time.Duration
	Observers   []Observer
}

// Task runs a pipeline once
type Task struct {
	pipeline *Pipeline
	params   TaskParams
	logger   zerolog.Logger

	queue    chan Frame
	errs     chan *ErrorFrame
	stop     chan struct{}
	stopOnce sync.Once
	ran      atomic.Bool
}

// NewTask creates a task for the given pipeline
func NewTask(p *Pipeline, params TaskParams) *Task {
	return &Task{
		pipeline: p,
		params:   params,
		logger:   observability.Component("pipeline"),
		queue:    make(chan Frame, queueSize),
		errs:     make(chan *ErrorFrame, errorsCap),
		stop:     make(chan struct{}),
	}
}

// QueueFrames sends frames into the head of the pipeline
func (t *Task) QueueFrames(ctx context.Context, frames ...Frame) error {
	for _, f := range frames {
		select {
		case t.queue <- f:
		case <-t.stop:
			return ErrTaskStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Cancel stops the task without draining queued frames. Safe to call more than once.
func (t *Task) Cancel() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Errors returns errors published by processors. Errors are dropped when nobody reads them.
func (t *Task) Errors() <-chan *ErrorFrame {
	return t.errs
}

// Run drives the pipeline until an EndFrame reaches its end, the task is cancelled,
// the idle timeout fires or ctx is done. Processors implementing Cleaner are cleaned up
// before Run returns. It can only be called once.
func (t *Task) Run(ctx context.Context) error {
	if !t.ran.CompareAndSwap(false, true) {
		return errors.New("pipeline task already ran")
	}
	defer t.Cancel()
	defer t.cleanup(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	procs := t.pipeline.processors
	links := make([]chan Frame, len(procs)+1)
	for i := range links {
		links[i] = make(chan Frame)
	}

	g.Go(func() error {
		select {
		case <-t.stop:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	head := t.emitter(taskName, destination(procs, 0), links[0])
	g.Go(func() error {
		return t.feed(gctx, head, cancel)
	})

	for i, p := range procs {
		p := p
		in := links[i]
		out := t.emitter(p.Name(), destination(procs, i+1), links[i+1])
		src, isSource := p.(Source)
		var started chan struct{}
		if isSource {
			started = make(chan struct{})
		}
		g.Go(func() error {
			return t.process(gctx, p, in, out, started)
		})
		if isSource {
			g.Go(func() error {
				select {
				case <-started:
				case <-gctx.Done():
					return nil
				}
				if err := src.Run(gctx, out); err != nil && gctx.Err() == nil {
					return fmt.Errorf("%s: %w", p.Name(), err)
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		return t.drain(gctx, links[len(procs)], cancel)
	})

	t.logger.Info().Int("processors", len(procs)).Msg("Pipeline task started")
	err := g.Wait()
	if err != nil {
		t.logger.Error().Err(err).Msg("Pipeline task failed")
		return err
	}
	t.logger.Info().Msg("Pipeline task finished")
	return nil
}

// cleanup runs after every processor goroutine has returned, so it never races ProcessFrame
func (t *Task) cleanup(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	for _, p := range t.pipeline.processors {
		c, ok := p.(Cleaner)
		if !ok {
			continue
		}
		if err := c.Cleanup(ctx); err != nil {
			t.logger.Warn().Err(err).Str("processor", p.Name()).Msg("Processor cleanup failed")
		}
	}
}

func (t *Task) feed(ctx context.Context, head *emitter, cancel context.CancelFunc) error {
	start := &StartFrame{
		AudioInSampleRate:  t.params.AudioInSampleRate,
		AudioOutSampleRate: t.params.AudioOutSampleRate,
		EnableMetrics:      t.params.EnableMetrics,
		EnableUsageMetrics: t.params.EnableUsageMetrics,
		Metrics:            t.params.Metrics,
	}
	if err := head.Push(ctx, start); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-t.queue:
			// consumed here; processors are released through Cleaner
			if _, ok := f.(*CancelFrame); ok {
				t.logger.Info().Msg("Pipeline task cancelled")
				cancel()
				return nil
			}
			if err := head.Push(ctx, f); err != nil {
				return nil
			}
		}
	}
}

// process feeds frames to p. A non-nil started is closed once p has handled the StartFrame.
func (t *Task) process(ctx context.Context, p Processor, in <-chan Frame, out *emitter, started chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-in:
			if err := p.ProcessFrame(ctx, f, out); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				_ = out.PushError(ctx, &ErrorFrame{Error: err.Error()})
			}
			if _, ok := f.(*StartFrame); ok && started != nil {
				close(started)
				started = nil
			}
		}
	}
}

func (t *Task) drain(ctx context.Context, in <-chan Frame, cancel context.CancelFunc) error {
	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if t.params.IdleTimeout > 0 {
		timer = time.NewTimer(t.params.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
			t.logger.Warn().Dur("timeout", t.params.IdleTimeout).Msg("Pipeline idle, cancelling task")
			cancel()
			return nil
		case f := <-in:
			switch f.(type) {
			case *EndFrame:
				cancel()
				return nil
			case *InputAudioRawFrame:
			default:
				if timer != nil {
					timer.Reset(t.params.IdleTimeout)
				}
			}
		}
	}
}

func (t *Task) observe(ctx context.Context, push FramePush) {
	for _, o := range t.params.Observers {
		o.OnFrame(ctx, push)
	}
}

func (t *Task) publishError(ctx context.Context, source string, ef *ErrorFrame) {
	t.observe(ctx, FramePush{Source: source, Destination: taskName, Frame: ef})

	ev := t.logger.Warn()
	if ef.Fatal {
		ev = t.logger.Error()
	}
	ev.Str("processor", source).Str("error", ef.Error).Bool("fatal", ef.Fatal).Msg("Processor error")

	select {
	case t.errs <- ef:
	default:
		t.logger.Warn().Str("processor", source).Msg("Error channel full, dropping error")
	}

	if ef.Fatal {
		t.Cancel()
	}
}

func (t *Task) emitter(source, dest string, next chan<- Frame) *emitter {
	return &emitter{task: t, source: source, destination: dest, next: next}
}

func destination(procs []Processor, i int) string {
	if i < len(procs) {
		return procs[i].Name()
	}
	return sinkName
}

type emitter struct {
	task        *Task
	source      string
	destination string
	next        chan<- Frame
}

func (e *emitter) Push(ctx context.Context, f Frame) error {
	e.task.observe(ctx, FramePush{Source: e.source, Destination: e.destination, Frame: f})
	select {
	case e.next <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *emitter) PushError(ctx context.Context, ef *ErrorFrame) error {
	e.task.publishError(ctx, e.source, ef)
	return nil
}

// Runner runs pipeline tasks, optionally stopping them on SIGINT and SIGTERM
type Runner struct {
	handleSignals bool
	logger        zerolog.Logger
}

// NewRunner creates a runner
func NewRunner(handleSignals bool) *Runner {
	return &Runner{
		handleSignals: handleSignals,
		logger:        observability.Component("runner"),
	}
}

// Run blocks until the task finishes
func (r *Runner) Run(ctx context.Context, task *Task) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	r.logger.Debug().Msg("Running pipeline task")
	if err := task.Run(ctx); err != nil {
		return fmt.Errorf("pipeline task: %w", err)
	}
	return nil
}
