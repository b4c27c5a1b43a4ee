// Package worker implements the crawl worker loop: pull an item, walk it
// through the stage chain, hand it back, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/recorder"
)

// maxJumps bounds Jump results per item so a misconfigured chain cannot spin.
const maxJumps = 64

// Config controls one Worker.
type Config struct {
	Ordinal         int
	ScratchDir      string
	PrefixSize      int
	RecenterDivisor int
	// HeapLimitBytes escalates to the serious-error path when live heap
	// exceeds it after a stage. Zero disables the check.
	HeapLimitBytes uint64
}

// PoolReporter renders the pool summary included in serious-error dumps.
type PoolReporter interface {
	CompactReport(w io.Writer)
}

// Deps are the collaborators a Worker talks to.
type Deps struct {
	Frontier   crawler.Frontier
	Controller crawler.Controller
	Chain      *crawler.Chain
	Clock      crawler.Clock
	Logger     *zap.Logger
	Progress   progress.Emitter
	CrawlID    uuid.UUID
	Pool       PoolReporter
}

// Worker processes one item at a time until the frontier ends, its context
// is cancelled, it is killed, or it is retired.
type Worker struct {
	cfg      Config
	frontier crawler.Frontier
	ctrl     crawler.Controller
	chain    *crawler.Chain
	clock    crawler.Clock
	logger   *zap.Logger
	progress progress.Emitter
	crawlID  [16]byte
	pool     PoolReporter
	rec      *recorder.Recorder

	// cache holds per-worker stage instances keyed by stage name. Only the
	// Run goroutine touches it.
	cache map[string]crawler.Processor

	// mu is the hand-back lock: a normal return and a kill return of the
	// current item are mutually exclusive. It also guards the report fields.
	mu          sync.Mutex
	current     *crawler.WorkItem
	itemStart   time.Time
	step        Step
	stepAt      time.Time
	stage       string
	since       time.Time
	cancel      context.CancelFunc
	waitCancel  context.CancelFunc
	started     bool
	processed   int64
	lastFailure string

	killed   atomic.Bool
	retiring atomic.Bool
	done     chan struct{}
}

// New builds a Worker and its recorder.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Frontier == nil {
		return nil, errors.New("worker frontier is required")
	}
	if deps.Controller == nil {
		return nil, errors.New("worker controller is required")
	}
	if deps.Chain == nil {
		return nil, errors.New("worker chain is required")
	}
	rec, err := recorder.New(recorder.Config{
		Dir:             cfg.ScratchDir,
		Name:            recorder.BackingName(cfg.Ordinal),
		PrefixSize:      cfg.PrefixSize,
		RecenterDivisor: cfg.RecenterDivisor,
	})
	if err != nil {
		return nil, fmt.Errorf("worker %d recorder: %w", cfg.Ordinal, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	now := clock.Now()
	return &Worker{
		cfg:      cfg,
		frontier: deps.Frontier,
		ctrl:     deps.Controller,
		chain:    deps.Chain,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.Int("ordinal", cfg.Ordinal)),
		progress: deps.Progress,
		crawlID:  progress.UUIDToBytes(deps.CrawlID),
		pool:     deps.Pool,
		rec:      rec,
		cache:    make(map[string]crawler.Processor),
		step:     StepNascent,
		stepAt:   now,
		since:    now,
		done:     make(chan struct{}),
	}, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Ordinal returns the worker's ordinal.
func (w *Worker) Ordinal() int {
	return w.cfg.Ordinal
}

// Recorder returns the worker's recorder.
func (w *Worker) Recorder() *recorder.Recorder {
	return w.rec
}

// Done is closed once Run has returned and the worker has shut down.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run executes the worker loop. It returns nil on a clean exit and an error
// only when the frontier fails unexpectedly. Run may be called once.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.cancel = cancel
	w.mu.Unlock()
	if w.killed.Load() {
		cancel()
	}

	held := false
	defer func() { w.shutdown(held) }()

	for {
		if ctx.Err() != nil || w.retiring.Load() {
			return nil
		}
		waitCtx := w.beginWait(ctx)
		if err := w.ctrl.AcquireContinuePermission(waitCtx); err != nil {
			w.endWait()
			return nil
		}
		held = true

		w.setStep(StepAboutToGetURI)
		item, err := w.frontier.Next(waitCtx)
		w.endWait()
		if err != nil {
			w.ctrl.ReleaseContinuePermission()
			held = false
			if errors.Is(err, crawler.ErrEnded) || ctx.Err() != nil || w.retiring.Load() {
				return nil
			}
			w.logger.Error("frontier next failed", zap.Error(err))
			return fmt.Errorf("frontier next: %w", err)
		}

		if !w.take(item) {
			// Killed between Next and take: the item was never attempted.
			item.SetStatus(crawler.StatusDeferred)
			w.frontier.Finished(item)
			w.ctrl.ReleaseContinuePermission()
			held = false
			return nil
		}
		w.process(ctx, item)

		w.setStep(StepAboutToReturnURI)
		w.handBack(item)
		w.setStep(StepFinishingProcess)

		w.ctrl.ReleaseContinuePermission()
		held = false
	}
}

// beginWait derives the context for the blocking waits that retirement may
// interrupt while no item is held.
func (w *Worker) beginWait(ctx context.Context) context.Context {
	waitCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.waitCancel = cancel
	w.mu.Unlock()
	if w.retiring.Load() {
		cancel()
	}
	return waitCtx
}

func (w *Worker) endWait() {
	w.mu.Lock()
	if w.waitCancel != nil {
		w.waitCancel()
		w.waitCancel = nil
	}
	w.mu.Unlock()
}

// take records item as current unless the worker was killed.
func (w *Worker) take(item *crawler.WorkItem) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed.Load() {
		return false
	}
	now := w.clock.Now()
	w.current = item
	w.itemStart = now
	w.since = now
	item.Recorder = w.rec
	return true
}

// owned runs fn under the hand-back lock if item is still the current item.
func (w *Worker) owned(item *crawler.WorkItem, fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != item {
		return false
	}
	fn()
	return true
}

// handBack returns item to the frontier unless a kill already did. The item
// is read before Finished since the frontier may hand it out again at once.
func (w *Worker) handBack(item *crawler.WorkItem) {
	var evt progress.Event
	returned := w.owned(item, func() {
		now := w.clock.Now()
		evt = w.itemEvent(item, now.Sub(w.itemStart))
		w.current = nil
		w.stage = ""
		w.since = now
		w.processed++
		item.Recorder = nil
		w.frontier.Finished(item)
	})
	if err := w.rec.Close(); err != nil {
		w.logger.Warn("close recorder", zap.Error(err))
	}
	if returned && w.progress != nil {
		w.progress.Emit(evt)
	}
}

// Kill interrupts the worker's blocking waits and returns its current item,
// marked killed, to the frontier. Safe to call at any time, any number of times.
func (w *Worker) Kill() {
	if !w.killed.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.current == nil {
		return
	}
	item := w.current
	w.current = nil
	w.stage = ""
	// The interrupted stage may still hold the item, so only its locked
	// fields are touched here. Recorder stays set until the stage unwinds.
	item.SetStatus(crawler.StatusProcessingThreadKilled)
	item.Annotate("killed")
	w.frontier.Finished(item)
	w.logger.Warn("worker killed while processing", zap.String("url", item.URL))
}

// Killed reports whether Kill was called.
func (w *Worker) Killed() bool {
	return w.killed.Load()
}

// Retire asks the worker to exit after its current item. An idle worker
// leaves its waits immediately.
func (w *Worker) Retire() {
	w.retiring.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil && w.waitCancel != nil {
		w.waitCancel()
	}
}

// Retiring reports whether Retire was called.
func (w *Worker) Retiring() bool {
	return w.retiring.Load()
}

func (w *Worker) shutdown(held bool) {
	if held {
		w.ctrl.ReleaseContinuePermission()
	}
	w.mu.Lock()
	w.current = nil
	w.stage = ""
	w.cancel = nil
	w.mu.Unlock()
	if err := w.rec.Cleanup(); err != nil {
		w.logger.Warn("cleanup recorder", zap.Error(err))
	}
	w.cache = nil
	w.setStep(StepFinished)
	w.logger.Debug("worker finished")
	w.ctrl.ToeEnded(w.cfg.Ordinal)
	close(w.done)
}

func (w *Worker) setStep(s Step) {
	w.mu.Lock()
	w.step = s
	w.stepAt = w.clock.Now()
	w.mu.Unlock()
}

func (w *Worker) setStage(name string) {
	w.mu.Lock()
	w.stage = name
	w.step = StepAboutToBeginProcessor
	w.stepAt = w.clock.Now()
	w.mu.Unlock()
}

func (w *Worker) itemEvent(item *crawler.WorkItem, elapsed time.Duration) progress.Event {
	if elapsed < 0 {
		elapsed = 0
	}
	return progress.Event{
		CrawlID:     w.crawlID,
		TS:          w.clock.Now().UTC(),
		Stage:       progress.StageItemDone,
		Worker:      w.cfg.Ordinal,
		Site:        item.Host(),
		URL:         item.URL,
		FetchStatus: int(item.Status()),
		StatusClass: progress.ClassifyStatus(int(item.Status())),
		Bytes:       item.ContentSize,
		Visits:      1,
		Dur:         elapsed,
	}
}
