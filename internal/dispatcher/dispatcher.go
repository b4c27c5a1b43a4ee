// Package dispatcher manages the pool of crawl workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/worker"
)

// ErrUnknownWorker is returned when an ordinal names no live worker.
var ErrUnknownWorker = errors.New("unknown worker")

// Factory builds the worker with the given ordinal. pool is handed to the
// worker for its serious-error dumps.
type Factory func(ordinal int, pool worker.PoolReporter) (*worker.Worker, error)

// Config controls the pool.
type Config struct {
	Size int
}

// Pool runs workers and resizes the pool while the crawl is in progress.
type Pool struct {
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	target  int
	next    int
	workers map[int]*worker.Worker
	running bool
	ctx     context.Context
	drained chan struct{}
	errs    []error
}

// New creates a Pool.
func New(cfg Config, factory Factory, logger *zap.Logger) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, errors.New("pool size must be at least 1")
	}
	if factory == nil {
		return nil, errors.New("worker factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		logger:  logger.Named("pool"),
		target:  cfg.Size,
		workers: make(map[int]*worker.Worker),
	}, nil
}

// Run starts the workers and blocks until every worker has exited, either
// because the frontier ended or ctx was cancelled. It returns the joined
// errors of workers that failed.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pool already running")
	}
	p.running = true
	p.ctx = ctx
	p.errs = nil
	p.drained = make(chan struct{})
	drained := p.drained
	for i := 0; i < p.target; i++ {
		if err := p.spawnLocked(); err != nil {
			p.errs = append(p.errs, err)
			break
		}
	}
	if len(p.workers) == 0 {
		p.running = false
		close(p.drained)
	}
	p.mu.Unlock()

	<-drained

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pool) spawnLocked() error {
	if !p.running {
		return errors.New("pool is not running")
	}
	ordinal := p.next
	w, err := p.factory(ordinal, p)
	if err != nil {
		return fmt.Errorf("build worker %d: %w", ordinal, err)
	}
	p.next++
	p.workers[ordinal] = w
	metrics.SetActiveWorkers(len(p.workers))
	ctx := p.ctx
	go func() {
		err := w.Run(ctx)
		p.exited(ordinal, err)
	}()
	p.logger.Debug("worker started", zap.Int("ordinal", ordinal))
	return nil
}

func (p *Pool) exited(ordinal int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, ordinal)
	metrics.SetActiveWorkers(len(p.workers))
	if err != nil {
		p.logger.Error("worker failed", zap.Int("ordinal", ordinal), zap.Error(err))
		p.errs = append(p.errs, fmt.Errorf("worker %d: %w", ordinal, err))
	} else {
		p.logger.Debug("worker exited", zap.Int("ordinal", ordinal))
	}
	if p.running && len(p.workers) == 0 {
		p.running = false
		close(p.drained)
	}
}

// SetSize grows the pool by spawning workers or shrinks it by retiring the
// newest ones. Retired workers finish their current item first.
func (p *Pool) SetSize(n int) error {
	if n < 1 {
		return errors.New("pool size must be at least 1")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
	if !p.running {
		return nil
	}
	active := p.nonRetiringLocked()
	for len(active) < n {
		if err := p.spawnLocked(); err != nil {
			return err
		}
		active = p.nonRetiringLocked()
	}
	for i := len(active) - 1; i >= n; i-- {
		active[i].Retire()
		p.logger.Info("worker retiring", zap.Int("ordinal", active[i].Ordinal()))
	}
	return nil
}

// nonRetiringLocked returns live workers that are not retiring, oldest first.
func (p *Pool) nonRetiringLocked() []*worker.Worker {
	out := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.Retiring() && !w.Killed() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal() < out[j].Ordinal() })
	return out
}

// Kill interrupts the worker with the given ordinal, returning its item to
// the frontier, and starts a fresh worker in its place.
func (p *Pool) Kill(ordinal int) error {
	p.mu.Lock()
	w, ok := p.workers[ordinal]
	if !ok || w.Killed() {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownWorker, ordinal)
	}
	// Spawn first so the pool never drains between the kill and the replacement.
	var spawnErr error
	if p.running {
		spawnErr = p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Warn("killing worker", zap.Int("ordinal", ordinal))
	w.Kill()
	if spawnErr != nil {
		return fmt.Errorf("replace worker %d: %w", ordinal, spawnErr)
	}
	return nil
}

// Size returns the number of live workers, retiring ones included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ActiveCount returns the number of workers currently processing an item.
func (p *Pool) ActiveCount() int {
	n := 0
	for _, s := range p.Snapshots() {
		if s.Active {
			n++
		}
	}
	return n
}

// Worker looks up a live worker.
func (p *Pool) Worker(ordinal int) (*worker.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[ordinal]
	return w, ok
}

// list copies the live workers, ordered by ordinal, so callers never hold
// the pool lock while taking a worker's lock.
func (p *Pool) list() []*worker.Worker {
	p.mu.Lock()
	out := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal() < out[j].Ordinal() })
	return out
}

// Snapshots returns the state of every live worker, ordered by ordinal.
func (p *Pool) Snapshots() []worker.Snapshot {
	ws := p.list()
	out := make([]worker.Snapshot, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Snapshot())
	}
	return out
}

// Report writes every worker's full report.
func (p *Pool) Report(out io.Writer) {
	ws := p.list()
	fmt.Fprintf(out, "%d workers\n\n", len(ws))
	for _, w := range ws {
		w.Report(out)
		fmt.Fprintln(out)
	}
}

// CompactReport writes a table of worker counts grouped by step and stage.
func (p *Pool) CompactReport(out io.Writer) {
	type key struct {
		step  worker.Step
		stage string
	}
	counts := make(map[key]int)
	snaps := p.Snapshots()
	active := 0
	for _, s := range snaps {
		counts[key{s.Step, s.Stage}]++
		if s.Active {
			active++
		}
	}
	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].step != keys[j].step {
			return keys[i].step < keys[j].step
		}
		return keys[i].stage < keys[j].stage
	})

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Step", "Stage", "Workers"})
	for _, k := range keys {
		stage := k.stage
		if stage == "" {
			stage = "-"
		}
		t.AppendRow(table.Row{k.step.String(), stage, counts[k]})
	}
	t.AppendFooter(table.Row{"Total", fmt.Sprintf("%d active", active), len(snaps)})
	t.Render()
}
