// Package controller owns pool-wide crawl state: the continue-permission gate
// every worker passes through, pause and single-thread restrictions, the
// memory reserve, and operator alerts.
package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// State is the restriction currently requested on the gate.
type State string

// Controller states, weakest restriction first.
const (
	StateRunning      State = "running"
	StateSingleThread State = "single-thread"
	StatePaused       State = "paused"
)

const defaultAlertBuffer = 100

// Config sizes the controller.
type Config struct {
	// MaxWorkers is the number of permits; it bounds the pool size.
	MaxWorkers int
	// ReserveBytes is allocated at start and dropped on FreeReserveMemory.
	ReserveBytes int
	// AlertBuffer bounds how many recent alerts are retained.
	AlertBuffer int
	// CrawlID tags emitted progress events.
	CrawlID uuid.UUID
}

// Deps are optional collaborators.
type Deps struct {
	Logger   *zap.Logger
	Progress progress.Emitter
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	// OnToeEnded is called after a worker leaves its loop.
	OnToeEnded func(ordinal int)
}

// Controller implements crawler.Controller.
type Controller struct {
	cfg      Config
	size     int64
	gate     *semaphore.Weighted
	logger   *zap.Logger
	progress progress.Emitter
	clock    crawler.Clock
	ids      crawler.IDGenerator
	onEnded  func(int)

	mu      sync.Mutex
	state   State
	reason  string
	held    int64
	target  int64
	gen     uint64
	pending context.CancelFunc
	reserve []byte

	alertMu sync.Mutex
	alerts  []crawler.Alert
	next    int
	full    bool

	ended atomic.Int64
}

var _ crawler.Controller = (*Controller)(nil)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds a Controller and allocates the memory reserve.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.MaxWorkers <= 0 {
		return nil, errors.New("controller max workers must be positive")
	}
	if cfg.ReserveBytes < 0 {
		return nil, errors.New("controller reserve bytes must be >= 0")
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = defaultAlertBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	c := &Controller{
		cfg:      cfg,
		size:     int64(cfg.MaxWorkers),
		gate:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		logger:   logger,
		progress: deps.Progress,
		clock:    clock,
		ids:      deps.IDs,
		onEnded:  deps.OnToeEnded,
		state:    StateRunning,
		alerts:   make([]crawler.Alert, cfg.AlertBuffer),
	}
	if cfg.ReserveBytes > 0 {
		c.reserve = make([]byte, cfg.ReserveBytes)
	}
	return c, nil
}

// MaxWorkers returns the number of permits.
func (c *Controller) MaxWorkers() int {
	return int(c.size)
}

// AcquireContinuePermission blocks until the worker may process another
// item or ctx ends.
func (c *Controller) AcquireContinuePermission(ctx context.Context) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire continue permission: %w", err)
	}
	return nil
}

// ReleaseContinuePermission returns a permit taken by AcquireContinuePermission.
func (c *Controller) ReleaseContinuePermission() {
	c.gate.Release(1)
}

// SingleThreadMode lets at most one worker hold a permit. Workers already
// processing finish their current item first.
func (c *Controller) SingleThreadMode() {
	c.restrict(StateSingleThread, c.size-1, "single thread mode")
}

// RequestCrawlPause stops every worker after its current item.
func (c *Controller) RequestCrawlPause(reason string) {
	c.restrict(StatePaused, c.size, reason)
}

// Resume lifts any restriction.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.pending != nil {
		c.pending()
		c.pending = nil
	}
	if c.held > 0 {
		c.gate.Release(c.held)
		c.held = 0
	}
	c.target = 0
	c.state = StateRunning
	c.reason = ""
	c.mu.Unlock()

	c.logger.Info("crawl resumed")
	c.emit(progress.Event{Stage: progress.StageCrawlResume, Worker: -1})
}

// restrict moves the gate towards holding want permits. Weaker requests
// never loosen a stronger restriction. The acquisition runs in the
// background because the caller usually holds a permit itself.
func (c *Controller) restrict(state State, want int64, reason string) {
	c.mu.Lock()
	if want <= c.target {
		c.mu.Unlock()
		return
	}
	if c.pending != nil {
		c.pending()
		c.pending = nil
	}
	c.gen++
	gen := c.gen
	need := want - c.held
	ctx, cancel := context.WithCancel(context.Background())
	c.pending = cancel
	c.target = want
	c.state = state
	c.reason = reason
	c.mu.Unlock()

	c.logger.Warn("crawl restricted", zap.String("state", string(state)), zap.String("reason", reason))
	if state == StatePaused {
		c.emit(progress.Event{Stage: progress.StageCrawlPause, Worker: -1, Note: reason})
	}

	go func() {
		defer cancel()
		if need <= 0 {
			return
		}
		if err := c.gate.Acquire(ctx, need); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			c.gate.Release(need)
			return
		}
		c.held += need
		c.pending = nil
		c.logger.Info("crawl restriction in effect", zap.String("state", string(c.state)))
	}()
}

// State returns the requested restriction and its reason.
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// Settled reports whether the requested restriction is fully in effect.
func (c *Controller) Settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held == c.target
}

// FreeReserveMemory drops the reserve buffer and returns memory to the OS.
// Later calls do nothing.
func (c *Controller) FreeReserveMemory() {
	c.mu.Lock()
	freed := len(c.reserve)
	c.reserve = nil
	c.mu.Unlock()
	if freed == 0 {
		return
	}
	debug.FreeOSMemory()
	c.logger.Warn("reserve memory released", zap.Int("bytes", freed))
}

// ReserveHeld reports whether the memory reserve is still allocated.
func (c *Controller) ReserveHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserve != nil
}

// ToeEnded records that a worker left its loop.
func (c *Controller) ToeEnded(ordinal int) {
	c.ended.Add(1)
	c.logger.Debug("worker ended", zap.Int("ordinal", ordinal))
	c.emit(progress.Event{Stage: progress.StageWorkerEnded, Worker: ordinal})
	if c.onEnded != nil {
		c.onEnded(ordinal)
	}
}

// EndedCount returns how many ToeEnded notifications arrived.
func (c *Controller) EndedCount() int64 {
	return c.ended.Load()
}

// RaiseAlert logs alert, retains it, and forwards it to the progress stream.
func (c *Controller) RaiseAlert(alert crawler.Alert) {
	if alert.At.IsZero() {
		alert.At = c.clock.Now()
	}
	if alert.Level == "" {
		alert.Level = crawler.AlertWarning
	}
	if alert.ID == "" {
		alert.ID = c.newAlertID()
	}

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.Int("ordinal", alert.Ordinal),
		zap.String("url", alert.URL),
		zap.String("body", alert.Body),
	}
	if alert.Cause != nil {
		fields = append(fields, zap.Error(alert.Cause))
	}
	if alert.Level == crawler.AlertSevere {
		c.logger.Error("alert", fields...)
	} else {
		c.logger.Warn("alert", fields...)
	}

	c.alertMu.Lock()
	c.alerts[c.next] = alert
	c.next = (c.next + 1) % len(c.alerts)
	if c.next == 0 {
		c.full = true
	}
	c.alertMu.Unlock()

	c.emit(progress.Event{Stage: progress.StageAlert, Worker: alert.Ordinal, URL: alert.URL, Note: alert.Title})
}

func (c *Controller) newAlertID() string {
	if c.ids != nil {
		if id, err := c.ids.NewID(); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

// Alerts returns retained alerts, oldest first.
func (c *Controller) Alerts() []crawler.Alert {
	c.alertMu.Lock()
	defer c.alertMu.Unlock()
	if !c.full {
		return append([]crawler.Alert(nil), c.alerts[:c.next]...)
	}
	out := make([]crawler.Alert, 0, len(c.alerts))
	out = append(out, c.alerts[c.next:]...)
	return append(out, c.alerts[:c.next]...)
}

func (c *Controller) emit(evt progress.Event) {
	if c.progress == nil {
		return
	}
	evt.CrawlID = progress.UUIDToBytes(c.cfg.CrawlID)
	evt.TS = c.clock.Now().UTC()
	c.progress.Emit(evt)
}
