package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"runtime/metrics"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	crawlmetrics "github.com/JakeFAU/polite-crawler/internal/metrics"
)

// PanicError is a stage panic recovered at the chain boundary.
type PanicError struct {
	Stage string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Value)
}

// Unwrap exposes a panicked error value so errors.Is sees through the panic.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// process walks item through the chain. Faults end the walk; the item still
// goes back to the frontier.
func (w *Worker) process(ctx context.Context, item *crawler.WorkItem) {
	w.setStep(StepAboutToBeginChain)
	groups := w.chain.Groups()
	postStart := w.chain.FirstPostGroup()
	jumps := 0
	g, s := 0, 0
	for g < len(groups) {
		if s >= len(groups[g].Stages) {
			g, s = g+1, 0
			continue
		}
		stage := w.instance(groups[g].Stages[s])
		name := stage.Name()
		item.SetCursor(crawler.Cursor{Group: g, Stage: s, Name: name})
		w.setStage(name)

		res, err := w.invoke(ctx, stage, item)
		if err != nil {
			w.fault(ctx, item, name, err)
			return
		}
		if w.heapExceeded() {
			w.serious(item, name, fmt.Errorf("heap above %d bytes after %s: %w", w.cfg.HeapLimitBytes, name, crawler.ErrOutOfMemory))
			return
		}

		switch res.Kind {
		case crawler.Proceed:
			s++
		case crawler.Finish:
			if g < postStart {
				g, s = postStart, 0
			} else {
				s++
			}
		case crawler.Stuck:
			w.logger.Warn("stage stuck", zap.String("stage", name), zap.String("reason", res.Reason))
			w.owned(item, func() { item.Annotate("stuck:" + name) })
			w.ctrl.RequestCrawlPause(fmt.Sprintf("%s stuck: %s", name, res.Reason))
			return
		case crawler.Jump:
			cur, ok := w.chain.Locate(res.Target)
			if !ok {
				w.fault(ctx, item, name, fmt.Errorf("jump to unknown stage %q", res.Target))
				return
			}
			if jumps++; jumps > maxJumps {
				w.fault(ctx, item, name, fmt.Errorf("more than %d jumps: %w", maxJumps, crawler.ErrStackDepthExceeded))
				return
			}
			g, s = cur.Group, cur.Stage
		default:
			w.fault(ctx, item, name, fmt.Errorf("unknown result %s", res))
			return
		}
	}
	w.setStep(StepDoneWithProcessors)
}

// instance substitutes the worker's private copy for stages that need one.
func (w *Worker) instance(p crawler.Processor) crawler.Processor {
	if !p.RequiresPerWorkerInstance() {
		return p
	}
	name := p.Name()
	if inst, ok := w.cache[name]; ok {
		return inst
	}
	inst := p.Spawn(w.cfg.Ordinal)
	if inst == nil {
		inst = p
	}
	w.cache[name] = inst
	return inst
}

func (w *Worker) invoke(ctx context.Context, p crawler.Processor, item *crawler.WorkItem) (res crawler.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Stage: p.Name(), Value: r, Stack: debug.Stack()}
		}
	}()
	return p.Process(ctx, item)
}

// fault sorts a stage failure into its tier.
func (w *Worker) fault(ctx context.Context, item *crawler.WorkItem, stage string, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Interrupted by kill or shutdown; the item is handled by that path.
		w.logger.Debug("stage interrupted", zap.String("stage", stage), zap.Error(err))
		return
	}
	if errors.Is(err, crawler.ErrOutOfMemory) {
		w.serious(item, stage, err)
		return
	}
	w.runtimeFault(item, stage, err)
}

func faultKind(err error) string {
	var pe *PanicError
	switch {
	case errors.Is(err, crawler.ErrStackDepthExceeded):
		return "stack-depth-exceeded"
	case errors.As(err, &pe):
		return "panic"
	default:
		return "error"
	}
}

// runtimeFault marks the item failed and alerts; the worker carries on.
func (w *Worker) runtimeFault(item *crawler.WorkItem, stage string, err error) {
	w.setStep(StepHandlingRuntimeException)
	kind := faultKind(err)
	var url string
	w.owned(item, func() {
		url = item.URL
		item.SetStatus(crawler.StatusRuntimeException)
		item.Annotate("err=" + kind)
		item.Set(crawler.DataRuntimeFault, err)
		w.lastFailure = fmt.Sprintf("%s in %s", kind, stage)
	})

	body := err.Error()
	var pe *PanicError
	if errors.As(err, &pe) {
		body += "\n\n" + string(pe.Stack)
	}
	crawlmetrics.ObserveStageFault(stage, kind)
	w.logger.Warn("runtime fault in stage",
		zap.String("stage", stage),
		zap.String("url", url),
		zap.String("kind", kind),
		zap.Error(err))
	w.ctrl.RaiseAlert(crawler.Alert{
		Level:   crawler.AlertWarning,
		Title:   fmt.Sprintf("%s in stage %s", kind, stage),
		Body:    body,
		Cause:   err,
		Ordinal: w.cfg.Ordinal,
		URL:     url,
	})
}

// serious handles resource exhaustion: freeze the pool, free the reserve,
// pause the crawl, mark the item, and alert with a full dump.
func (w *Worker) serious(item *crawler.WorkItem, stage string, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.setStep(StepHandlingRuntimeException)

	w.ctrl.SingleThreadMode()
	w.ctrl.FreeReserveMemory()
	w.ctrl.RequestCrawlPause(fmt.Sprintf("serious error in %s: %v", stage, err))

	var url string
	w.owned(item, func() {
		url = item.URL
		item.Annotate(fmt.Sprintf("os%d", int(item.Status())))
		item.SetStatus(crawler.StatusSeriousError)
		item.Set(crawler.DataRuntimeFault, err)
		w.lastFailure = "serious error in " + stage
	})

	var dump bytes.Buffer
	fmt.Fprintf(&dump, "%v\n\n", err)
	w.Report(&dump)
	if w.pool != nil {
		dump.WriteString("\n")
		w.pool.CompactReport(&dump)
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		fmt.Fprintf(&dump, "\n%s", pe.Stack)
	} else {
		fmt.Fprintf(&dump, "\n%s", debug.Stack())
	}

	crawlmetrics.ObserveStageFault(stage, "serious")
	w.logger.Error("serious error in stage", zap.String("stage", stage), zap.String("url", url), zap.Error(err))
	w.ctrl.RaiseAlert(crawler.Alert{
		Level:   crawler.AlertSevere,
		Title:   "serious error in stage " + stage,
		Body:    dump.String(),
		Cause:   err,
		Ordinal: w.cfg.Ordinal,
		URL:     url,
	})
}

var heapSample = []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}

func (w *Worker) heapExceeded() bool {
	if w.cfg.HeapLimitBytes == 0 {
		return false
	}
	sample := make([]metrics.Sample, len(heapSample))
	copy(sample, heapSample)
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return false
	}
	return sample[0].Value.Uint64() > w.cfg.HeapLimitBytes
}
