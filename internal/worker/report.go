package worker

import (
	"fmt"
	"io"
	"time"
)

// SingleLineLegend describes the fields of SingleLineReport.
const SingleLineLegend = "#ordinal stage uri (attempts) state step"

// Snapshot is a point-in-time view of a worker for status tooling.
type Snapshot struct {
	Ordinal      int           `json:"ordinal"`
	URL          string        `json:"url,omitempty"`
	Attempts     int           `json:"attempts"`
	PathFromSeed string        `json:"path_from_seed,omitempty"`
	Via          string        `json:"via,omitempty"`
	Stage        string        `json:"stage,omitempty"`
	Active       bool          `json:"active"`
	StateFor     time.Duration `json:"state_for_ns"`
	Step         Step          `json:"step"`
	StepFor      time.Duration `json:"step_for_ns"`
	Processed    int64         `json:"processed"`
	LastFailure  string        `json:"last_failure,omitempty"`
	Killed       bool          `json:"killed"`
	Retiring     bool          `json:"retiring"`
}

// Snapshot captures the worker's current state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	snap := Snapshot{
		Ordinal:     w.cfg.Ordinal,
		Stage:       w.stage,
		Active:      w.current != nil,
		StateFor:    now.Sub(w.since),
		Step:        w.step,
		StepFor:     now.Sub(w.stepAt),
		Processed:   w.processed,
		LastFailure: w.lastFailure,
		Killed:      w.killed.Load(),
		Retiring:    w.retiring.Load(),
	}
	if item := w.current; item != nil {
		snap.URL = item.URL
		snap.Attempts = item.FetchAttempts()
		snap.PathFromSeed = item.PathFromSeed
		snap.Via = item.Via
	}
	return snap
}

func (s Snapshot) state() string {
	if s.Active {
		return "ACTIVE"
	}
	return "WAITING"
}

// Report writes a multi-line human-readable report.
func (w *Worker) Report(out io.Writer) {
	s := w.Snapshot()
	if s.URL == "" {
		fmt.Fprintf(out, "[worker #%d: no item]\n", s.Ordinal)
	} else {
		fmt.Fprintf(out, "[worker #%d: %s (attempts %d)]\n", s.Ordinal, s.URL, s.Attempts)
		path := s.PathFromSeed
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(out, "    %s", path)
		if s.Via != "" {
			fmt.Fprintf(out, " via %s", s.Via)
		}
		fmt.Fprintln(out)
	}
	if s.Stage != "" {
		fmt.Fprintf(out, "    current stage: %s\n", s.Stage)
	}
	fmt.Fprintf(out, "    %s for %s\n", s.state(), roundDur(s.StateFor))
	fmt.Fprintf(out, "    step: %s for %s\n", s.Step, roundDur(s.StepFor))
	fmt.Fprintf(out, "    processed: %d\n", s.Processed)
	if s.LastFailure != "" {
		fmt.Fprintf(out, "    last failure: %s\n", s.LastFailure)
	}
}

// SingleLineReport renders the fields listed in SingleLineLegend.
func (w *Worker) SingleLineReport() string {
	s := w.Snapshot()
	stage, url := s.Stage, s.URL
	if stage == "" {
		stage = "-"
	}
	if url == "" {
		url = "-"
	}
	return fmt.Sprintf("#%d %s %s (%d) %s %s %s %s",
		s.Ordinal, stage, url, s.Attempts,
		s.state(), roundDur(s.StateFor),
		s.Step, roundDur(s.StepFor))
}

func roundDur(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}
