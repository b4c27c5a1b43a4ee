package crawler

import "fmt"

// ResultKind selects what the worker does after a stage returns.
type ResultKind int

// Stage outcomes.
const (
	// Proceed continues with the next stage.
	Proceed ResultKind = iota
	// Finish skips the remaining stages up to the post-processing groups.
	Finish
	// Stuck stops the chain and asks the controller to pause the crawl.
	Stuck
	// Jump continues at the named stage.
	Jump
)

// ProcessResult is returned by Processor.Process.
type ProcessResult struct {
	Kind   ResultKind
	Target string
	Reason string
}

// ResultProceed is the common case.
var ResultProceed = ProcessResult{Kind: Proceed}

// ResultFinish ends the main chain early; post-processing still runs.
var ResultFinish = ProcessResult{Kind: Finish}

// JumpTo continues the chain at the stage called name.
func JumpTo(name string) ProcessResult {
	return ProcessResult{Kind: Jump, Target: name}
}

// StuckBecause stops the chain and requests a crawl pause.
func StuckBecause(reason string) ProcessResult {
	return ProcessResult{Kind: Stuck, Reason: reason}
}

func (r ProcessResult) String() string {
	switch r.Kind {
	case Proceed:
		return "proceed"
	case Finish:
		return "finish"
	case Stuck:
		return fmt.Sprintf("stuck(%s)", r.Reason)
	case Jump:
		return fmt.Sprintf("jump(%s)", r.Target)
	default:
		return fmt.Sprintf("result(%d)", int(r.Kind))
	}
}
