package worker

// Step names what a worker is doing right now. Each change is timestamped so
// that hung stages show up in reports.
type Step int

// Worker steps in loop order.
const (
	StepNascent Step = iota
	StepAboutToGetURI
	StepAboutToBeginChain
	StepAboutToBeginProcessor
	StepDoneWithProcessors
	StepHandlingRuntimeException
	StepAboutToReturnURI
	StepFinishingProcess
	StepFinished
)

var stepNames = [...]string{
	StepNascent:                  "NASCENT",
	StepAboutToGetURI:            "ABOUT_TO_GET_URI",
	StepAboutToBeginChain:        "ABOUT_TO_BEGIN_CHAIN",
	StepAboutToBeginProcessor:    "ABOUT_TO_BEGIN_PROCESSOR",
	StepDoneWithProcessors:       "DONE_WITH_PROCESSORS",
	StepHandlingRuntimeException: "HANDLING_RUNTIME_EXCEPTION",
	StepAboutToReturnURI:         "ABOUT_TO_RETURN_URI",
	StepFinishingProcess:         "FINISHING_PROCESS",
	StepFinished:                 "FINISHED",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "UNKNOWN"
	}
	return stepNames[s]
}

// MarshalText renders the step name in JSON.
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
