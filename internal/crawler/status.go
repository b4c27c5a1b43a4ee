package crawler

import "strconv"

// FetchStatus is the outcome code recorded on a WorkItem. Positive values are
// protocol response codes; zero and negative values are crawler dispositions.
type FetchStatus int

// Crawler disposition codes.
const (
	StatusUnattempted            FetchStatus = 0
	StatusDomainUnresolvable     FetchStatus = -1
	StatusConnectFailed          FetchStatus = -2
	StatusConnectLost            FetchStatus = -3
	StatusTimeout                FetchStatus = -4
	StatusRuntimeException       FetchStatus = -5
	StatusUnfetchable            FetchStatus = -7
	StatusTooManyRetries         FetchStatus = -8
	StatusDeferred               FetchStatus = -50
	StatusSeriousError           FetchStatus = -3000
	StatusTooManyLinkHops        FetchStatus = -4001
	StatusOutOfScope             FetchStatus = -5000
	StatusBlockedByUser          FetchStatus = -5001
	StatusProcessingThreadKilled FetchStatus = -7000
	StatusRobotsPrecluded        FetchStatus = -9998
)

var statusNames = map[FetchStatus]string{
	StatusUnattempted:            "unattempted",
	StatusDomainUnresolvable:     "domain-unresolvable",
	StatusConnectFailed:          "connect-failed",
	StatusConnectLost:            "connect-lost",
	StatusTimeout:                "timeout",
	StatusRuntimeException:       "runtime-exception",
	StatusUnfetchable:            "unfetchable",
	StatusTooManyRetries:         "too-many-retries",
	StatusDeferred:               "deferred",
	StatusSeriousError:           "serious-error",
	StatusTooManyLinkHops:        "too-many-link-hops",
	StatusOutOfScope:             "out-of-scope",
	StatusBlockedByUser:          "blocked-by-user",
	StatusProcessingThreadKilled: "processing-thread-killed",
	StatusRobotsPrecluded:        "robots-precluded",
}

// String renders the status as a name for dispositions and as the bare
// number for protocol codes.
func (s FetchStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// Success reports whether the status is a 2xx or 3xx response.
func (s FetchStatus) Success() bool {
	return s >= 200 && s < 400
}

// Retryable reports whether the frontier may schedule the item again.
func (s FetchStatus) Retryable() bool {
	switch s {
	case StatusDomainUnresolvable, StatusConnectFailed, StatusConnectLost, StatusTimeout, StatusDeferred:
		return true
	default:
		return false
	}
}
