// Package progress defines the events emitted by the worker pool and controller.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart  Stage = "CRAWL_START"
	StageCrawlDone   Stage = "CRAWL_DONE"
	StageCrawlError  Stage = "CRAWL_ERROR"
	StageCrawlPause  Stage = "CRAWL_PAUSE"
	StageCrawlResume Stage = "CRAWL_RESUME"
	StageItemDone    Stage = "ITEM_DONE"
	StageWorkerEnded Stage = "WORKER_ENDED"
	StageAlert       Stage = "ALERT"
)

// StatusClass is a coarse grouping of fetch outcomes.
type StatusClass string

// Supported status classes. Negative fetch statuses fall into "failed".
const (
	Status2xx    StatusClass = "2xx"
	Status3xx    StatusClass = "3xx"
	Status4xx    StatusClass = "4xx"
	Status5xx    StatusClass = "5xx"
	StatusFailed StatusClass = "failed"
	StatusOther  StatusClass = "other"
)

// Event captures a single component of crawler progress.
type Event struct {
	// CrawlID identifies the crawl run using the 16-byte UUID form.
	CrawlID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Worker is the ordinal of the emitting worker, or -1 for pool-wide events.
	Worker int
	// Site scopes item events to a host label.
	Site string
	// URL is the item URL; it should not contain credentials.
	URL string
	// FetchStatus is the item's final fetch status code.
	FetchStatus int
	// StatusClass groups FetchStatus.
	StatusClass StatusClass
	// Bytes carries the captured size of the item.
	Bytes int64
	// Visits increments by one for each item handed back.
	Visits int64
	// Dur captures processing latency for items and crawl completions.
	Dur time.Duration
	// Note carries low-volume context such as an alert title or pause reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == [16]byte{} {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlError, StageCrawlPause, StageCrawlResume:
	case StageItemDone:
		if e.Site == "" {
			return errors.New("item done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("item done requires status class")
		}
	case StageWorkerEnded:
		if e.Worker < 0 {
			return errors.New("worker ended requires worker ordinal")
		}
	case StageAlert:
		if e.Note == "" {
			return errors.New("alert requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CrawlUUID converts the binary crawl ID to uuid.UUID for repositories.
func (e Event) CrawlUUID() uuid.UUID {
	return uuid.UUID(e.CrawlID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups fetch status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code < 0:
		return StatusFailed
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
