// Package progress defines the event structures emitted by the crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StagePageVisited    Stage = "PAGE_VISITED"
	StagePageFailed     Stage = "PAGE_FAILED"
	StagePageRetry      Stage = "PAGE_RETRY"
	StagePageRedirect   Stage = "PAGE_REDIRECT"
	StageLinksTruncated Stage = "LINKS_TRUNCATED"
	StageRequestBlocked Stage = "REQUEST_BLOCKED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page visits.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawler progress.
type Event struct {
	// RunID identifies the crawl run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// URL is the page the event refers to, if any.
	URL string
	// Depth is the BFS depth of URL.
	Depth int
	// Attempt is the 1-based attempt number for page events.
	Attempt int
	// StatusClass groups the document response code.
	StatusClass StatusClass
	// Links counts links discovered or dropped, depending on Stage.
	Links int
	// Dur captures navigation latency or total run time.
	Dur time.Duration
	// Partial marks a RUN_DONE caused by cancellation.
	Partial bool
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StagePageVisited:
		if e.URL == "" {
			return errors.New("page visited requires url")
		}
		if e.StatusClass == "" {
			return errors.New("page visited requires status class")
		}
	case StagePageFailed, StagePageRetry, StagePageRedirect, StageLinksTruncated, StageRequestBlocked:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
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
