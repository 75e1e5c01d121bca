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
	StageRunStart Stage = "RUN_START"
	StageRunBatch Stage = "RUN_BATCH"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
	StageRunStop  Stage = "RUN_STOPPED"
	StageFetch    Stage = "FETCH_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of crawl run progress.
type Event struct {
	// RunID uniquely identifies a crawl run using the 16-byte UUID form.
	RunID [16]byte
	// SourceID scopes the event to the source being crawled.
	SourceID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Target optionally names the category or keyword being worked.
	Target string
	// Total, New, Updated, and Errors carry item counter deltas for
	// RUN_BATCH events. They are cumulative only when summed by a sink.
	Total   int64
	New     int64
	Updated int64
	Errors  int64
	// Bytes carries the response size delta for fetch completions.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures execution latency for fetches and run completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads. Run lifecycle and
// batch events require a run ID; FETCH_DONE is per-request telemetry emitted
// by the fetch engine, which runs below run scope and is keyed by source.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunStop:
		if e.RunID == [16]byte{} {
			return errors.New("run id is required")
		}
	case StageRunBatch:
		if e.RunID == [16]byte{} {
			return errors.New("run id is required")
		}
		if e.SourceID == "" {
			return errors.New("run batch requires source id")
		}
	case StageFetch:
		if e.SourceID == "" {
			return errors.New("fetch done requires source id")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// RunIDBytes parses a run ID string into the Event form. Unparseable IDs
// yield the zero value, which Validate rejects.
func RunIDBytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	var dest [16]byte
	copy(dest[:], parsed[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
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
