package domain

import (
	"errors"
	"time"
)

// RunStatus is the terminal state of a load run.
type RunStatus string

const (
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failed"
)

// RunSummary is reported to the caller after every run, successful or not.
type RunSummary struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Status         RunStatus      `json:"status"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy"`

	Received   int      `json:"received"`
	Normalized int      `json:"normalized"`
	Discards   Discards `json:"discards"`

	Inserted   EntityCounts `json:"inserted"`
	Updated    int          `json:"updated_measurements"`
	Existing   EntityCounts `json:"already_present"`
	Duplicates EntityCounts `json:"duplicates"`
	Conflicts  int          `json:"conflicts"`

	Error        string `json:"error,omitempty"`
	FailedEntity string `json:"failed_entity,omitempty"`
}

// ApplyDelta copies the delta's bookkeeping into the summary.
func (s *RunSummary) ApplyDelta(d Delta) {
	s.Existing = d.Existing
	s.Duplicates = d.Duplicates
	s.Conflicts = len(d.Conflicts)
}

// Fail marks the run failed and records the first failing entity, if any.
// The transaction was rolled back, so every write-side count is cleared.
func (s *RunSummary) Fail(err error) {
	s.Status = RunFailed
	s.Error = err.Error()
	s.Inserted = EntityCounts{}
	s.Existing = EntityCounts{}
	s.Duplicates = EntityCounts{}
	s.Updated = 0
	s.Conflicts = 0

	var cv *ConstraintViolationError
	if errors.As(err, &cv) {
		s.FailedEntity = string(cv.Entity) + ":" + cv.Key
	}
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
