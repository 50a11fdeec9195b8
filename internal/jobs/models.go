package jobs

import (
	"strings"
	"time"

	"docflow/internal/services"
)

// Status represents the lifecycle of a processing job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the status counts against the one-active-job-per-
// document invariant.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Job is one processing attempt for a document. A document accumulates jobs
// across retries and re-uploads, but at most one is ever active.
type Job struct {
	ID              string
	DocumentID      string
	SourceRef       string
	Status          Status
	Progress        int
	CurrentStage    string
	RetryCount      int
	ErrorKind       services.Kind
	ErrorMessage    string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastHeartbeat   *time.Time
}

// Active reports whether the job counts as active for its document.
func (j *Job) Active() bool {
	return j != nil && j.Status.Active()
}

// Failed reports whether the job ended in failure.
func (j *Job) Failed() bool {
	return j != nil && j.Status == StatusFailed
}
