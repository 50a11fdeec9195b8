package stage

import (
	"context"
	"log/slog"
)

// Execution carries per-job state through the ordered stage list. Artifacts
// are handles to partial outputs (extracted text paths, chunk counts) passed
// from one stage to the next; they are ephemeral and never persisted beyond
// what the job store folds into progress and stage labels.
type Execution struct {
	JobID      string
	DocumentID string
	SourceRef  string
	Attempt    int
	Logger     *slog.Logger

	artifacts map[string]string
}

// NewExecution builds the execution state handed to the first stage.
func NewExecution(jobID, documentID, sourceRef string, attempt int, logger *slog.Logger) *Execution {
	return &Execution{
		JobID:      jobID,
		DocumentID: documentID,
		SourceRef:  sourceRef,
		Attempt:    attempt,
		Logger:     logger,
		artifacts:  make(map[string]string),
	}
}

// SetArtifact records a named output handle for downstream stages.
func (e *Execution) SetArtifact(key, value string) {
	if e.artifacts == nil {
		e.artifacts = make(map[string]string)
	}
	e.artifacts[key] = value
}

// Artifact returns a previously recorded output handle.
func (e *Execution) Artifact(key string) (string, bool) {
	value, ok := e.artifacts[key]
	return value, ok
}

// Handler is one unit of pipeline work. Run must tag failures with the
// services error taxonomy so the executor can classify transient vs fatal.
// Implementations must be idempotent per document: redelivered work may run a
// stage that already partially applied its side effects.
type Handler interface {
	// Name is the stable stage label persisted as the job's current stage.
	Name() string
	Run(ctx context.Context, exec *Execution) error
	HealthCheck(ctx context.Context) Health
}

// Health summarizes the readiness of a pipeline stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
