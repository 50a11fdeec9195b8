package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned from Push and Pull after the queue shuts down.
var ErrClosed = errors.New("queue closed")

// Descriptor identifies one unit of pipeline work. It intentionally carries
// no processing state; the job store is the source of truth for resume.
type Descriptor struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	SourceRef  string `json:"source_ref"`
	Attempt    int    `json:"attempt"`
}

// Delivery is a pulled descriptor awaiting acknowledgement. A delivery that
// is neither acked nor nacked is redelivered after the broker's visibility
// timeout, so a crashed worker never strands a job.
type Delivery struct {
	Descriptor

	ack  func() error
	nack func(requeue bool) error
}

// Ack marks the delivery as done; the broker will not redeliver it.
func (d *Delivery) Ack() error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack returns the delivery to the broker, optionally requeueing it for
// another worker.
func (d *Delivery) Nack(requeue bool) error {
	if d == nil || d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Queue is the task-queue contract consumed by the orchestrator (Push) and
// the pipeline workers (Pull).
type Queue interface {
	// Push enqueues a descriptor durably.
	Push(ctx context.Context, desc Descriptor) error
	// Pull blocks until a delivery is available or ctx is done.
	Pull(ctx context.Context) (*Delivery, error)
	// Ping reports broker connectivity for health checks.
	Ping(ctx context.Context) error
	Close() error
}
