package notify

import (
	"log/slog"
	"sync"
	"time"

	"docflow/internal/jobs"
	"docflow/internal/logging"
)

const subscriberBuffer = 16

// StatusEvent is the wire form of one job state transition.
type StatusEvent struct {
	DocumentID   string      `json:"document_id"`
	JobID        string      `json:"job_id"`
	Status       jobs.Status `json:"status"`
	Progress     int         `json:"progress"`
	CurrentStage string      `json:"current_stage,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// EventFromJob projects a job row into its broadcast form.
func EventFromJob(job *jobs.Job) StatusEvent {
	evt := StatusEvent{
		DocumentID:   job.DocumentID,
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStage: job.CurrentStage,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.Status == jobs.StatusFailed {
		evt.ErrorKind = string(job.ErrorKind)
		evt.ErrorMessage = job.ErrorMessage
	}
	return evt
}

// Subscription is one live listener. Events stop and the channel closes when
// the subscriber calls Close or falls too far behind.
type Subscription struct {
	documentID string
	events     chan StatusEvent

	notifier *Notifier
	once     sync.Once
}

// Events returns the subscriber's event stream.
func (s *Subscription) Events() <-chan StatusEvent {
	return s.events
}

// Close detaches the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.notifier.remove(s)
		close(s.events)
	})
}

// Notifier is the in-process fan-out broadcaster. It is owned by the daemon
// and injected where needed; there is deliberately no package-level instance.
type Notifier struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New constructs a Notifier.
func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logging.WithComponent(logger, "notifier"),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener for one document's events, or for all
// documents when documentID is empty.
func (n *Notifier) Subscribe(documentID string) *Subscription {
	sub := &Subscription{
		documentID: documentID,
		events:     make(chan StatusEvent, subscriberBuffer),
		notifier:   n,
	}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
// Subscribers whose buffers are full are disconnected.
func (n *Notifier) Publish(evt StatusEvent) {
	var stalled []*Subscription

	n.mu.RLock()
	for sub := range n.subs {
		if sub.documentID != "" && sub.documentID != evt.DocumentID {
			continue
		}
		select {
		case sub.events <- evt:
		default:
			stalled = append(stalled, sub)
		}
	}
	n.mu.RUnlock()

	for _, sub := range stalled {
		n.logger.Warn("dropping stalled subscriber",
			logging.String(logging.FieldDocumentID, sub.documentID),
			logging.String(logging.FieldEventType, "subscriber_dropped"),
		)
		sub.Close()
	}
}

// SubscriberCount reports the number of attached subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

func (n *Notifier) remove(sub *Subscription) {
	n.mu.Lock()
	delete(n.subs, sub)
	n.mu.Unlock()
}
