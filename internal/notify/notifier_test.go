package notify_test

import (
	"testing"
	"time"

	"docflow/internal/jobs"
	"docflow/internal/notify"
	"docflow/internal/services"
	"docflow/internal/testsupport"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	n := notify.New(testsupport.Logger())

	all := n.Subscribe("")
	defer all.Close()
	docOnly := n.Subscribe("doc-1")
	defer docOnly.Close()
	other := n.Subscribe("doc-2")
	defer other.Close()

	n.Publish(notify.StatusEvent{DocumentID: "doc-1", JobID: "job-1", Status: jobs.StatusProcessing, Progress: 20})

	select {
	case evt := <-all.Events():
		if evt.JobID != "job-1" {
			t.Fatalf("wildcard subscriber got unexpected event %#v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
	select {
	case evt := <-docOnly.Events():
		if evt.DocumentID != "doc-1" {
			t.Fatalf("document subscriber got unexpected event %#v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("document subscriber did not receive event")
	}
	select {
	case evt := <-other.Events():
		t.Fatalf("unrelated subscriber received event %#v", evt)
	default:
	}
}

func TestPublishDropsStalledSubscriber(t *testing.T) {
	n := notify.New(testsupport.Logger())

	stalled := n.Subscribe("doc-1")
	// Fill the buffer without draining.
	for i := 0; i < 64; i++ {
		n.Publish(notify.StatusEvent{DocumentID: "doc-1", Progress: i})
	}

	deadline := time.After(time.Second)
	for n.SubscriberCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("stalled subscriber was not dropped")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	// The channel closes on drop; draining must terminate.
	for range stalled.Events() {
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	n := notify.New(testsupport.Logger())
	sub := n.Subscribe("doc-1")
	sub.Close()
	sub.Close()
	if count := n.SubscriberCount(); count != 0 {
		t.Fatalf("expected zero subscribers, got %d", count)
	}
}

func TestEventFromJobProjectsErrorOnlyWhenFailed(t *testing.T) {
	job := &jobs.Job{
		ID:           "job-1",
		DocumentID:   "doc-1",
		Status:       jobs.StatusProcessing,
		Progress:     40,
		CurrentStage: "extract",
		ErrorKind:    services.KindTransient,
		ErrorMessage: "stale detail from a prior attempt",
	}
	evt := notify.EventFromJob(job)
	if evt.ErrorKind != "" || evt.ErrorMessage != "" {
		t.Fatalf("non-failed job should not expose error fields: %#v", evt)
	}

	job.Status = jobs.StatusFailed
	evt = notify.EventFromJob(job)
	if evt.ErrorKind != string(services.KindTransient) {
		t.Fatalf("expected error kind on failed job, got %#v", evt)
	}
}
