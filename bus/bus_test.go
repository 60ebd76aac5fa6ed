package bus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()
	defer func() {
		b.Unsubscribe(a)
		b.Unsubscribe(c)
		close(a)
		close(c)
	}()

	sent := b.Publish(Event{Event: EventJobAdded, TenantID: "acme", JobID: "j1", Timestamp: time.Now()})
	if sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}

	for _, ch := range []chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Event != EventJobAdded || ev.JobID != "j1" {
				t.Errorf("unexpected event %+v", ev)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer func() {
		b.Unsubscribe(ch)
		close(ch)
	}()

	for i := 0; i < SubscriberChannelBufferSize; i++ {
		if sent := b.Publish(Event{Event: EventJobProgress, JobID: "j1"}); sent != 1 {
			t.Fatalf("publish %d not accepted", i)
		}
	}
	// Buffer full: the publisher must not block, and the event is lost.
	if sent := b.Publish(Event{Event: EventJobProgress, JobID: "j1"}); sent != 0 {
		t.Fatalf("expected drop on full subscriber, got %d deliveries", sent)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	close(ch)

	if sent := b.Publish(Event{Event: EventJobAdded}); sent != 0 {
		t.Fatalf("unsubscribed channel still received, sent=%d", sent)
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestIsLifecycle(t *testing.T) {
	lifecycle := []EventName{
		EventJobAdded, EventJobStarted, EventJobProgress,
		EventJobCompleted, EventJobFailed, EventJobStalled,
	}
	for _, ev := range lifecycle {
		if !ev.IsLifecycle() {
			t.Errorf("%s should be a lifecycle event", ev)
		}
	}
	if EventJobLog.IsLifecycle() {
		t.Error("job:log is telemetry, not lifecycle")
	}
	if EventWorkerError.IsLifecycle() {
		t.Error("worker:error is not a job lifecycle event")
	}
}
