package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicHeartbeatStarted)
	defer b.Unsubscribe(sub)

	b.Publish(TopicHeartbeatStarted, HeartbeatEvent{RunID: "r1", Source: "interval"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicHeartbeatStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicHeartbeatStarted)
		}
		hb, ok := event.Payload.(HeartbeatEvent)
		if !ok || hb.RunID != "r1" {
			t.Fatalf("payload = %v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()

	hbSub := b.Subscribe("heartbeat.")
	defer b.Unsubscribe(hbSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicHeartbeatCompleted, HeartbeatEvent{RunID: "r1", Outcome: "ok"})
	b.Publish(TopicToolDispatched, ToolDispatchedEvent{Tool: "battery"})

	select {
	case event := <-hbSub.Ch():
		if event.Topic != TopicHeartbeatCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicHeartbeatCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat event")
	}

	// The tool event must not reach the heartbeat subscriber.
	select {
	case event := <-hbSub.Ch():
		t.Fatalf("unexpected event on heartbeat subscriber: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting on catch-all subscriber")
		}
	}
}

func TestNonBlockingPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicNotification)
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicNotification, NotificationEvent{Body: "ping"})
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("approval.")
	sub2 := b.Subscribe("approval.")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicApprovalRequested, ApprovalEvent{Tool: "reboot"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload.(ApprovalEvent).Tool != "reboot" {
				t.Fatalf("payload = %v", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicToolDispatched, ToolDispatchedEvent{Tool: "say"})
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != goroutines*perGoroutine {
				t.Fatalf("received %d events, want %d", received, goroutines*perGoroutine)
			}
			return
		}
	}
}
