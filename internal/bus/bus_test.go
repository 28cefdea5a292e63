package bus

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskClassified, TaskEvent{TaskID: "t1", Status: "classified", Labels: []string{"work"}})

	ev := receive(t, sub)
	if ev.Topic != TopicTaskClassified {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskClassified)
	}
	payload, ok := ev.Payload.(TaskEvent)
	if !ok || payload.TaskID != "t1" {
		t.Fatalf("unexpected payload %#v", ev.Payload)
	}
	if ev.At.IsZero() {
		t.Fatal("expected event timestamp")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskSkipped, TaskEvent{TaskID: "t3"})
	b.Publish(TopicSyncCompleted, SyncEvent{TickID: "x"})

	if ev := receive(t, taskSub); ev.Topic != TopicTaskSkipped {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskSkipped)
	}
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if ev := receive(t, allSub); ev.Topic != TopicTaskSkipped {
		t.Fatalf("first event = %q", ev.Topic)
	}
	if ev := receive(t, allSub); ev.Topic != TopicSyncCompleted {
		t.Fatalf("second event = %q", ev.Topic)
	}
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+5; i++ {
		b.Publish(TopicTaskRetrying, i)
	}
	if got := b.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped deliveries, got %d", got)
	}
}

func TestBus_UnsubscribeClosesChannelOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.SubscriberCount())
	}
	var nilBus *Bus
	nilBus.Publish(TopicSyncFailed, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(TopicTaskClassified, j)
			}
		}()
	}
	wg.Wait()
	if got := len(sub.Ch()); got != 50 {
		t.Fatalf("expected 50 buffered events, got %d", got)
	}
}
