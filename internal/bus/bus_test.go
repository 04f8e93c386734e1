package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
)

// collect registers a node that appends every message on topic to a shared
// slice and signals sink after each delivery.
func collect(t *testing.T, b *bus.Bus, node string, topic bus.Topic) (func() []bus.Message, <-chan struct{}) {
	t.Helper()

	var mu sync.Mutex
	var got []bus.Message
	sink := make(chan struct{}, 256)

	err := b.Register(bus.NodeSpec{
		Name: node,
		Subscribes: map[bus.Topic]func(bus.Message){
			topic: func(msg bus.Message) {
				mu.Lock()
				got = append(got, msg)
				mu.Unlock()
				sink <- struct{}{}
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	snapshot := func() []bus.Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]bus.Message, len(got))
		copy(out, got)
		return out
	}
	return snapshot, sink
}

func waitN(t *testing.T, sink <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-sink:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)

	snapshot, sink := collect(t, b, "cognition", bus.TopicVoiceCommand)

	payload := bus.VoiceCommand{Text: "what time is it", Confidence: 0.8, Timestamp: time.Now()}
	if n := b.Publish("capture", bus.TopicVoiceCommand, payload); n != 1 {
		t.Fatalf("Publish delivered to %d subscribers, want 1", n)
	}
	waitN(t, sink, 1)

	got := snapshot()
	if len(got) != 1 {
		t.Fatalf("messages: want 1, got %d", len(got))
	}
	msg := got[0]
	if msg.Topic != bus.TopicVoiceCommand || msg.Source != "capture" {
		t.Fatalf("envelope: got %+v", msg)
	}
	if msg.ID == "" {
		t.Fatal("message id not set")
	}
	if vc, ok := msg.Payload.(bus.VoiceCommand); !ok || vc.Text != "what time is it" {
		t.Fatalf("payload: got %+v", msg.Payload)
	}
}

func TestPublish_OrderPreservedPerTopic(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)

	snapshot, sink := collect(t, b, "listener", bus.TopicRobotAction)

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish("cognition", bus.TopicRobotAction, bus.RobotAction{Priority: i})
	}
	waitN(t, sink, n)

	for i, msg := range snapshot() {
		if msg.Payload.(bus.RobotAction).Priority != i {
			t.Fatalf("message %d out of order: got priority %d", i, msg.Payload.(bus.RobotAction).Priority)
		}
	}
}

func TestPublish_NeverBlocksOnFullQueue(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.WithQueueSize(2))
	t.Cleanup(b.Close)

	block := make(chan struct{})
	err := b.Register(bus.NodeSpec{
		Name: "slow",
		Subscribes: map[bus.Topic]func(bus.Message){
			bus.TopicSpeechDetected: func(bus.Message) { <-block },
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// One message is in the callback, two fill the queue; the rest must drop
	// without blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("capture", bus.TopicSpeechDetected, bus.SpeechDetected{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected dropped messages to be counted")
	}
	close(block)
}

func TestPublish_NoSubscribers(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)

	if n := b.Publish("capture", bus.TopicSystemMode, bus.SystemMode{Mode: "idle"}); n != 0 {
		t.Fatalf("Publish with no subscribers: want 0, got %d", n)
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)

	spec := bus.NodeSpec{Name: "capture"}
	if err := b.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := b.Register(spec); err == nil {
		t.Fatal("duplicate Register: want error, got nil")
	}
}

func TestClose_DrainsQueuedMessages(t *testing.T) {
	t.Parallel()

	b := bus.New()
	snapshot, _ := collect(t, b, "listener", bus.TopicTextResponse)

	for i := 0; i < 5; i++ {
		b.Publish("cognition", bus.TopicTextResponse, bus.TextResponse{Priority: i})
	}
	b.Close()

	if got := len(snapshot()); got != 5 {
		t.Fatalf("messages after Close: want 5, got %d", got)
	}
	if n := b.Publish("cognition", bus.TopicTextResponse, bus.TextResponse{}); n != 0 {
		t.Fatal("Publish after Close should deliver to no one")
	}
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)

	snapA, sinkA := collect(t, b, "a", bus.TopicSpeakingStatus)
	snapB, sinkB := collect(t, b, "b", bus.TopicSpeakingStatus)

	if n := b.Publish("synthesis", bus.TopicSpeakingStatus, bus.SpeakingStatus{Speaking: true}); n != 2 {
		t.Fatalf("Publish: want 2 deliveries, got %d", n)
	}
	waitN(t, sinkA, 1)
	waitN(t, sinkB, 1)

	if len(snapA()) != 1 || len(snapB()) != 1 {
		t.Fatal("both subscribers should receive the message")
	}
}
