package capture_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/capture"
	"github.com/nevil-robotics/nevil/internal/capture/mock"
	"github.com/nevil-robotics/nevil/internal/micgate"
	"github.com/nevil-robotics/nevil/pkg/audio"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// fakeSession records sent client events and lets the test inject server
// events into subscribed handlers.
type fakeSession struct {
	mu       sync.Mutex
	events   []realtime.ClientEvent
	handlers map[string]map[int]realtime.Handler
	nextID   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string]map[int]realtime.Handler)}
}

func (f *fakeSession) Send(ev realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSession) Subscribe(eventType string, h realtime.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[eventType] == nil {
		f.handlers[eventType] = make(map[int]realtime.Handler)
	}
	f.handlers[eventType][f.nextID] = h
	return f.nextID
}

func (f *fakeSession) Unsubscribe(eventType string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[eventType], id)
}

func (f *fakeSession) emit(ev *realtime.ServerEvent) {
	f.mu.Lock()
	var hs []realtime.Handler
	for _, h := range f.handlers[ev.Type] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSession) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.EventType()
	}
	return out
}

func (f *fakeSession) eventAt(i int) realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[i]
}

// tone builds one chunk of constant-amplitude PCM; its RMS equals amp.
func tone(amp int16) []byte {
	chunk := make([]byte, audio.ChunkBytes)
	for i := 0; i < len(chunk); i += 2 {
		binary.LittleEndian.PutUint16(chunk[i:], uint16(amp))
	}
	return chunk
}

// firstSample decodes a base64 append payload and returns its first sample.
func firstSample(t *testing.T, appended string) int16 {
	t.Helper()
	pcm, err := base64.StdEncoding.DecodeString(appended)
	if err != nil {
		t.Fatalf("decode append payload: %v", err)
	}
	return int16(binary.LittleEndian.Uint16(pcm))
}

func testConfig() capture.Config {
	return capture.Config{
		VADThreshold:   500,
		MinSpeech:      300 * time.Millisecond,
		PrefixPad:      300 * time.Millisecond,
		TrailingPad:    300 * time.Millisecond,
		CommitCooldown: time.Millisecond,
		GateOnSilence:  true,
	}
}

func startActor(t *testing.T, a *capture.Actor) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("capture actor did not stop")
		}
	})
	return done
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestRun_SilenceSendsNothing(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	dev.PushN(tone(0), 10)
	sess := newFakeSession()
	b := bus.New()
	t.Cleanup(b.Close)

	a := capture.New(dev, sess, b, micgate.New(), testConfig())
	startActor(t, a)

	waitFor(t, "all chunks consumed", func() bool { return dev.Reads() == 10 })
	if n := sess.count(); n != 0 {
		t.Fatalf("silence produced %d outbound events", n)
	}
	if ratio := a.Stats().SavedRatio(); ratio != 1 {
		t.Fatalf("saved ratio: want 1, got %v", ratio)
	}
}

func TestRun_UtteranceAppendsCommitsAndRequestsResponse(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	dev.PushN(tone(0), 2)   // prefix context
	dev.PushN(tone(900), 3) // speech
	dev.PushN(tone(0), 3)   // trailing silence
	sess := newFakeSession()
	b := bus.New()
	t.Cleanup(b.Close)
	gate := micgate.New()
	holds := make(chan *micgate.Hold, 1)

	detected := make(chan struct{}, 8)
	err := b.Register(bus.NodeSpec{
		Name: "observer",
		Subscribes: map[bus.Topic]func(bus.Message){
			bus.TopicSpeechDetected: func(bus.Message) { detected <- struct{}{} },
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	a := capture.New(dev, sess, b, gate, testConfig(), capture.WithHoldHandoff(holds))
	startActor(t, a)

	// 2 padding + 3 speech + 2 trailing = 7 appends, then commit and
	// response.create.
	waitFor(t, "outbound sequence", func() bool { return sess.count() == 9 })

	types := sess.types()
	for i := 0; i < 7; i++ {
		if types[i] != realtime.TypeInputAudioBufferAppend {
			t.Fatalf("event %d: want append, got %s", i, types[i])
		}
	}
	if types[7] != realtime.TypeInputAudioBufferCommit {
		t.Fatalf("event 7: want commit, got %s", types[7])
	}
	if types[8] != realtime.TypeResponseCreate {
		t.Fatalf("event 8: want response.create, got %s", types[8])
	}

	select {
	case <-detected:
	case <-time.After(2 * time.Second):
		t.Fatal("speech_detected was not published")
	}

	// The gate is held for the upcoming reply and the hold is handed off.
	if gate.Available() {
		t.Fatal("gate should be held after the turn was requested")
	}
	select {
	case h := <-holds:
		h.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("no hold handed off")
	}
	if !gate.Available() {
		t.Fatal("gate should be available after releasing the handed-off hold")
	}
}

func TestRun_HeldGateSuppressesAppends(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	sess := newFakeSession()
	b := bus.New()
	t.Cleanup(b.Close)
	gate := micgate.New()

	hold := gate.Acquire("speaking")
	dev.PushN(tone(900), 4) // loud audio while the robot is audible
	a := capture.New(dev, sess, b, gate, testConfig())
	startActor(t, a)

	waitFor(t, "muted chunks consumed", func() bool { return dev.Reads() >= 4 })
	if n := sess.count(); n != 0 {
		t.Fatalf("%d events sent while the gate was held", n)
	}

	hold.Release()
	dev.PushN(tone(1000), 4) // speech captured after release

	waitFor(t, "post-release appends", func() bool { return sess.count() >= 2 })
	for i, typ := range sess.types() {
		if typ != realtime.TypeInputAudioBufferAppend {
			continue
		}
		appended := sess.eventAt(i).(realtime.InputAudioAppend)
		if amp := firstSample(t, appended.Audio); amp < 1000 {
			t.Fatalf("append %d carries audio captured before the gate opened (amp %d)", i, amp)
		}
	}
}

func TestRun_CommitCancelsInFlightResponse(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	sess := newFakeSession()
	b := bus.New()
	t.Cleanup(b.Close)

	a := capture.New(dev, sess, b, micgate.New(), testConfig())
	startActor(t, a)

	// First utterance: no prefix context, so 2 speech + 2 trailing appends.
	dev.PushN(tone(900), 2)
	dev.PushN(tone(0), 2)
	waitFor(t, "first turn", func() bool { return sess.count() == 6 })

	// The model starts replying; a new commit must now cancel it first.
	sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "resp_1"})

	dev.PushN(tone(900), 2)
	dev.PushN(tone(0), 2)
	waitFor(t, "second turn", func() bool { return sess.count() == 13 })

	types := sess.types()
	if types[10] != realtime.TypeInputAudioBufferCommit {
		t.Fatalf("event 10: want commit, got %s", types[10])
	}
	if types[11] != realtime.TypeResponseCancel {
		t.Fatalf("event 11: want response.cancel, got %s", types[11])
	}
	if types[12] != realtime.TypeResponseCreate {
		t.Fatalf("event 12: want response.create, got %s", types[12])
	}
}

func TestRun_PersistentReadFailureStopsWithFault(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	for i := 0; i < 3; i++ {
		dev.PushErr(errors.New("mic unplugged"))
	}
	sess := newFakeSession()
	b := bus.New()

	var mu sync.Mutex
	var statuses []bus.ListeningStatus
	err := b.Register(bus.NodeSpec{
		Name: "observer",
		Subscribes: map[bus.Topic]func(bus.Message){
			bus.TopicListeningStatus: func(msg bus.Message) {
				mu.Lock()
				statuses = append(statuses, msg.Payload.(bus.ListeningStatus))
				mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := testConfig()
	cfg.MaxReadErrors = 2
	a := capture.New(dev, sess, b, micgate.New(), cfg)
	done := startActor(t, a)

	select {
	case runErr := <-done:
		if runErr == nil {
			t.Fatal("Run should return an error on persistent device failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on persistent device failure")
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	var fault bool
	for _, st := range statuses {
		if st.Fault != "" {
			fault = true
		}
	}
	if !fault {
		t.Fatalf("no fault published on listening_status: %+v", statuses)
	}
}

func TestRun_GateOnSilenceDisabledForwardsEverything(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	dev.PushN(tone(0), 3)
	sess := newFakeSession()
	b := bus.New()
	t.Cleanup(b.Close)

	cfg := testConfig()
	cfg.GateOnSilence = false
	a := capture.New(dev, sess, b, micgate.New(), cfg)
	startActor(t, a)

	waitFor(t, "all chunks forwarded", func() bool { return sess.count() == 3 })
	for i, typ := range sess.types() {
		if typ != realtime.TypeInputAudioBufferAppend {
			t.Fatalf("event %d: want append, got %s", i, typ)
		}
	}
}

func TestRetune_NewThresholdTakesEffect(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice()
	sess := newFakeSession()
	b := bus.New()
	t.Cleanup(b.Close)

	a := capture.New(dev, sess, b, micgate.New(), testConfig())
	startActor(t, a)

	// Below the initial threshold of 500: everything is withheld.
	dev.PushN(tone(300), 3)
	waitFor(t, "quiet chunks consumed", func() bool { return dev.Reads() == 3 })
	if n := sess.count(); n != 0 {
		t.Fatalf("quiet audio produced %d outbound events", n)
	}

	cfg := testConfig()
	cfg.VADThreshold = 200
	a.Retune(cfg)

	// The same level now classifies as speech. One extra leading chunk
	// absorbs the read that may still be classified under the old settings.
	dev.PushN(tone(300), 4)
	dev.PushN(tone(0), 3)
	waitFor(t, "appends after retune", func() bool { return sess.count() > 0 })
}
