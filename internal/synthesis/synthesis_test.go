package synthesis_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/micgate"
	"github.com/nevil-robotics/nevil/internal/synthesis"
	"github.com/nevil-robotics/nevil/pkg/audio"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

type fakeSession struct {
	mu       sync.Mutex
	events   []realtime.ClientEvent
	handlers map[string]map[int]realtime.Handler
	nextID   int

	// onSend runs inside Send before the event is recorded, for invariant
	// checks at the moment an event leaves the actor.
	onSend func(ev realtime.ClientEvent)
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string]map[int]realtime.Handler)}
}

func (f *fakeSession) Send(ev realtime.ClientEvent) error {
	if f.onSend != nil {
		f.onSend(ev)
	}
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

func (f *fakeSession) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
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

// fakePlayer records played paths; onPlay runs inside Play for invariant
// checks while the file is supposedly audible.
type fakePlayer struct {
	mu     sync.Mutex
	played []string
	err    error
	onPlay func(path string)
}

func (p *fakePlayer) Play(_ context.Context, path string) error {
	if p.onPlay != nil {
		p.onPlay(path)
	}
	p.mu.Lock()
	p.played = append(p.played, path)
	p.mu.Unlock()
	return p.err
}

func (p *fakePlayer) playedPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func delta(responseID string, pcm []byte) *realtime.ServerEvent {
	return &realtime.ServerEvent{
		Type:       realtime.TypeResponseAudioDelta,
		ResponseID: responseID,
		Delta:      base64.StdEncoding.EncodeToString(pcm),
	}
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

type fixture struct {
	sess   *fakeSession
	bus    *bus.Bus
	gate   *micgate.Gate
	player *fakePlayer
	actor  *synthesis.Actor
	dir    string

	statusMu sync.Mutex
	statuses []bus.SpeakingStatus
}

func newFixture(t *testing.T, cfg synthesis.Config, opts ...synthesis.Option) *fixture {
	t.Helper()

	f := &fixture{
		sess:   newFakeSession(),
		bus:    bus.New(),
		gate:   micgate.New(),
		player: &fakePlayer{},
		dir:    t.TempDir(),
	}
	if cfg.WAVDir == "" {
		cfg.WAVDir = f.dir
	} else {
		f.dir = cfg.WAVDir
	}

	err := f.bus.Register(bus.NodeSpec{
		Name: "observer",
		Subscribes: map[bus.Topic]func(bus.Message){
			bus.TopicSpeakingStatus: func(msg bus.Message) {
				f.statusMu.Lock()
				f.statuses = append(f.statuses, msg.Payload.(bus.SpeakingStatus))
				f.statusMu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	f.actor, err = synthesis.New(f.sess, f.bus, f.gate, f.player, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.actor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("synthesis actor did not stop")
		}
		f.bus.Close()
	})

	waitFor(t, "session subscriptions", func() bool { return f.sess.subCount() >= 7 })
	return f
}

func (f *fixture) speakingFlags() []bool {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	out := make([]bool, len(f.statuses))
	for i, st := range f.statuses {
		out[i] = st.Speaking
	}
	return out
}

func TestTextResponse_PreRequestSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{Voice: "ash"})

	waitFor(t, "text_response delivered", func() bool {
		return f.bus.Publish("cognition", bus.TopicTextResponse, bus.TextResponse{Text: "hello there"}) == 1
	})
	waitFor(t, "outbound events", func() bool { return len(f.sess.types()) == 2 })

	types := f.sess.types()
	if types[0] != realtime.TypeInputAudioBufferClear {
		t.Fatalf("event 0: want input_audio_buffer.clear, got %s", types[0])
	}
	if types[1] != realtime.TypeResponseCreate {
		t.Fatalf("event 1: want response.create, got %s", types[1])
	}
	create := f.sess.eventAt(1).(realtime.ResponseCreate)
	if !strings.Contains(create.Response.Instructions, "hello there") {
		t.Fatalf("response.create instructions missing text: %q", create.Response.Instructions)
	}
	if create.Response.Voice != "ash" {
		t.Fatalf("voice: want ash, got %q", create.Response.Voice)
	}

	if f.gate.Available() {
		t.Fatal("gate must be held before the response is requested")
	}
	waitFor(t, "speaking=true", func() bool {
		flags := f.speakingFlags()
		return len(flags) == 1 && flags[0]
	})
}

func TestResponse_PersistThenPlay(t *testing.T) {
	t.Parallel()

	var parts [][]byte
	for _, b := range []byte{1, 2, 3} {
		parts = append(parts, bytes.Repeat([]byte{b, 0}, 100))
	}
	want := bytes.Join(parts, nil)

	f := newFixture(t, synthesis.Config{})
	f.player.onPlay = func(path string) {
		// The file must be complete and valid before the device is touched.
		pcm, err := audio.ReadWAVFile(path)
		if err != nil {
			t.Errorf("wav not readable during playback: %v", err)
			return
		}
		if !bytes.Equal(pcm, want) {
			t.Error("played audio differs from the deltas in arrival order")
		}
	}

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	if f.gate.Available() {
		t.Fatal("gate must be held while the response streams")
	}
	for _, p := range parts {
		f.sess.emit(delta("r1", p))
	}
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseAudioDone, ResponseID: "r1"})
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: "r1"})

	waitFor(t, "turn finished", func() bool { return f.gate.Available() })
	if got := f.player.playedPaths(); len(got) != 1 {
		t.Fatalf("playback invocations: want 1, got %d", len(got))
	}
	stats := f.actor.Stats()
	if stats.FilesWritten != 1 || stats.FilesPlayed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	waitFor(t, "speaking toggled true then false", func() bool {
		flags := f.speakingFlags()
		return len(flags) == 2 && flags[0] && !flags[1]
	})
}

func TestOrphanedBuffer_DiscardedOnNewResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{})

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	f.sess.emit(delta("r1", bytes.Repeat([]byte{9, 0}, 50)))

	// A new response orphans r1; its late delta must be dropped.
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r2"})
	f.sess.emit(delta("r1", bytes.Repeat([]byte{9, 0}, 50)))

	r2pcm := bytes.Repeat([]byte{7, 0}, 50)
	f.player.onPlay = func(path string) {
		pcm, err := audio.ReadWAVFile(path)
		if err != nil {
			t.Errorf("read wav: %v", err)
			return
		}
		if !bytes.Equal(pcm, r2pcm) {
			t.Error("orphaned audio leaked into the new response")
		}
	}
	f.sess.emit(delta("r2", r2pcm))
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseAudioDone, ResponseID: "r2"})
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: "r2"})

	waitFor(t, "turn finished", func() bool { return f.gate.Available() })
	if stats := f.actor.Stats(); stats.OrphanDeltas != 1 {
		t.Fatalf("orphan deltas: want 1, got %d", stats.OrphanDeltas)
	}
}

func TestCancelledDuringBuffering_ReleasesGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{})

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	f.sess.emit(delta("r1", bytes.Repeat([]byte{5, 0}, 50)))
	// Cancelled before audio.done: response.done arrives with no audio.
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: "r1"})

	waitFor(t, "gate released", func() bool { return f.gate.Available() })
	if got := f.player.playedPaths(); len(got) != 0 {
		t.Fatalf("cancelled response was played: %v", got)
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read wav dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cancelled response left %d files on disk", len(entries))
	}
}

func TestPlaybackFailure_StillReleasesGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{})
	f.player.err = errors.New("device busy")

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	f.sess.emit(delta("r1", bytes.Repeat([]byte{1, 0}, 50)))
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseAudioDone, ResponseID: "r1"})
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: "r1"})

	waitFor(t, "gate released despite playback failure", func() bool { return f.gate.Available() })
	if stats := f.actor.Stats(); stats.PlaybackFails != 1 {
		t.Fatalf("playback fails: want 1, got %d", stats.PlaybackFails)
	}
	waitFor(t, "speaking toggled", func() bool {
		flags := f.speakingFlags()
		return len(flags) == 2 && flags[0] && !flags[1]
	})
}

func TestRetention_KeepsNewestFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{Retention: 2})

	for _, id := range []string{"r1", "r2", "r3"} {
		f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: id})
		f.sess.emit(delta(id, bytes.Repeat([]byte{3, 0}, 50)))
		f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseAudioDone, ResponseID: id})
		f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: id})
		waitFor(t, "turn "+id+" finished", func() bool { return f.gate.Available() })
	}

	if stats := f.actor.Stats(); stats.FilesWritten != 3 {
		t.Fatalf("files written: want 3, got %d", stats.FilesWritten)
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read wav dir: %v", err)
	}
	if len(entries) > 2 {
		t.Fatalf("retention kept %d files, want at most 2", len(entries))
	}
}

func TestSessionRestart_ReleasesStrandedTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{})

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	f.sess.emit(delta("r1", bytes.Repeat([]byte{4, 0}, 50)))
	if f.gate.Available() {
		t.Fatal("gate must be held while the response streams")
	}

	// The connection dropped mid-response and the transport reconnected: the
	// dead response id never delivers audio.done, response.done or an error
	// event. The fresh session announces itself exactly once.
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeSessionCreated})

	waitFor(t, "gate released after session restart", func() bool { return f.gate.Available() })
	if got := f.player.playedPaths(); len(got) != 0 {
		t.Fatalf("stranded response was played: %v", got)
	}
	waitFor(t, "speaking toggled true then false", func() bool {
		flags := f.speakingFlags()
		return len(flags) == 2 && flags[0] && !flags[1]
	})

	// The next turn must proceed normally.
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r2"})
	f.sess.emit(delta("r2", bytes.Repeat([]byte{6, 0}, 50)))
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseAudioDone, ResponseID: "r2"})
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: "r2"})

	waitFor(t, "next turn finished", func() bool { return f.gate.Available() })
	if got := f.player.playedPaths(); len(got) != 1 {
		t.Fatalf("next turn playback invocations: want 1, got %d", len(got))
	}
}

func TestSessionCreated_AdoptedHoldAlsoReleased(t *testing.T) {
	t.Parallel()

	holds := make(chan *micgate.Hold, 1)
	f := newFixture(t, synthesis.Config{}, synthesis.WithHoldAdoption(holds))

	holds <- f.gate.Acquire("speaking")
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	if f.gate.Available() {
		t.Fatal("adopted hold not taken")
	}

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeSessionCreated})
	waitFor(t, "adopted hold released after session restart", func() bool { return f.gate.Available() })
}

func TestTextResponse_ClearPrecedesSpeaking(t *testing.T) {
	t.Parallel()

	f := newFixture(t, synthesis.Config{})
	f.sess.onSend = func(ev realtime.ClientEvent) {
		if _, ok := ev.(realtime.InputAudioClear); ok {
			if flags := f.speakingFlags(); len(flags) != 0 {
				t.Errorf("speaking announced before the buffer clear: %v", flags)
			}
		}
	}

	waitFor(t, "text_response delivered", func() bool {
		return f.bus.Publish("cognition", bus.TopicTextResponse, bus.TextResponse{Text: "ping"}) == 1
	})
	waitFor(t, "outbound events", func() bool { return len(f.sess.types()) == 2 })
	waitFor(t, "speaking=true", func() bool {
		flags := f.speakingFlags()
		return len(flags) == 1 && flags[0]
	})
}

func TestHoldAdoption_UsesCaptureSideHold(t *testing.T) {
	t.Parallel()

	holds := make(chan *micgate.Hold, 1)
	f := newFixture(t, synthesis.Config{}, synthesis.WithHoldAdoption(holds))

	// The capture side acquired the gate when it requested the response.
	holds <- f.gate.Acquire("speaking")

	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseCreated, ResponseID: "r1"})
	f.sess.emit(delta("r1", bytes.Repeat([]byte{2, 0}, 50)))
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseAudioDone, ResponseID: "r1"})
	f.sess.emit(&realtime.ServerEvent{Type: realtime.TypeResponseDone, ResponseID: "r1"})

	// If the adopted hold were leaked, the gate would stay held forever.
	waitFor(t, "adopted hold released", func() bool { return f.gate.Available() })
}
