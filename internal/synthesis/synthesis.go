// Package synthesis assembles streamed model audio into WAV files and plays
// them through the fixed playback path while holding the microphone gate.
//
// Audio deltas for one response are buffered in arrival order; on completion
// the concatenation is persisted to disk and the path is handed to a
// dedicated playback worker. There is no streamed-to-speaker path: a file
// always exists before the device is touched.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/micgate"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/internal/playback"
	"github.com/nevil-robotics/nevil/pkg/audio"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

const nodeName = "synthesis"

// Session is the slice of the realtime transport the synthesis actor needs.
type Session interface {
	Send(ev realtime.ClientEvent) error
	Subscribe(eventType string, h realtime.Handler) int
	Unsubscribe(eventType string, id int)
}

// Config tunes the synthesis pipeline.
type Config struct {
	// WAVDir is where response audio is persisted. Defaults to the system
	// temp directory.
	WAVDir string

	// Retention caps how many response WAVs are kept (newest first).
	Retention int

	// Voice overrides the session voice for synthesis-only requests.
	Voice string

	Format audio.Format
}

func (c *Config) applyDefaults() {
	if c.WAVDir == "" {
		c.WAVDir = filepath.Join(os.TempDir(), "nevil-responses")
	}
	if c.Retention <= 0 {
		c.Retention = 10
	}
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat
	}
}

// Stats is a snapshot of the actor's counters.
type Stats struct {
	FilesWritten  int64
	FilesPlayed   int64
	OrphanDeltas  int64
	PlaybackFails int64
}

// turn tracks one response from first event to released gate.
type turn struct {
	id         string
	started    time.Time
	pcm        []byte
	transcript strings.Builder

	audioQueued bool // WAV handed to the playback worker
	played      bool
	respDone    bool
}

// playJob is the handoff from the event side to the playback worker.
type playJob struct {
	responseID string
	path       string
	text       string
}

// Actor is the synthesis pipeline. Create with New, run with Run.
type Actor struct {
	session Session
	bus     *bus.Bus
	gate    *micgate.Gate
	player  playback.Player
	metrics *observe.Metrics
	cfg     Config

	// holds receives gate holds acquired by the capture side for user
	// turns; the actor adopts them instead of acquiring its own. Optional.
	holds <-chan *micgate.Hold

	mu       sync.Mutex
	cur      *turn
	hold     *micgate.Hold
	speaking bool

	playCh chan playJob

	filesWritten  atomic.Int64
	filesPlayed   atomic.Int64
	orphanDeltas  atomic.Int64
	playbackFails atomic.Int64
}

// Option configures an Actor.
type Option func(*Actor)

// WithHoldAdoption wires the channel from which the actor adopts gate holds
// acquired by the capture side when it requested the response.
func WithHoldAdoption(holds <-chan *micgate.Hold) Option {
	return func(a *Actor) { a.holds = holds }
}

// New creates the synthesis actor and its WAV directory.
func New(session Session, b *bus.Bus, gate *micgate.Gate, player playback.Player, cfg Config, opts ...Option) (*Actor, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.WAVDir, 0o755); err != nil {
		return nil, fmt.Errorf("synthesis: create wav dir: %w", err)
	}
	a := &Actor{
		session: session,
		bus:     b,
		gate:    gate,
		player:  player,
		metrics: observe.DefaultMetrics(),
		cfg:     cfg,
		playCh:  make(chan playJob, 4),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Stats returns a snapshot of the counters.
func (a *Actor) Stats() Stats {
	return Stats{
		FilesWritten:  a.filesWritten.Load(),
		FilesPlayed:   a.filesPlayed.Load(),
		OrphanDeltas:  a.orphanDeltas.Load(),
		PlaybackFails: a.playbackFails.Load(),
	}
}

// Run subscribes to the session and the bus and drives the playback worker
// until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	type sub struct {
		typ     string
		handler realtime.Handler
	}
	wanted := []sub{
		{realtime.TypeSessionCreated, a.onSessionCreated},
		{realtime.TypeResponseCreated, a.onCreated},
		{realtime.TypeResponseAudioDelta, a.onAudioDelta},
		{realtime.TypeResponseAudioDone, a.onAudioDone},
		{realtime.TypeResponseTranscriptDelta, a.onTranscriptDelta},
		{realtime.TypeResponseDone, a.onResponseDone},
		{realtime.TypeError, a.onError},
	}
	for _, s := range wanted {
		id := a.session.Subscribe(s.typ, s.handler)
		defer a.session.Unsubscribe(s.typ, id)
	}

	err := a.bus.Register(bus.NodeSpec{
		Name:       nodeName,
		Publishes:  []bus.Topic{bus.TopicSpeakingStatus},
		Subscribes: map[bus.Topic]func(bus.Message){bus.TopicTextResponse: a.onTextResponse},
	})
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.abort("shutdown")
			return nil
		case job := <-a.playCh:
			start := time.Now()
			if err := a.player.Play(ctx, job.path); err != nil {
				a.playbackFails.Add(1)
				slog.Error("synthesis: playback failed", "path", job.path, "err", err)
			} else {
				a.filesPlayed.Add(1)
				a.metrics.PlaybackDuration.Record(ctx, time.Since(start).Seconds())
				a.metrics.Responses.Add(ctx, 1)
			}
			a.finishPlayback(job)
		}
	}
}

// ── Bus side ──────────────────────────────────────────────────────────────────

// onTextResponse starts a synthesis-only turn for text produced outside the
// voice path: gate first, then clear the server's input buffer, announce
// speaking, and only then ask for audio.
func (a *Actor) onTextResponse(msg bus.Message) {
	tr, ok := msg.Payload.(bus.TextResponse)
	if !ok || tr.Text == "" {
		return
	}

	a.mu.Lock()
	if a.hold != nil {
		a.mu.Unlock()
		slog.Debug("synthesis: turn already in progress, dropping text_response", "text", tr.Text)
		return
	}
	a.hold = a.takeHold()
	a.metrics.MicGateHolds.Add(context.Background(), 1)
	a.mu.Unlock()

	if err := a.session.Send(realtime.InputAudioClear{}); err != nil {
		slog.Warn("synthesis: input clear failed", "err", err)
	}

	a.mu.Lock()
	a.setSpeakingLocked(true, tr.Text)
	a.mu.Unlock()

	voice := tr.Voice
	if voice == "" {
		voice = a.cfg.Voice
	}
	err := a.session.Send(realtime.ResponseCreate{Response: realtime.ResponseParams{
		Modalities:   []string{"audio", "text"},
		Voice:        voice,
		Instructions: "Say exactly the following, nothing else: " + tr.Text,
	}})
	if err != nil {
		slog.Warn("synthesis: response.create failed", "err", err)
		a.abort("send failed")
	}
}

// ── Session side ──────────────────────────────────────────────────────────────

func (a *Actor) onCreated(ev *realtime.ServerEvent) {
	id := ev.ResponseIDOf()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur != nil && a.cur.id != id {
		slog.Warn("synthesis: discarding orphaned response buffer",
			"orphan_id", a.cur.id, "response_id", id, "buffered_bytes", len(a.cur.pcm))
	}
	a.cur = &turn{id: id, started: time.Now()}

	// Adopt the hold the capture side acquired for this turn, if any; fall
	// back to acquiring our own.
	had := a.hold != nil
	if a.holds != nil {
		select {
		case h := <-a.holds:
			if a.hold != nil {
				a.hold.Release()
			}
			a.hold = h
		default:
		}
	}
	if a.hold == nil {
		a.hold = a.gate.Acquire("speaking")
	}
	if !had {
		a.metrics.MicGateHolds.Add(context.Background(), 1)
	}
	a.setSpeakingLocked(true, "")
}

// onSessionCreated fires once per (re)connect. A response that was in flight
// when the connection dropped will never deliver another event, so any open
// turn is torn down and the gate released; capture must not stay muted.
func (a *Actor) onSessionCreated(*realtime.ServerEvent) {
	a.mu.Lock()
	stale := a.cur != nil || a.hold != nil
	a.mu.Unlock()
	if stale {
		a.abort("session restarted")
	}
}

func (a *Actor) onAudioDelta(ev *realtime.ServerEvent) {
	pcm, err := ev.AudioPayload()
	if err != nil {
		slog.Warn("synthesis: bad audio delta", "err", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id := ev.ResponseIDOf()
	if a.cur == nil || (id != "" && id != a.cur.id) {
		a.orphanDeltas.Add(1)
		slog.Debug("synthesis: dropping audio delta for unknown response", "response_id", id)
		return
	}
	if a.cur.audioQueued {
		// Already persisted and playing; late deltas are ignored.
		return
	}
	a.cur.pcm = append(a.cur.pcm, pcm...)
}

func (a *Actor) onTranscriptDelta(ev *realtime.ServerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		a.cur.transcript.WriteString(ev.Delta)
	}
}

func (a *Actor) onAudioDone(ev *realtime.ServerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := ev.ResponseIDOf()
	if a.cur == nil || (id != "" && id != a.cur.id) || a.cur.audioQueued {
		return
	}
	if len(a.cur.pcm) == 0 {
		return
	}

	path := filepath.Join(a.cfg.WAVDir, time.Now().UTC().Format("20060102-150405.000000000")+".wav")
	if err := audio.WriteWAVFile(path, a.cur.pcm); err != nil {
		slog.Error("synthesis: wav write failed", "path", path, "err", err)
		a.cur.pcm = nil
		return
	}
	a.filesWritten.Add(1)
	a.cur.pcm = nil
	a.cur.audioQueued = true
	slog.Info("synthesis: response persisted", "response_id", a.cur.id, "path", path)

	select {
	case a.playCh <- playJob{responseID: a.cur.id, path: path, text: a.cur.transcript.String()}:
	default:
		// Worker backlog full; treat like a playback failure so the turn
		// still completes.
		slog.Error("synthesis: playback queue full, dropping response audio", "path", path)
		a.cur.played = true
		a.finishIfReadyLocked()
	}

	if err := pruneWAVs(a.cfg.WAVDir, a.cfg.Retention); err != nil {
		slog.Warn("synthesis: wav retention prune failed", "err", err)
	}
}

func (a *Actor) onResponseDone(ev *realtime.ServerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := ev.ResponseIDOf()
	if a.cur == nil {
		// No turn to close, but never strand a hold.
		a.releaseLocked()
		return
	}
	if id != "" && id != a.cur.id {
		// Completion of an already-orphaned response; the active turn
		// keeps the gate.
		return
	}
	a.cur.respDone = true
	if !a.cur.audioQueued {
		// Cancelled or text-only: nothing will be played.
		a.cur.pcm = nil
	}
	a.finishIfReadyLocked()
}

func (a *Actor) onError(ev *realtime.ServerEvent) {
	msg := ""
	if ev.Error != nil {
		msg = ev.Error.Message
	}
	slog.Warn("synthesis: session error event", "message", msg)
	a.metrics.SessionErrors.Add(context.Background(), 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && !a.cur.audioQueued {
		a.cur = nil
		a.releaseLocked()
	}
}

// ── Turn lifecycle ────────────────────────────────────────────────────────────

func (a *Actor) finishPlayback(job playJob) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur != nil && a.cur.id == job.responseID {
		a.cur.played = true
		a.finishIfReadyLocked()
		return
	}
	if a.cur == nil {
		// The turn was torn down while its file played; make sure the gate
		// does not stay held.
		a.releaseLocked()
	}
}

// finishIfReadyLocked closes the turn once the model is done and any queued
// audio has been played.
func (a *Actor) finishIfReadyLocked() {
	if a.cur == nil || !a.cur.respDone {
		return
	}
	if a.cur.audioQueued && !a.cur.played {
		return
	}
	text := a.cur.transcript.String()
	a.metrics.TurnDuration.Record(context.Background(), time.Since(a.cur.started).Seconds())
	a.cur = nil
	a.setSpeakingLocked(false, text)
	a.releaseHoldLocked()
}

// abort tears down the current turn unconditionally, releasing the gate.
func (a *Actor) abort(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		slog.Warn("synthesis: aborting turn", "response_id", a.cur.id, "reason", reason)
		a.cur = nil
	}
	a.releaseLocked()
}

// releaseLocked publishes speaking=false if needed and releases the hold.
func (a *Actor) releaseLocked() {
	a.setSpeakingLocked(false, "")
	a.releaseHoldLocked()
}

func (a *Actor) releaseHoldLocked() {
	if a.hold != nil {
		a.hold.Release()
		a.hold = nil
		a.metrics.MicGateHolds.Add(context.Background(), -1)
	}
	// Also release any hold deposited for a turn that never materialised.
	if a.holds != nil {
		select {
		case h := <-a.holds:
			h.Release()
		default:
		}
	}
}

func (a *Actor) setSpeakingLocked(speaking bool, text string) {
	if a.speaking == speaking {
		return
	}
	a.speaking = speaking
	a.bus.Publish(nodeName, bus.TopicSpeakingStatus, bus.SpeakingStatus{
		Speaking:  speaking,
		Text:      text,
		Timestamp: time.Now(),
	})
}

func (a *Actor) takeHold() *micgate.Hold {
	if a.holds != nil {
		select {
		case h := <-a.holds:
			return h
		default:
		}
	}
	return a.gate.Acquire("speaking")
}

// pruneWAVs deletes all but the newest keep WAV files in dir. File names are
// timestamp-based, so lexical order is chronological.
func pruneWAVs(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".wav") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
