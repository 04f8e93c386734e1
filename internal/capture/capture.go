// Package capture owns the microphone. It segments input into fixed PCM
// chunks, applies software gain, runs voice activity detection with prefix
// and trailing padding, and forwards only user speech to the realtime
// session. The microphone gate is checked both before reading and again
// before sending, so nothing captured while the robot is audible ever
// reaches the model.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/micgate"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/pkg/audio"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

const nodeName = "capture"

// Session is the slice of the realtime transport the capture actor needs.
type Session interface {
	Send(ev realtime.ClientEvent) error
	Subscribe(eventType string, h realtime.Handler) int
	Unsubscribe(eventType string, id int)
}

// Config tunes the capture pipeline. Zero values select the defaults.
type Config struct {
	Format audio.Format

	// Gain is the software amplification applied before VAD (1.0 = none).
	Gain float64

	// VADThreshold is the RMS level a chunk must exceed, strictly, to count
	// as speech.
	VADThreshold float64

	// MinSpeech is how long audio must stay over the threshold before an
	// utterance starts.
	MinSpeech time.Duration

	// PrefixPad is how much pre-speech context is replayed when an
	// utterance starts.
	PrefixPad time.Duration

	// TrailingPad is how much post-speech silence is forwarded before the
	// utterance is committed.
	TrailingPad time.Duration

	// CommitCooldown is the minimum spacing between commits; an utterance
	// that ends inside the cooldown is committed once it expires.
	CommitCooldown time.Duration

	// GateOnSilence enables client-side VAD gating. When false every chunk
	// is forwarded while the microphone is available and the server's turn
	// detection is authoritative.
	GateOnSilence bool

	// MaxReadErrors is how many consecutive device read failures are
	// tolerated before the actor stops and publishes a fault.
	MaxReadErrors int
}

func (c *Config) applyDefaults() {
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat
	}
	if c.Gain <= 0 {
		c.Gain = 1.0
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = 500
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 300 * time.Millisecond
	}
	if c.PrefixPad <= 0 {
		c.PrefixPad = 300 * time.Millisecond
	}
	if c.TrailingPad <= 0 {
		c.TrailingPad = 300 * time.Millisecond
	}
	if c.CommitCooldown <= 0 {
		c.CommitCooldown = 2 * time.Second
	}
	if c.MaxReadErrors <= 0 {
		c.MaxReadErrors = 5
	}
}

// Stats is a snapshot of the actor's cost accounting.
type Stats struct {
	ChunksSent    int64
	ChunksSkipped int64
	ReadErrors    int64
}

// SavedRatio is the fraction of captured chunks withheld from upload.
func (s Stats) SavedRatio() float64 {
	total := s.ChunksSent + s.ChunksSkipped
	if total == 0 {
		return 0
	}
	return float64(s.ChunksSkipped) / float64(total)
}

// Actor is the capture pipeline. Create with New, run with Run.
type Actor struct {
	dev     Device
	session Session
	bus     *bus.Bus
	gate    *micgate.Gate
	metrics *observe.Metrics
	cfg     Config

	// holds carries the "speaking" gate hold acquired for a user turn to
	// the synthesis side, which releases it after playback. Optional.
	holds chan<- *micgate.Hold

	det           *detector
	serverStopped atomic.Bool
	tuning        chan Config

	mu       sync.Mutex
	inFlight string // current response id, "" when none

	chunksSent    atomic.Int64
	chunksSkipped atomic.Int64
	readErrors    atomic.Int64
}

// Option configures an Actor.
type Option func(*Actor)

// WithHoldHandoff wires the channel over which the actor passes the mic gate
// hold it acquires when requesting a response for a committed utterance.
func WithHoldHandoff(holds chan<- *micgate.Hold) Option {
	return func(a *Actor) { a.holds = holds }
}

// New creates the capture actor. The device is owned by the caller; Run does
// not close it.
func New(dev Device, session Session, b *bus.Bus, gate *micgate.Gate, cfg Config, opts ...Option) *Actor {
	cfg.applyDefaults()
	a := &Actor{
		dev:     dev,
		session: session,
		bus:     b,
		gate:    gate,
		metrics: observe.DefaultMetrics(),
		cfg:     cfg,
		det:     newDetector(cfg.VADThreshold, cfg.MinSpeech, cfg.TrailingPad, cfg.PrefixPad, cfg.Format),
		tuning:  make(chan Config, 1),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Retune replaces the gain and detection settings. The new values land
// before the next chunk is classified; detector state resets, so an
// utterance in progress at retune time is abandoned.
func (a *Actor) Retune(cfg Config) {
	cfg.applyDefaults()
	select {
	case <-a.tuning:
	default:
	}
	select {
	case a.tuning <- cfg:
	default:
	}
}

// Stats returns a snapshot of the cost counters.
func (a *Actor) Stats() Stats {
	return Stats{
		ChunksSent:    a.chunksSent.Load(),
		ChunksSkipped: a.chunksSkipped.Load(),
		ReadErrors:    a.readErrors.Load(),
	}
}

// Run drives the capture loop until ctx is cancelled or the device fails
// persistently. It publishes listening_status on entry, exit, and fault.
func (a *Actor) Run(ctx context.Context) error {
	stopSub := a.session.Subscribe(realtime.TypeSpeechStopped, func(*realtime.ServerEvent) {
		a.serverStopped.Store(true)
	})
	createdSub := a.session.Subscribe(realtime.TypeResponseCreated, func(ev *realtime.ServerEvent) {
		a.setInFlight(ev.ResponseIDOf())
	})
	doneSub := a.session.Subscribe(realtime.TypeResponseDone, func(*realtime.ServerEvent) {
		a.setInFlight("")
	})
	defer a.session.Unsubscribe(realtime.TypeSpeechStopped, stopSub)
	defer a.session.Unsubscribe(realtime.TypeResponseCreated, createdSub)
	defer a.session.Unsubscribe(realtime.TypeResponseDone, doneSub)

	a.bus.Publish(nodeName, bus.TopicListeningStatus, bus.ListeningStatus{Listening: true, Timestamp: time.Now()})
	defer a.bus.Publish(nodeName, bus.TopicListeningStatus, bus.ListeningStatus{Listening: false, Timestamp: time.Now()})

	var (
		muted         bool
		discardNext   bool // first chunk after the gate reopens may span the release
		pendingCommit bool
		lastCommit    time.Time
		consecErrs    int
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case cfg := <-a.tuning:
			a.cfg = cfg
			a.det = newDetector(cfg.VADThreshold, cfg.MinSpeech, cfg.TrailingPad, cfg.PrefixPad, cfg.Format)
			pendingCommit = false
			slog.Info("capture: retuned", "gain", cfg.Gain, "vad_threshold", cfg.VADThreshold)
		default:
		}

		// Gate check before touching the device. While held, keep the
		// device drained but classify nothing; all state from before the
		// mute is discarded.
		if !a.gate.Available() {
			if !muted {
				muted = true
				pendingCommit = false
				a.det.reset()
				slog.Debug("capture: muted", "activities", a.gate.Activities())
			}
			if _, err := a.dev.ReadChunk(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !wait(ctx, a.cfg.Format.Duration(audio.ChunkBytes)) {
					return nil
				}
			}
			a.chunksSkipped.Add(1)
			continue
		}
		if muted {
			muted = false
			discardNext = true
			slog.Debug("capture: unmuted")
		}

		chunk, err := a.dev.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.readErrors.Add(1)
			consecErrs++
			slog.Warn("capture: device read failed", "err", err, "consecutive", consecErrs)
			if consecErrs > a.cfg.MaxReadErrors {
				fault := fmt.Sprintf("device read failed %d times: %v", consecErrs, err)
				a.bus.Publish(nodeName, bus.TopicListeningStatus, bus.ListeningStatus{Fault: fault, Timestamp: time.Now()})
				return fmt.Errorf("capture: %s", fault)
			}
			if !wait(ctx, a.cfg.Format.Duration(audio.ChunkBytes)) {
				return nil
			}
			continue
		}
		consecErrs = 0

		if discardNext {
			discardNext = false
			a.chunksSkipped.Add(1)
			continue
		}

		chunk = audio.ApplyGain(chunk, a.cfg.Gain)
		rms := audio.RMS(chunk)

		if a.serverStopped.Swap(false) && a.det.endUtterance() {
			pendingCommit = true
		}

		if !a.cfg.GateOnSilence {
			if err := a.session.Send(realtime.NewInputAudioAppend(chunk)); err != nil {
				slog.Warn("capture: append failed", "err", err)
			}
			a.chunksSent.Add(1)
			continue
		}

		dec := a.det.process(chunk, rms)
		if dec.speechStart {
			a.bus.Publish(nodeName, bus.TopicSpeechDetected, bus.SpeechDetected{RMS: rms, Timestamp: time.Now()})
		}

		// Re-check the gate after classification: a mute that landed while
		// this chunk was in flight voids it and everything staged with it.
		if !a.gate.Available() {
			muted = true
			pendingCommit = false
			a.det.reset()
			a.chunksSkipped.Add(int64(max(len(dec.send), 1)))
			continue
		}

		for _, c := range dec.send {
			if err := a.session.Send(realtime.NewInputAudioAppend(c)); err != nil {
				slog.Warn("capture: append failed", "err", err)
			}
		}
		a.chunksSent.Add(int64(len(dec.send)))
		if len(dec.send) == 0 {
			a.chunksSkipped.Add(1)
		}

		if dec.commit {
			pendingCommit = true
		}
		if pendingCommit && time.Since(lastCommit) >= a.cfg.CommitCooldown {
			a.commitTurn()
			pendingCommit = false
			lastCommit = time.Now()
		}
	}
}

// commitTurn finalises the uploaded utterance and requests the reply:
// commit, cancel any in-flight response, acquire the gate for the upcoming
// audio, then response.create.
func (a *Actor) commitTurn() {
	if err := a.session.Send(realtime.InputAudioCommit{}); err != nil {
		slog.Warn("capture: commit failed", "err", err)
		return
	}
	a.metrics.Utterances.Add(context.Background(), 1)
	if id := a.currentInFlight(); id != "" {
		slog.Info("capture: cancelling in-flight response", "response_id", id)
		if err := a.session.Send(realtime.ResponseCancel{}); err != nil {
			slog.Warn("capture: cancel failed", "err", err)
		}
	}

	if a.holds != nil {
		hold := a.gate.Acquire("speaking")
		select {
		case a.holds <- hold:
		default:
			// A previous hold is still pending adoption; the gate stays
			// held through it, so this one is redundant.
			hold.Release()
		}
	}

	err := a.session.Send(realtime.ResponseCreate{
		Response: realtime.ResponseParams{Modalities: []string{"audio", "text"}},
	})
	if err != nil {
		slog.Warn("capture: response.create failed", "err", err)
	}
}

func (a *Actor) setInFlight(id string) {
	a.mu.Lock()
	a.inFlight = id
	a.mu.Unlock()
}

func (a *Actor) currentInFlight() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// wait sleeps for d unless ctx ends first; reports whether the full wait
// elapsed.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
