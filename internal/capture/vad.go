package capture

import (
	"time"

	"github.com/nevil-robotics/nevil/pkg/audio"
)

// vadState is the per-utterance classification state.
type vadState int

const (
	// stateIdle: silence; chunks go to the padding ring.
	stateIdle vadState = iota
	// statePending: over-threshold audio shorter than the minimum speech
	// duration; chunks are staged until speech is confirmed or retracted.
	statePending
	// stateSpeaking: confirmed utterance; every chunk is forwarded.
	stateSpeaking
	// stateTrailing: silence after speech; chunks are forwarded as post-pad
	// until the pad is exhausted, which ends the utterance.
	stateTrailing
)

// decision is the outcome of classifying one chunk.
type decision struct {
	// send holds the chunks to forward, in capture order. On a speech start
	// this is the padding ring followed by the staged chunks.
	send [][]byte
	// speechStart is true on the idle-to-speaking transition.
	speechStart bool
	// commit is true when the utterance ended with this chunk.
	commit bool
}

// detector is the energy-threshold voice activity state machine. It is not
// safe for concurrent use; the capture loop is its only caller.
type detector struct {
	threshold  float64
	minSpeech  int // chunks of continuous speech before an utterance starts
	trailing   int // chunks of post-speech silence forwarded before commit
	ringChunks int // prefix padding ring capacity

	state      vadState
	ring       [][]byte
	staged     [][]byte
	trailCount int
}

func newDetector(threshold float64, minSpeech, trailingPad, prefixPad time.Duration, format audio.Format) *detector {
	chunk := format.Duration(audio.ChunkBytes)
	return &detector{
		threshold:  threshold,
		minSpeech:  chunksFor(minSpeech, chunk),
		trailing:   chunksFor(trailingPad, chunk),
		ringChunks: chunksFor(prefixPad, chunk),
	}
}

// chunksFor rounds d up to whole chunks, at least one.
func chunksFor(d, chunk time.Duration) int {
	if d <= 0 {
		return 1
	}
	n := int((d + chunk - 1) / chunk)
	if n < 1 {
		n = 1
	}
	return n
}

// process classifies one chunk. A chunk is speech only when its RMS is
// strictly above the threshold; a chunk exactly at the threshold is silence.
func (d *detector) process(chunk []byte, rms float64) decision {
	speech := rms > d.threshold

	switch d.state {
	case stateIdle:
		if !speech {
			d.pushRing(chunk)
			return decision{}
		}
		d.staged = append(d.staged, chunk)
		if len(d.staged) >= d.minSpeech {
			return d.confirmSpeech()
		}
		d.state = statePending
		return decision{}

	case statePending:
		if !speech {
			// Too short to be an utterance; demote the staged chunks to
			// padding context.
			for _, c := range d.staged {
				d.pushRing(c)
			}
			d.staged = nil
			d.pushRing(chunk)
			d.state = stateIdle
			return decision{}
		}
		d.staged = append(d.staged, chunk)
		if len(d.staged) >= d.minSpeech {
			return d.confirmSpeech()
		}
		return decision{}

	case stateSpeaking:
		if speech {
			return decision{send: [][]byte{chunk}}
		}
		d.state = stateTrailing
		d.trailCount = 1
		if d.trailCount >= d.trailing {
			return d.endTrailing(chunk)
		}
		return decision{send: [][]byte{chunk}}

	case stateTrailing:
		if speech {
			d.state = stateSpeaking
			d.trailCount = 0
			return decision{send: [][]byte{chunk}}
		}
		d.trailCount++
		if d.trailCount >= d.trailing {
			return d.endTrailing(chunk)
		}
		return decision{send: [][]byte{chunk}}
	}
	return decision{}
}

func (d *detector) confirmSpeech() decision {
	send := make([][]byte, 0, len(d.ring)+len(d.staged))
	send = append(send, d.ring...)
	send = append(send, d.staged...)
	d.ring = nil
	d.staged = nil
	d.state = stateSpeaking
	return decision{send: send, speechStart: true}
}

func (d *detector) endTrailing(chunk []byte) decision {
	d.state = stateIdle
	d.trailCount = 0
	return decision{send: [][]byte{chunk}, commit: true}
}

// endUtterance force-ends the current utterance (server-side speech stop).
// It reports whether a commit is due: true only when speech was confirmed.
func (d *detector) endUtterance() bool {
	switch d.state {
	case stateSpeaking, stateTrailing:
		d.state = stateIdle
		d.staged = nil
		d.trailCount = 0
		return true
	case statePending:
		for _, c := range d.staged {
			d.pushRing(c)
		}
		d.staged = nil
		d.state = stateIdle
	}
	return false
}

// reset clears all state, padding ring included. Called whenever the mic
// gate closes so nothing captured before a mute can leak into the session.
func (d *detector) reset() {
	d.state = stateIdle
	d.staged = nil
	d.ring = nil
	d.trailCount = 0
}

// speaking reports whether an utterance is in progress (confirmed speech or
// its trailing pad).
func (d *detector) speaking() bool {
	return d.state == stateSpeaking || d.state == stateTrailing
}

func (d *detector) pushRing(chunk []byte) {
	if len(d.ring) >= d.ringChunks {
		d.ring = d.ring[1:]
	}
	d.ring = append(d.ring, chunk)
}
