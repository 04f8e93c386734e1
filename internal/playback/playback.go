// Package playback wraps the fixed hardware playback path: a blocking,
// file-based call that plays a WAV file to completion on the configured
// output device. The synthesis actor prepares the file; this package only
// hands it to the device.
package playback

import (
	"context"
	"fmt"
	"os/exec"
)

// Player plays one WAV file to completion. Play blocks until the device has
// flushed the audio or ctx is cancelled; cancellation kills the underlying
// process mid-file.
type Player interface {
	Play(ctx context.Context, path string) error
}

// ALSAPlayer shells out to aplay for each file. Playback of a single file is
// atomic from the caller's perspective: the call returns only when the
// device is done.
type ALSAPlayer struct {
	// Device is the ALSA device name; empty selects the default.
	Device string
}

var _ Player = (*ALSAPlayer)(nil)

// Play plays the WAV at path and blocks until completion.
func (p *ALSAPlayer) Play(ctx context.Context, path string) error {
	args := []string{"-q"}
	if p.Device != "" {
		args = append(args, "-D", p.Device)
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, "aplay", args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback: aplay %s: %w", path, err)
	}
	return nil
}
