package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/nevil-robotics/nevil/pkg/audio"
)

// Device is one microphone. ReadChunk blocks until a full chunk of PCM is
// available or ctx is cancelled. Implementations own the underlying handle;
// Close releases it and unblocks any pending read.
type Device interface {
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// ALSADevice captures from an ALSA input by running arecord and reading raw
// PCM from its stdout. A background goroutine slices the stream into chunks
// and keeps only the freshest few, so a stalled consumer resumes with recent
// audio instead of a backlog.
type ALSADevice struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	chunks chan []byte
	errs   chan error

	closeOnce sync.Once
	closeErr  error
}

var _ Device = (*ALSADevice)(nil)

// OpenALSA starts arecord for the named ALSA device ("" selects the default)
// in the given format and begins buffering chunks.
func OpenALSA(device string, format audio.Format) (*ALSADevice, error) {
	args := []string{
		"-q", "-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(format.SampleRate),
		"-c", strconv.Itoa(format.Channels),
	}
	if device != "" {
		args = append(args, "-D", device)
	}
	cmd := exec.Command("arecord", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: arecord stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start arecord: %w", err)
	}

	d := &ALSADevice{
		cmd:    cmd,
		stdout: stdout,
		chunks: make(chan []byte, 4),
		errs:   make(chan error, 1),
	}
	go d.readLoop()
	return d, nil
}

// readLoop slices stdout into fixed chunks. When the consumer falls behind,
// the oldest buffered chunk is dropped so reads stay close to real time.
func (d *ALSADevice) readLoop() {
	for {
		buf := make([]byte, audio.ChunkBytes)
		if _, err := io.ReadFull(d.stdout, buf); err != nil {
			select {
			case d.errs <- fmt.Errorf("capture: device read: %w", err):
			default:
			}
			return
		}
		select {
		case d.chunks <- buf:
		default:
			select {
			case <-d.chunks:
			default:
			}
			d.chunks <- buf
		}
	}
}

// ReadChunk returns the next buffered chunk.
func (d *ALSADevice) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-d.chunks:
		return chunk, nil
	case err := <-d.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the arecord process and releases the device.
func (d *ALSADevice) Close() error {
	d.closeOnce.Do(func() {
		d.stdout.Close()
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		d.closeErr = d.cmd.Wait()
	})
	return d.closeErr
}
