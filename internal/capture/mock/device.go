// Package mock provides a scripted capture device for tests.
package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

type item struct {
	chunk []byte
	err   error
}

// Device is a capture device fed by the test. ReadChunk returns pushed
// chunks and errors in order and blocks when the script is exhausted.
type Device struct {
	mu     sync.Mutex
	queue  []item
	notify chan struct{}

	reads  atomic.Int64
	closed atomic.Bool
}

// NewDevice creates an empty scripted device; seed it with Push / PushErr.
func NewDevice(chunks ...[]byte) *Device {
	d := &Device{notify: make(chan struct{}, 1)}
	for _, c := range chunks {
		d.Push(c)
	}
	return d
}

// Push appends one chunk to the script.
func (d *Device) Push(chunk []byte) {
	d.enqueue(item{chunk: chunk})
}

// PushN appends the same chunk n times.
func (d *Device) PushN(chunk []byte, n int) {
	for i := 0; i < n; i++ {
		d.Push(chunk)
	}
}

// PushErr appends one read error to the script.
func (d *Device) PushErr(err error) {
	d.enqueue(item{err: err})
}

func (d *Device) enqueue(it item) {
	d.mu.Lock()
	d.queue = append(d.queue, it)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// ReadChunk returns the next scripted item, blocking until one is available
// or ctx ends.
func (d *Device) ReadChunk(ctx context.Context) ([]byte, error) {
	for {
		if d.closed.Load() {
			return nil, io.EOF
		}
		d.mu.Lock()
		if len(d.queue) > 0 {
			it := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.reads.Add(1)
			return it.chunk, it.err
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reads returns how many scripted items have been consumed.
func (d *Device) Reads() int64 { return d.reads.Load() }

// Close makes subsequent reads fail with io.EOF.
func (d *Device) Close() error {
	d.closed.Store(true)
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}
