package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/resilience"
)

func TestBackoff_DoublesToCap(t *testing.T) {
	t.Parallel()

	b := &resilience.Backoff{Initial: 1 * time.Second, Max: 16 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second, // capped
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("Next() call %d: want %v, got %v", i, w, got)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	t.Parallel()

	b := &resilience.Backoff{Initial: 1 * time.Second, Max: 16 * time.Second}
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != 1*time.Second {
		t.Fatalf("Next() after Reset: want 1s, got %v", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()

	b := &resilience.Backoff{}
	if got := b.Next(); got != 1*time.Second {
		t.Fatalf("zero-value Initial: want 1s, got %v", got)
	}
}

func TestBackoff_WaitRespectsCancellation(t *testing.T) {
	t.Parallel()

	b := &resilience.Backoff{Initial: 10 * time.Second, Max: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("Wait on cancelled context: want error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Wait did not return promptly on cancellation: %v", elapsed)
	}
}

func TestBackoff_WaitCompletes(t *testing.T) {
	t.Parallel()

	b := &resilience.Backoff{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
