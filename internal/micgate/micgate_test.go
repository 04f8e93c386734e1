package micgate_test

import (
	"sync"
	"testing"

	"github.com/nevil-robotics/nevil/internal/micgate"
)

func TestGate_AvailableWhenNoHolders(t *testing.T) {
	t.Parallel()

	g := micgate.New()
	if !g.Available() {
		t.Fatal("new gate should be available")
	}
}

func TestGate_AcquireRelease(t *testing.T) {
	t.Parallel()

	g := micgate.New()
	hold := g.Acquire("speaking")

	if g.Available() {
		t.Fatal("gate should be held after Acquire")
	}
	if got := g.Activities(); len(got) != 1 || got[0] != "speaking" {
		t.Fatalf("activities: got %v", got)
	}

	hold.Release()
	if !g.Available() {
		t.Fatal("gate should be available after Release")
	}
	if got := g.Activities(); len(got) != 0 {
		t.Fatalf("activities after release: got %v", got)
	}
}

func TestGate_MultipleActivities(t *testing.T) {
	t.Parallel()

	g := micgate.New()
	speaking := g.Acquire("speaking")
	navigating := g.Acquire("navigating")

	if got := g.Activities(); len(got) != 2 || got[0] != "navigating" || got[1] != "speaking" {
		t.Fatalf("activities: got %v", got)
	}

	speaking.Release()
	if g.Available() {
		t.Fatal("gate should remain held while navigating holds it")
	}
	navigating.Release()
	if !g.Available() {
		t.Fatal("gate should be available after all holds released")
	}
}

func TestHold_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	g := micgate.New()
	a := g.Acquire("speaking")
	b := g.Acquire("speaking")

	a.Release()
	a.Release() // second release of the same hold must be a no-op
	a.Release()

	if g.Available() {
		t.Fatal("double-release of one hold must not release the other")
	}
	b.Release()
	if !g.Available() {
		t.Fatal("gate should be available after both holds released")
	}
}

func TestGate_ConcurrentBalance(t *testing.T) {
	t.Parallel()

	g := micgate.New()
	const goroutines = 32
	const iterations = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				h := g.Acquire("stress")
				h.Release()
			}
		}()
	}
	wg.Wait()

	// Every acquire paired with exactly one release: the gate ends available.
	if !g.Available() {
		t.Fatal("gate should be available after balanced acquire/release")
	}
	if got := g.Activities(); len(got) != 0 {
		t.Fatalf("activities after stress: got %v", got)
	}
}
