package pacer

import (
	"context"
	"testing"
	"time"
)

func TestFirstWaitPassesImmediately(t *testing.T) {
	t.Parallel()

	p := New(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("first wait blocked for %v", elapsed)
	}
}

func TestWaitSpacesCalls(t *testing.T) {
	t.Parallel()

	const interval = 50 * time.Millisecond
	p := New(interval)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	// Two inter-call gaps after the free first grant.
	if elapsed := time.Since(start); elapsed < 2*interval {
		t.Fatalf("3 waits took %v, want at least %v", elapsed, 2*interval)
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	t.Parallel()

	p := New(time.Hour)
	ctx := context.Background()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Wait(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("wait returned nil after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after cancel")
	}
}

func TestZeroIntervalIsUnpaced(t *testing.T) {
	t.Parallel()

	p := New(0)
	if got := p.Interval(); got != 0 {
		t.Fatalf("interval = %v, want 0", got)
	}
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("unpaced waits took %v", elapsed)
	}
}

func TestIntervalReportsConfiguredSpacing(t *testing.T) {
	t.Parallel()

	p := New(10 * time.Second)
	if got := p.Interval(); got != 10*time.Second {
		t.Fatalf("interval = %v, want 10s", got)
	}
}
