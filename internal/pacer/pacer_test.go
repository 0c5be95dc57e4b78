package pacer

import (
	"context"
	"testing"
	"time"
)

func TestWaitSpacesCalls(t *testing.T) {
	p := New(20 * time.Millisecond)

	var stamps []time.Time
	for i := 0; i < 4; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		stamps = append(stamps, time.Now())
	}
	// The first call is free (burst 1); the remaining three wait one interval each.
	if elapsed := stamps[3].Sub(stamps[0]); elapsed < 55*time.Millisecond {
		t.Fatalf("calls were not paced: elapsed %s", elapsed)
	}
}

func TestNilPacerOnlyChecksContext(t *testing.T) {
	var p *Pacer
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("nil pacer should not block: %v", err)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	p := New(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first wait should pass immediately: %v", err)
	}
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatalf("expected error after cancellation")
	}
}

func TestDisabledPacerDoesNotWait(t *testing.T) {
	p := New(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("disabled pacer waited %s", elapsed)
	}
}
