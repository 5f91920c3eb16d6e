package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestRunRestartsShortLivedWorkerWithBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := Config{
		Command:         []string{"/bin/sh", "-c", "exit 1"},
		StableThreshold: time.Hour,
		InitialBackoff:  50 * time.Millisecond,
		MaxBackoff:      200 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context timeout")
	}
}

func TestRunExitsCleanlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Command: []string{"/bin/sh", "-c", "sleep 5"}}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
