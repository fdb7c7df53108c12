package runner

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunDrainsOnContextCancel(t *testing.T) {
	var drained, started, stopped atomic.Int32
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained.Add(1)
		return nil
	}), Options{
		Quiet: true,
		Hooks: Hooks{
			OnStart: func(context.Context) error { started.Add(1); return nil },
			OnStop:  func() { stopped.Add(1) },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if started.Load() != 1 || drained.Load() != 1 || stopped.Load() != 1 {
		t.Fatalf("hooks: start=%d drain=%d stop=%d", started.Load(), drained.Load(), stopped.Load())
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if drained.Load() != 1 {
		t.Fatalf("drain ran twice")
	}
}

func TestRunStartFailure(t *testing.T) {
	boom := errors.New("listen failed")
	var drained atomic.Int32
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained.Add(1)
		return nil
	}), Options{
		Quiet: true,
		Hooks: Hooks{OnStart: func(context.Context) error { return boom }},
	})
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if drained.Load() != 0 {
		t.Fatalf("drain should not run after failed start")
	}
}

func TestStopDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Options{Quiet: true, Timeout: 20 * time.Millisecond})
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	r := NewLifecycleRunner(nil, Options{Quiet: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestStateString(t *testing.T) {
	if StateDraining.String() != "draining" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if buf.Len() == 0 {
		t.Fatalf("expected banner output")
	}
	PrintBanner(nil)
}
