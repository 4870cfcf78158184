package ptyio

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func TestSpawnEchoProducesOutput(t *testing.T) {
	var mu sync.Mutex
	var got bytes.Buffer
	outputCh := make(chan struct{}, 1)

	h, err := Spawn(SpawnConfig{
		Command: "/bin/echo",
		Args:    []string{"hello-ptyio"},
		Rows:    24,
		Cols:    80,
	}, func(b []byte) {
		mu.Lock()
		got.Write(b)
		mu.Unlock()
		select {
		case outputCh <- struct{}{}:
		default:
		}
	}, func(code *int) {}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case <-outputCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Kill(ctx); err != nil {
		t.Fatalf("kill: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Contains(got.Bytes(), []byte("hello-ptyio")) {
		t.Errorf("output %q does not contain expected text", got.String())
	}
}

func TestKillDeliversExit(t *testing.T) {
	exitCh := make(chan *int, 1)

	h, err := Spawn(SpawnConfig{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Rows:    24,
		Cols:    80,
	}, func(b []byte) {}, func(code *int) {
		exitCh <- code
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Kill(ctx); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}

	if _, exited := h.ExitCode(); !exited {
		t.Error("expected exited to be true after Kill")
	}
}

func TestResizeUpdatesSize(t *testing.T) {
	h, err := Spawn(SpawnConfig{
		Command: "/bin/sleep",
		Args:    []string{"30"},
		Rows:    24,
		Cols:    80,
	}, func(b []byte) {}, func(code *int) {}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Kill(ctx)
	}()

	if err := h.Resize(50, 120); err != nil {
		t.Fatalf("resize: %v", err)
	}
	rows, cols := h.Size()
	if rows != 50 || cols != 120 {
		t.Errorf("size = (%d,%d), want (50,120)", rows, cols)
	}
}
