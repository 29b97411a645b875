package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubmitRunsImmediatelyWhenGateFree(t *testing.T) {
	var ran bool
	var mu sync.Mutex
	done := make(chan struct{})
	d := New(Config{})
	d.Submit(context.Background(), "telegram", "hi", func(ctx context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("turn did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if !ran {
		t.Fatal("expected turn to run")
	}
}

func TestSubmitQueuesSecondTurnAndReportsPosition(t *testing.T) {
	release := make(chan struct{})
	firstStarted := make(chan struct{})

	var previewPositions []int
	var mu sync.Mutex

	d := New(Config{OnPreviewReply: func(channel string, position int) {
		mu.Lock()
		previewPositions = append(previewPositions, position)
		mu.Unlock()
	}})

	d.Submit(context.Background(), "telegram", "first", func(ctx context.Context) {
		close(firstStarted)
		<-release
	})
	<-firstStarted

	secondDone := make(chan struct{})
	d.Submit(context.Background(), "telegram", "second", func(ctx context.Context) {
		close(secondDone)
	})

	status := d.Status()
	if !status.Busy || status.QueueLength != 1 {
		t.Fatalf("status = %+v", status)
	}

	close(release)
	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("queued turn never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(previewPositions) != 1 || previewPositions[0] != 1 {
		t.Fatalf("preview positions = %v", previewPositions)
	}
}

func TestTypingHeartbeatFiresWhileRunningAndStops(t *testing.T) {
	var ticks int
	var mu sync.Mutex
	d := New(Config{HeartbeatInterval: 10 * time.Millisecond, OnTyping: func(channel string) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}})

	done := make(chan struct{})
	d.Submit(context.Background(), "telegram", "hi", func(ctx context.Context) {
		time.Sleep(55 * time.Millisecond)
		close(done)
	})
	<-done

	mu.Lock()
	got := ticks
	mu.Unlock()
	if got < 3 {
		t.Fatalf("expected several heartbeat ticks, got %d", got)
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	after := ticks
	mu.Unlock()
	if after != got {
		t.Fatalf("heartbeat kept firing after turn completed: %d -> %d", got, after)
	}
}

func TestIdleTimerFiresOnIdle(t *testing.T) {
	idled := make(chan string, 1)
	d := New(Config{IdleDuration: 20 * time.Millisecond, OnIdle: func(channel string) {
		idled <- channel
	}})
	d.Submit(context.Background(), "telegram", "hi", func(ctx context.Context) {})

	select {
	case channel := <-idled:
		if channel != "telegram" {
			t.Fatalf("channel = %q", channel)
		}
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
}

func TestIdleTimerResetsOnNewTurn(t *testing.T) {
	idled := make(chan string, 1)
	d := New(Config{IdleDuration: 40 * time.Millisecond, OnIdle: func(channel string) {
		idled <- channel
	}})
	d.Submit(context.Background(), "telegram", "hi", func(ctx context.Context) {})
	time.Sleep(25 * time.Millisecond)
	d.Submit(context.Background(), "telegram", "hi again", func(ctx context.Context) {})

	select {
	case <-idled:
	case <-time.After(30 * time.Millisecond):
		// expected: idle timer was reset by the second turn and hasn't fired yet
		return
	}
	t.Fatal("idle timer fired despite being reset")
}
