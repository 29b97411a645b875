package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu        sync.Mutex
	failUntil int // number of Send calls that should fail before succeeding
	calls     int
	permanent bool
}

func (f *fakeSender) Send(ctx context.Context, channel, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent {
		return "", NewPermanentError(errors.New("bad request"))
	}
	if f.calls <= f.failUntil {
		return "", NewRetryableError(errors.New("temporary failure"))
	}
	return "ext-123", nil
}

func TestDeliverSucceedsFirstTry(t *testing.T) {
	sender := &fakeSender{}
	e := New(Config{Sender: sender, MaxRetries: 3})
	result := e.Deliver(context.Background(), "hello", Options{Channel: "telegram"})
	if result.Status != StatusSent {
		t.Fatalf("status = %v", result.Status)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Attempts)
	}
	if result.ExternalID != "ext-123" {
		t.Fatalf("external id = %q", result.ExternalID)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{failUntil: 2}
	e := New(Config{Sender: sender, MaxRetries: 3})
	start := time.Now()
	result := e.Deliver(context.Background(), "hello", Options{Channel: "telegram"})
	if result.Status != StatusSent {
		t.Fatalf("status = %v", result.Status)
	}
	if result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Attempts)
	}
	if time.Since(start) < 2*time.Second {
		t.Fatalf("expected backoff delay between attempts, elapsed %v", time.Since(start))
	}
}

func TestDeliverFallsBackAfterExhaustion(t *testing.T) {
	primary := &fakeSender{failUntil: 99}
	fallback := &fakeSender{}
	e := New(Config{Sender: switchingSender{primary: primary, fallback: fallback}, MaxRetries: 2})
	result := e.Deliver(context.Background(), "hello", Options{
		Channel:         "telegram",
		Fallback:        true,
		FallbackChannel: "sms",
	})
	if result.Status != StatusFallback {
		t.Fatalf("status = %v", result.Status)
	}
	if result.Channel != "sms" {
		t.Fatalf("channel = %q", result.Channel)
	}
}

func TestDeliverPermanentErrorFailsImmediately(t *testing.T) {
	sender := &fakeSender{permanent: true}
	e := New(Config{Sender: sender, MaxRetries: 5})
	result := e.Deliver(context.Background(), "hello", Options{Channel: "telegram"})
	if result.Status != StatusFailed {
		t.Fatalf("status = %v", result.Status)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (permanent errors should not retry)", result.Attempts)
	}
}

// switchingSender routes to primary for the given channel, fallback for
// anything else, so TestDeliverFallsBackAfterExhaustion can assert the
// fallback path without a real transport.
type switchingSender struct {
	primary  Sender
	fallback Sender
}

func (s switchingSender) Send(ctx context.Context, channel, text string) (string, error) {
	if channel == "sms" {
		return s.fallback.Send(ctx, channel, text)
	}
	return s.primary.Send(ctx, channel, text)
}

func TestAcknowledgeChannelClearsPending(t *testing.T) {
	sender := &fakeSender{}
	e := New(Config{Sender: sender, MaxRetries: 1})
	e.Deliver(context.Background(), "hi", Options{Channel: "telegram"})

	e.mu.Lock()
	_, ok := e.pendingResponse["telegram"]
	e.mu.Unlock()
	if !ok {
		t.Fatal("expected pending response to be registered after send")
	}

	e.AcknowledgeChannel("telegram")

	e.mu.Lock()
	_, ok = e.pendingResponse["telegram"]
	e.mu.Unlock()
	if ok {
		t.Fatal("expected pending response to be cleared after acknowledge")
	}
}

func TestNudgeCheckerFiresOnce(t *testing.T) {
	sender := &fakeSender{}
	var nudges []string
	var mu sync.Mutex
	e := New(Config{Sender: sender, MaxRetries: 1, OnNudge: func(channel string, count int) {
		mu.Lock()
		nudges = append(nudges, channel)
		mu.Unlock()
	}})
	e.Deliver(context.Background(), "hi", Options{Channel: "telegram"})

	e.mu.Lock()
	e.pendingResponse["telegram"].sentAt = time.Now().Add(-10 * time.Minute)
	e.mu.Unlock()

	e.checkNudges(5 * time.Minute)
	e.checkNudges(5 * time.Minute) // second scan must not re-nudge

	mu.Lock()
	defer mu.Unlock()
	if len(nudges) != 1 {
		t.Fatalf("expected exactly one nudge, got %d: %v", len(nudges), nudges)
	}
}
