package approval

import (
	"testing"
	"time"
)

func TestStoreGetRemove(t *testing.T) {
	s := New(nil, nil)
	id := s.StoreAction("delete staging db", "sess-1", "general", "telegram", TransportHandle{Channel: "telegram", ChatID: 42}, 0)

	action, ok := s.Get(id)
	if !ok {
		t.Fatal("expected action to be present")
	}
	if action.Description != "delete staging db" {
		t.Fatalf("description = %q", action.Description)
	}

	if !s.Remove(id) {
		t.Fatal("expected Remove to report success")
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("expected action to be gone after Remove")
	}
}

func TestExpiryViaSweeper(t *testing.T) {
	s := New(nil, nil)
	id := s.StoreAction("noop", "sess-1", "general", "telegram", TransportHandle{}, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get(id); ok {
		t.Fatal("expected expired action to be invisible via Get")
	}

	s.StartSweeper(5 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	s.Stop()

	if s.Len() != 0 {
		t.Fatalf("expected sweeper to have removed expired entry, len=%d", s.Len())
	}
}

func TestConcurrentRemoveSingleWinner(t *testing.T) {
	s := New(nil, nil)
	id := s.StoreAction("noop", "sess-1", "general", "telegram", TransportHandle{}, 0)

	results := make(chan bool, 2)
	go func() { results <- s.Remove(id) }()
	go func() { results <- s.Remove(id) }()

	a, b := <-results, <-results
	if a == b {
		t.Fatalf("expected exactly one winner, got a=%v b=%v", a, b)
	}
}

func TestResolvePublishesAndRemoves(t *testing.T) {
	s := New(nil, nil)
	id := s.StoreAction("noop", "sess-1", "general", "telegram", TransportHandle{}, 0)

	action, ok := s.Resolve(id, "approve")
	if !ok {
		t.Fatal("expected resolve to find the action")
	}
	if action.Agent != "general" {
		t.Fatalf("agent = %q", action.Agent)
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("expected action removed after resolve")
	}
}
