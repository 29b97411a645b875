package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRunsOnSchedule(t *testing.T) {
	s := New(context.Background(), nil)
	var fired int32
	if err := s.AddJob("test-job", "* * * * * *", func(ctx context.Context) {
		atomic.AddInt32(&fired, 1)
	}); err == nil {
		t.Fatal("expected error: 5-field parser rejects a 6-field (seconds) expression")
	}

	if err := s.AddJob("every-minute", "* * * * *", func(ctx context.Context) {
		atomic.AddInt32(&fired, 1)
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	defer s.Stop()
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(context.Background(), nil)
	done := make(chan struct{})
	if err := s.AddJob("noop", "* * * * *", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	s.cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not canceled")
	}
}
