package webhookrace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/relaycore/internal/approval"
)

func TestRunReturnsPipelinePayloadWhenFastEnough(t *testing.T) {
	run := func(ctx context.Context) (Payload, error) {
		return Payload{Text: "done quickly"}, nil
	}
	result := Run(context.Background(), 50*time.Millisecond, run, nil, nil)
	if result.Outcome != OutcomePipelineWon {
		t.Fatalf("outcome = %v, want OutcomePipelineWon", result.Outcome)
	}
	if result.Payload.Text != "done quickly" {
		t.Fatalf("payload = %+v", result.Payload)
	}
}

func TestRunReturnsTimerWonWhenPipelineIsSlow(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context) (Payload, error) {
		close(started)
		time.Sleep(60 * time.Millisecond)
		return Payload{Text: "eventually done"}, nil
	}

	var mu sync.Mutex
	var late *Payload
	lateCh := make(chan struct{})
	onLate := func(p Payload, err error) {
		mu.Lock()
		late = &p
		mu.Unlock()
		close(lateCh)
	}

	start := time.Now()
	result := Run(context.Background(), 20*time.Millisecond, run, onLate, nil)
	elapsed := time.Since(start)

	if result.Outcome != OutcomeTimerWon {
		t.Fatalf("outcome = %v, want OutcomeTimerWon", result.Outcome)
	}
	if elapsed > 40*time.Millisecond {
		t.Fatalf("Run should return promptly on timer win, took %v", elapsed)
	}

	<-started
	select {
	case <-lateCh:
	case <-time.After(time.Second):
		t.Fatal("onLate was never called")
	}
	mu.Lock()
	defer mu.Unlock()
	if late == nil || late.Text != "eventually done" {
		t.Fatalf("late payload = %+v", late)
	}
}

func TestRunPipelinePayloadCarriesApprovalActions(t *testing.T) {
	run := func(ctx context.Context) (Payload, error) {
		return Payload{
			Text:    "please confirm",
			Actions: []approval.PendingAction{{ID: "a1", Description: "send the email"}},
		}, nil
	}
	result := Run(context.Background(), time.Second, run, nil, nil)
	if len(result.Payload.Actions) != 1 || result.Payload.Actions[0].ID != "a1" {
		t.Fatalf("actions = %+v", result.Payload.Actions)
	}
}

func TestRunPipelineErrorSurfacesOnFastPath(t *testing.T) {
	wantErr := errors.New("model unavailable")
	run := func(ctx context.Context) (Payload, error) {
		return Payload{}, wantErr
	}
	// Fast-path error isn't returned by Run directly (Run only reports
	// Outcome/Payload), but it must not panic or hang; onLate must not
	// fire since the pipeline won the race.
	onLate := func(p Payload, err error) {
		t.Fatal("onLate should not be called when the pipeline wins the race")
	}
	result := Run(context.Background(), time.Second, run, onLate, nil)
	if result.Outcome != OutcomePipelineWon {
		t.Fatalf("outcome = %v, want OutcomePipelineWon", result.Outcome)
	}
	time.Sleep(10 * time.Millisecond)
}
