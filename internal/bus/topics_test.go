package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	for name, topic := range map[string]string{
		"TopicTurnQueued":             TopicTurnQueued,
		"TopicTurnStarted":            TopicTurnStarted,
		"TopicTurnCompleted":          TopicTurnCompleted,
		"TopicTurnFailed":             TopicTurnFailed,
		"TopicModelTimeout":           TopicModelTimeout,
		"TopicModelSessionCorrupted":  TopicModelSessionCorrupted,
		"TopicModelExternalKill":      TopicModelExternalKill,
		"TopicDeliverySent":           TopicDeliverySent,
		"TopicDeliveryFallback":       TopicDeliveryFallback,
		"TopicDeliveryFailed":         TopicDeliveryFailed,
		"TopicDeliveryNudged":         TopicDeliveryNudged,
		"TopicConsolidationStarted":   TopicConsolidationStarted,
		"TopicConsolidationBlockDone": TopicConsolidationBlockDone,
		"TopicConsolidationRollback":  TopicConsolidationRollback,
		"TopicApprovalRequested":      TopicApprovalRequested,
		"TopicApprovalResolved":       TopicApprovalResolved,
		"TopicApprovalExpired":        TopicApprovalExpired,
		"TopicRetryItemEnqueued":      TopicRetryItemEnqueued,
		"TopicRetryItemCompleted":     TopicRetryItemCompleted,
		"TopicRetryItemFailed":        TopicRetryItemFailed,
	} {
		if topic == "" {
			t.Fatalf("%s is empty", name)
		}
	}

	seen := map[string]bool{}
	for _, topic := range []string{
		TopicTurnQueued, TopicTurnStarted, TopicTurnCompleted, TopicTurnFailed,
		TopicModelTimeout, TopicModelSessionCorrupted, TopicModelExternalKill,
		TopicDeliverySent, TopicDeliveryFallback, TopicDeliveryFailed, TopicDeliveryNudged,
		TopicConsolidationStarted, TopicConsolidationBlockDone, TopicConsolidationRollback,
		TopicApprovalRequested, TopicApprovalResolved, TopicApprovalExpired,
		TopicRetryItemEnqueued, TopicRetryItemCompleted, TopicRetryItemFailed,
	} {
		if seen[topic] {
			t.Fatalf("duplicate topic value %q", topic)
		}
		seen[topic] = true
	}
}

func TestApprovalRequestedEvent_Fields(t *testing.T) {
	ev := ApprovalRequestedEvent{
		RequestID: "req-123",
		Channel:   "telegram:42",
		Agent:     "general",
	}
	if ev.RequestID == "" {
		t.Fatal("RequestID must not be empty")
	}
	if ev.Channel == "" {
		t.Fatal("Channel must not be empty")
	}
	if ev.Agent == "" {
		t.Fatal("Agent must not be empty")
	}
}

func TestApprovalResolvedEvent_Action(t *testing.T) {
	for _, action := range []string{"approve", "deny"} {
		ev := ApprovalResolvedEvent{RequestID: "req-123", Action: action}
		if ev.Action != action {
			t.Fatalf("Action mismatch: got %s, want %s", ev.Action, action)
		}
	}
}

func TestTurnCompletedEvent_Status(t *testing.T) {
	for _, status := range []string{"succeeded", "failed", "canceled"} {
		ev := TurnCompletedEvent{Channel: "telegram:42", MessageID: "m-1", Status: status}
		if ev.Status != status {
			t.Fatalf("Status mismatch: got %s, want %s", ev.Status, status)
		}
		if ev.Channel == "" {
			t.Fatal("Channel must not be empty")
		}
	}
}
