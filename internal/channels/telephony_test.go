package channels

import "testing"

func TestDecodeTelephonyFrame_StartEvent(t *testing.T) {
	raw := map[string]any{"event": "start", "streamSid": "MZ123"}
	frame, err := decodeTelephonyFrame(raw)
	if err != nil {
		t.Fatalf("decodeTelephonyFrame: %v", err)
	}
	if frame.Event != "start" || frame.StreamSid != "MZ123" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestDecodeTelephonyFrame_MediaRequiresMediaField(t *testing.T) {
	raw := map[string]any{"event": "media", "streamSid": "MZ123"}
	if _, err := decodeTelephonyFrame(raw); err == nil {
		t.Fatal("expected schema validation error for media frame missing media field")
	}
}

func TestDecodeTelephonyFrame_RejectsUnknownEvent(t *testing.T) {
	raw := map[string]any{"event": "bogus"}
	if _, err := decodeTelephonyFrame(raw); err == nil {
		t.Fatal("expected schema validation error for unknown event")
	}
}

func TestDecodeTelephonyFrame_MediaWithTranscript(t *testing.T) {
	raw := map[string]any{
		"event":      "media",
		"streamSid":  "MZ123",
		"transcript": "book a table for two",
		"media":      map[string]any{"payload": "base64data"},
	}
	frame, err := decodeTelephonyFrame(raw)
	if err != nil {
		t.Fatalf("decodeTelephonyFrame: %v", err)
	}
	if frame.Transcript != "book a table for two" {
		t.Fatalf("transcript = %q", frame.Transcript)
	}
}

func TestTelephonyChannel_Name(t *testing.T) {
	ch := NewTelephonyChannel(nil, nil, nil, nil)
	if got := ch.Name(); got != "telephony" {
		t.Fatalf("Name() = %q, want %q", got, "telephony")
	}
}

func TestTelephonyChannel_HandleStopWithoutKnownStreamIsNoop(t *testing.T) {
	ch := NewTelephonyChannel(nil, nil, nil, nil)
	ch.handleStop(nil, telephonyFrame{StreamSid: "unknown"})
}
