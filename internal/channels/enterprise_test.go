package channels_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaycore/relaycore/internal/approval"
	"github.com/relaycore/relaycore/internal/channels"
)

var _ channels.Channel = (*channels.EnterpriseChannel)(nil)

func TestEnterpriseChannel_RejectsInvalidPayload(t *testing.T) {
	ch := channels.NewEnterpriseChannel(nil, approval.New(nil, nil), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook/enterprise", strings.NewReader(`{"type":"bogus"}`))
	rec := httptest.NewRecorder()
	ch.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEnterpriseChannel_BlockActionsRequiresActionID(t *testing.T) {
	ch := channels.NewEnterpriseChannel(nil, approval.New(nil, nil), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook/enterprise", strings.NewReader(`{"type":"block_actions","channel":"C1"}`))
	rec := httptest.NewRecorder()
	ch.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEnterpriseChannel_BlockActionsResolvesExpiredAction(t *testing.T) {
	ch := channels.NewEnterpriseChannel(nil, approval.New(nil, nil), nil, nil)
	body := `{"type":"block_actions","channel":"C1","user":"U1","action_id":"approval:missing-id:approve"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/enterprise", strings.NewReader(body))
	rec := httptest.NewRecorder()
	ch.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "expired") {
		t.Fatalf("expected expired-request message, got %q", rec.Body.String())
	}
}

func TestEnterpriseChannel_SendFailsWithoutRegisteredWebhook(t *testing.T) {
	ch := channels.NewEnterpriseChannel(nil, approval.New(nil, nil), nil, nil)
	if _, err := ch.Send(nil, "enterprise:C1", "hello"); err == nil {
		t.Fatal("expected error sending to an unregistered channel")
	}
}

func TestEnterpriseChannel_Name(t *testing.T) {
	ch := channels.NewEnterpriseChannel(nil, approval.New(nil, nil), nil, nil)
	if got := ch.Name(); got != "enterprise" {
		t.Fatalf("Name() = %q, want %q", got, "enterprise")
	}
}
