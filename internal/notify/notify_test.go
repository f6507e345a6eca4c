package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
)

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (r *recordingNotifier) Send(n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestMultiNotifier_SendsToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	m := NewMultiNotifier(a, b)

	if err := m.Send(Notification{Title: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(a.sent), len(b.sent))
	}
}

func TestMultiNotifier_ContinuesPastFailures(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("down")}
	good := &recordingNotifier{}
	m := NewMultiNotifier(bad, good)

	if err := m.Send(Notification{Title: "hi"}); err == nil {
		t.Error("Send() = nil, want the failing notifier's error")
	}
	if len(good.sent) != 1 {
		t.Error("second notifier skipped after first failed")
	}
}

func TestSlackNotifier_Payload(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackNotifier(srv.URL)
	err := s.Send(Notification{
		Title:   "Phase build failed",
		Message: "patch did not apply",
		Type:    NotifyError,
		RunID:   "run-1",
		PhaseID: "build",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Text != "Phase build failed" {
		t.Errorf("text = %q", got.Text)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Color != "danger" {
		t.Errorf("color = %q, want danger", att.Color)
	}
	if att.Title != "run-1 / build" {
		t.Errorf("attachment title = %q, want run-1 / build", att.Title)
	}
}

func TestSlackNotifier_EmptyURLIsDisabled(t *testing.T) {
	s := NewSlackNotifier("")
	if err := s.Send(Notification{Title: "hi"}); err != nil {
		t.Errorf("Send() with empty URL = %v, want nil", err)
	}
}

func TestIconForType(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifyInfo, "dialog-information"},
		{NotifySuccess, "emblem-default"},
		{NotifyWarning, "dialog-warning"},
		{NotifyError, "dialog-error"},
	}
	for _, tt := range tests {
		if got := IconForType(tt.typ); got != tt.want {
			t.Errorf("IconForType(%d) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestEventHandler_Routing(t *testing.T) {
	rec := &recordingNotifier{}
	h := EventHandler(rec)

	tests := []struct {
		kind     events.Kind
		wantSent bool
		wantType NotificationType
	}{
		{events.KindPhaseStarted, false, NotifyInfo},
		{events.KindPhaseCompleted, true, NotifySuccess},
		{events.KindPhaseFailed, true, NotifyError},
		{events.KindStuckDecision, true, NotifyWarning},
		{events.KindProposal, true, NotifyWarning},
		{events.KindRunFinished, true, NotifyInfo},
	}

	for _, tt := range tests {
		rec.sent = nil
		err := h(context.Background(), events.Event{Kind: tt.kind, RunID: "r", PhaseID: "p", Message: "m"})
		if err != nil {
			t.Fatalf("handler(%s) error = %v", tt.kind, err)
		}
		if tt.wantSent != (len(rec.sent) == 1) {
			t.Errorf("%s: sent = %d, want sent=%v", tt.kind, len(rec.sent), tt.wantSent)
			continue
		}
		if tt.wantSent && rec.sent[0].Type != tt.wantType {
			t.Errorf("%s: type = %d, want %d", tt.kind, rec.sent[0].Type, tt.wantType)
		}
	}
}
