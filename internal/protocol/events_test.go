package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseClientEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		action  string
		content string
	}{
		{"send message", `{"action":"sendMessage","content":"hello"}`, false, ActionSendMessage, "hello"},
		{"typing", `{"action":"typing"}`, false, ActionTyping, ""},
		{"unknown action passes through", `{"action":"wave"}`, false, "wave", ""},
		{"missing action", `{"content":"hello"}`, true, "", ""},
		{"empty action", `{"action":""}`, true, "", ""},
		{"invalid json", `{action: sendMessage}`, true, "", ""},
		{"empty payload", ``, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseClientEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Action != tt.action {
				t.Errorf("Action = %q, want %q", ev.Action, tt.action)
			}
			if ev.Content != tt.content {
				t.Errorf("Content = %q, want %q", ev.Content, tt.content)
			}
		})
	}
}

func TestTimestamp_UsesServiceZone(t *testing.T) {
	utc := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	got := Timestamp(utc)

	if !strings.HasSuffix(got, "+07:00") {
		t.Errorf("Timestamp(%v) = %q, want +07:00 offset", utc, got)
	}
	if !strings.HasPrefix(got, "2025-03-01T17:00:00") {
		t.Errorf("Timestamp(%v) = %q, want 17:00 local time", utc, got)
	}
}

func TestNewUserEcho_ViolationsAlwaysPresent(t *testing.T) {
	payload, err := NewUserEcho("hi", time.Now())
	if err != nil {
		t.Fatalf("NewUserEcho() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	violations, ok := decoded["violations"].([]interface{})
	if !ok {
		t.Fatalf("violations field missing or wrong type: %v", decoded["violations"])
	}
	if len(violations) != 0 {
		t.Errorf("violations = %v, want empty list", violations)
	}
	if decoded["role"] != RoleUser {
		t.Errorf("role = %v, want %q", decoded["role"], RoleUser)
	}
}

func TestEventShapes(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		build func() ([]byte, error)
		check map[string]interface{}
	}{
		{
			"assistant message",
			func() ([]byte, error) { return NewMessage(RoleAssistant, "chunk", now) },
			map[string]interface{}{"role": "assistant", "content": "chunk"},
		},
		{
			"typing",
			func() ([]byte, error) { return NewTyping(12, now) },
			map[string]interface{}{"event": "TYPING", "user_id": float64(12)},
		},
		{
			"done",
			func() ([]byte, error) { return NewDone(now) },
			map[string]interface{}{"event": "DONE"},
		},
		{
			"title updated",
			func() ([]byte, error) { return NewTitleUpdated("Go Generics Help") },
			map[string]interface{}{"role": "system", "event": "TITLE_UPDATED", "title": "Go Generics Help"},
		},
		{
			"violation",
			func() ([]byte, error) { return NewViolation("warned", 2, 300, now) },
			map[string]interface{}{"event": "VIOLATION", "level": float64(2), "ban_time": float64(300)},
		},
		{
			"banned",
			func() ([]byte, error) { return NewBanned("banned", 120, now) },
			map[string]interface{}{"event": "BANNED", "ban_remaining": float64(120)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.build()
			if err != nil {
				t.Fatalf("build error: %v", err)
			}
			var decoded map[string]interface{}
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for key, want := range tt.check {
				if decoded[key] != want {
					t.Errorf("%s = %v, want %v", key, decoded[key], want)
				}
			}
		})
	}
}
