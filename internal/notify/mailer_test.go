package notify

import (
	"strings"
	"testing"
)

func TestStampSubject_AddsMarker(t *testing.T) {
	got := stampSubject("Follow-up needed", "EVT-20260101000000-AAAAAAAAAA")
	want := "Follow-up needed [ref:EVT-20260101000000-AAAAAAAAAA]"
	if got != want {
		t.Errorf("stampSubject = %q, want %q", got, want)
	}
}

func TestStampSubject_Empty(t *testing.T) {
	got := stampSubject("", "EVT-1")
	if got != "[ref:EVT-1]" {
		t.Errorf("stampSubject(empty) = %q", got)
	}
}

func TestStampSubject_Idempotent(t *testing.T) {
	once := stampSubject("Follow-up needed", "EVT-1")
	twice := stampSubject(once, "EVT-1")
	if once != twice {
		t.Errorf("stampSubject should be idempotent: once=%q twice=%q", once, twice)
	}
	if n := strings.Count(strings.ToLower(twice), "[ref:evt-1]"); n != 1 {
		t.Errorf("expected exactly one marker, found %d in %q", n, twice)
	}
}

func TestStampSubject_CaseInsensitiveAlreadyPresent(t *testing.T) {
	got := stampSubject("Re: status [REF:EVT-1]", "EVT-1")
	if got != "Re: status [REF:EVT-1]" {
		t.Errorf("stampSubject should not duplicate a case-differing marker, got %q", got)
	}
}

func TestStampBody_AddsReferenceLine(t *testing.T) {
	got := stampBody("Please reply with your answer.", "EVT-1")
	if !strings.Contains(got, "Reference: EVT-1") {
		t.Errorf("stampBody should contain reference line, got %q", got)
	}
	if !strings.HasPrefix(got, "Please reply with your answer.") {
		t.Errorf("stampBody should preserve original body, got %q", got)
	}
}

func TestStampBody_Idempotent(t *testing.T) {
	once := stampBody("Please reply.", "EVT-1")
	twice := stampBody(once, "EVT-1")
	if once != twice {
		t.Errorf("stampBody should be idempotent: once=%q twice=%q", once, twice)
	}
	if n := strings.Count(strings.ToLower(twice), "reference: evt-1"); n != 1 {
		t.Errorf("expected exactly one reference line, found %d in %q", n, twice)
	}
}

func TestStampBody_EmptyBody(t *testing.T) {
	got := stampBody("", "EVT-1")
	if got != "Reference: EVT-1\n" {
		t.Errorf("stampBody(empty) = %q", got)
	}
}

func TestNormalizeBareMessageID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<abc123@example.com>", "abc123@example.com"},
		{"abc123@example.com", "abc123@example.com"},
		{"  <abc123@example.com>  ", "abc123@example.com"},
		{"", ""},
		{"<>", ""},
	}
	for _, tt := range tests {
		if got := normalizeBareMessageID(tt.in); got != tt.want {
			t.Errorf("normalizeBareMessageID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewMessageID_UsesSenderDomain(t *testing.T) {
	id := newMessageID("Research Bot <bot@example.com>")
	if !strings.HasSuffix(id, "@example.com") {
		t.Errorf("newMessageID should be scoped to sender domain, got %q", id)
	}
}

func TestNewMessageID_FallsBackWithoutDomain(t *testing.T) {
	id := newMessageID("")
	if !strings.HasSuffix(id, "@local") {
		t.Errorf("newMessageID should fall back to @local, got %q", id)
	}
}

func TestSend_RequiresEventID(t *testing.T) {
	m := NewMailer(nil, nil, nil)
	_, err := m.Send(nil, SendRequest{To: "u@x", Subject: "s", Body: "b"})
	if err == nil {
		t.Fatal("Send with empty EventID should fail")
	}
}
