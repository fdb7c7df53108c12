package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	r := New(false)
	in := "email a@b.com and phone +1 415 555 0100"
	if got := r.Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	r := New(true)
	in := "email a@b.com and phone +1 415 555 0100"
	got := r.Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output, got %q", want, got)
	}
	if strings.Contains(got, "555") {
		t.Fatalf("expected phone digits removed, got %q", got)
	}
}

func TestRedactCardNumber(t *testing.T) {
	got := New(true).Text("my card is 4111 1111 1111 1111 thanks")
	if !strings.Contains(got, "[REDACTED_CARD]") {
		t.Fatalf("expected card redaction, got %q", got)
	}
}
