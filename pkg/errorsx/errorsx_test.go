package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonWebhookSend)
	if Reason(err) != ReasonWebhookSend {
		t.Fatalf("expected reason %s, got %s", ReasonWebhookSend, Reason(err))
	}
	if !HasReason(err, ReasonWebhookSend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonRecognizerStart)
	second := Wrap(fmt.Errorf("open session: %w", first), ReasonWebhookSend)
	if Reason(second) != ReasonRecognizerStart {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestNewfKeepsCause(t *testing.T) {
	err := Newf(ReasonWebhookStatus, "webhook returned %d", 502)
	if err.Error() != "webhook returned 502" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !HasReason(err, ReasonWebhookStatus) {
		t.Fatalf("expected webhook_status reason")
	}
	if Reason(nil) != ReasonUnknown || Wrap(nil, ReasonWebhookSend) != nil {
		t.Fatalf("nil errors must stay nil/unknown")
	}
	if !errors.Is(Wrap(assertErr{}, ReasonWebhookSend), assertErr{}) {
		t.Fatalf("expected wrapped error to unwrap")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
