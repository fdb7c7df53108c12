package twilio

import (
	"context"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/relay/pkg/transports"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDialUsesDefaults(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	cfg := Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://relay.example.com/",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected From param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://relay.example.com/voice" {
		t.Fatalf("expected voice webhook url, got %v", stub.last.Url)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://relay.example.com/status" {
		t.Fatalf("expected status callback url, got %v", stub.last.StatusCallback)
	}
}

func TestDialerDialUsesOverrideURL(t *testing.T) {
	stub := &stubCreator{sid: "CA999"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = stub

	override := "https://override.example.com/voice"
	if _, err := d.Dial(context.Background(), "+100", "+200", override); err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.Url == nil || *stub.last.Url != override {
		t.Fatalf("expected override url")
	}
	if *stub.last.StatusCallback != "http://localhost:8080/status" {
		t.Fatalf("expected local status callback, got %q", *stub.last.StatusCallback)
	}
}

func TestDialerDialWithOptionsSendDigits(t *testing.T) {
	stub := &stubCreator{sid: "CA777"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = stub

	_, err := d.DialWithOptions(context.Background(), "+100", "+200", "https://example.com/voice", transports.DialOptions{SendDigits: "W123#"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.SendDigits == nil || *stub.last.SendDigits != "W123#" {
		t.Fatalf("expected SendDigits param")
	}
}

func TestDialerRequiresCredentials(t *testing.T) {
	d := NewDialer(Config{})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "+100", "+200", ""); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}
