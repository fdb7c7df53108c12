package twilio

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/harunnryd/relay/pkg/audio"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/recognizer"
)

type fakeConn struct {
	mu     sync.Mutex
	closes int
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

type fakeRecognition struct {
	mu     sync.Mutex
	info   CallInfo
	fed    [][]byte
	closes int
	done   chan struct{}
}

func (r *fakeRecognition) Feed(pcm []byte) {
	r.mu.Lock()
	r.fed = append(r.fed, append([]byte(nil), pcm...))
	r.mu.Unlock()
}

func (r *fakeRecognition) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	if r.closes == 1 {
		close(r.done)
	}
}

func (r *fakeRecognition) Done() <-chan struct{} { return r.done }

func (r *fakeRecognition) snapshot() ([][]byte, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.fed...), r.closes
}

type fakeOpener struct {
	mu   sync.Mutex
	recs []*fakeRecognition
}

func (o *fakeOpener) open(ctx context.Context, info CallInfo, sink recognizer.TranscriptSink) Recognition {
	r := &fakeRecognition{info: info, done: make(chan struct{})}
	o.mu.Lock()
	o.recs = append(o.recs, r)
	o.mu.Unlock()
	return r
}

func (o *fakeOpener) opened() []*fakeRecognition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeRecognition(nil), o.recs...)
}

func startMsg(callSID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"start","start":{"callSid":%q,"streamSid":"MZ1"}}`, callSID))
}

func mediaMsg(payload []byte) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`, base64.StdEncoding.EncodeToString(payload)))
}

var stopMsg = []byte(`{"event":"stop"}`)

func TestCallStartMediaStopScenario(t *testing.T) {
	conn := &fakeConn{}
	opener := &fakeOpener{}
	obs := metrics.NewMemoryObserver()
	call := NewCall(conn, opener.open, CallOptions{TraceID: "trace-1", Observer: obs})
	ctx := context.Background()

	if !call.Handle(ctx, startMsg("CA123")) {
		t.Fatalf("start must keep the call reading")
	}
	if call.State() != CallStreaming {
		t.Fatalf("expected streaming, got %s", call.State())
	}
	payloads := make([][]byte, 10)
	for i := range payloads {
		payloads[i] = []byte{byte(i), byte(i + 0x80), 0xFF}
		if !call.Handle(ctx, mediaMsg(payloads[i])) {
			t.Fatalf("media must keep the call reading")
		}
	}
	if call.Handle(ctx, stopMsg) {
		t.Fatalf("stop must end the read loop")
	}

	recs := opener.opened()
	if len(recs) != 1 {
		t.Fatalf("expected recognizer opened once, got %d", len(recs))
	}
	if recs[0].info.CallSID != "CA123" || recs[0].info.TraceID != "trace-1" {
		t.Fatalf("unexpected call info %+v", recs[0].info)
	}
	fed, closes := recs[0].snapshot()
	if len(fed) != 10 {
		t.Fatalf("expected 10 feeds, got %d", len(fed))
	}
	for i, pcm := range fed {
		if string(pcm) != string(audio.DecodeFrame(payloads[i])) {
			t.Fatalf("feed %d out of order or wrongly decoded", i)
		}
	}
	if closes != 1 {
		t.Fatalf("expected recognition closed once, got %d", closes)
	}
	if conn.closes != 1 {
		t.Fatalf("expected transport closed by the call, got %d", conn.closes)
	}
	if call.State() != CallClosed {
		t.Fatalf("expected closed, got %s", call.State())
	}
	if obs.Count(metrics.EventCallStarted) != 1 || obs.Count(metrics.EventCallClosed) != 1 {
		t.Fatalf("expected call lifecycle events")
	}
}

func TestCallMediaBeforeStartIsDiscarded(t *testing.T) {
	opener := &fakeOpener{}
	call := NewCall(&fakeConn{}, opener.open, CallOptions{})
	call.Handle(context.Background(), mediaMsg([]byte{1, 2, 3}))
	if len(opener.opened()) != 0 {
		t.Fatalf("media must not open recognition")
	}
	if call.State() != CallIdle {
		t.Fatalf("expected idle, got %s", call.State())
	}

	call.Handle(context.Background(), startMsg("CA1"))
	fed, _ := opener.opened()[0].snapshot()
	if len(fed) != 0 {
		t.Fatalf("frames before start must not be buffered, got %d", len(fed))
	}
}

func TestCallIgnoresMalformedAndUnknownMessages(t *testing.T) {
	opener := &fakeOpener{}
	call := NewCall(&fakeConn{}, opener.open, CallOptions{})
	ctx := context.Background()
	for _, msg := range []string{
		`not json`,
		`{}`,
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"mark","mark":{"name":"x"}}`,
		`{"event":"bogus"}`,
		`[1,2,3]`,
	} {
		if !call.Handle(ctx, []byte(msg)) {
			t.Fatalf("message %q must not end the call", msg)
		}
		if call.State() != CallIdle {
			t.Fatalf("message %q changed state to %s", msg, call.State())
		}
	}

	call.Handle(ctx, startMsg("CA1"))
	call.Handle(ctx, []byte(`{"event":"media","media":{"payload":"%%%not-base64"}}`))
	call.Handle(ctx, []byte(`{"event":"media"}`))
	fed, _ := opener.opened()[0].snapshot()
	if len(fed) != 0 {
		t.Fatalf("bad payloads must be discarded, got %d feeds", len(fed))
	}
	if call.State() != CallStreaming {
		t.Fatalf("bad payloads must not change state")
	}
}

func TestCallStartWithoutCallSID(t *testing.T) {
	opener := &fakeOpener{}
	call := NewCall(&fakeConn{}, opener.open, CallOptions{})
	call.Handle(context.Background(), []byte(`{"event":"start"}`))
	recs := opener.opened()
	if len(recs) != 1 || recs[0].info.CallSID != "" {
		t.Fatalf("expected recognition with empty call id, got %+v", recs)
	}
}

func TestCallDuplicateStartOpensOnce(t *testing.T) {
	opener := &fakeOpener{}
	call := NewCall(&fakeConn{}, opener.open, CallOptions{})
	call.Handle(context.Background(), startMsg("CA1"))
	call.Handle(context.Background(), startMsg("CA2"))
	if n := len(opener.opened()); n != 1 {
		t.Fatalf("expected one recognition, got %d", n)
	}
	if call.Info().CallSID != "CA1" {
		t.Fatalf("duplicate start must not rebind call id")
	}
}

func TestCallCloseIsIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	call := NewCall(&fakeConn{}, opener.open, CallOptions{})
	call.Handle(context.Background(), startMsg("CA1"))
	call.Close()
	call.Close()
	_, closes := opener.opened()[0].snapshot()
	if closes != 1 {
		t.Fatalf("expected one recognition close, got %d", closes)
	}
	if call.Handle(context.Background(), mediaMsg([]byte{1})) {
		t.Fatalf("closed call must stop reading")
	}
	call.Wait()
}

func TestCallMediaAfterTeardownIsDiscarded(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(*Call)
	}{
		{name: "stop", teardown: func(c *Call) { c.Handle(context.Background(), stopMsg) }},
		{name: "transport close", teardown: func(c *Call) { c.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := &fakeOpener{}
			obs := metrics.NewMemoryObserver()
			call := NewCall(&fakeConn{}, opener.open, CallOptions{Observer: obs})
			ctx := context.Background()
			call.Handle(ctx, startMsg("CA9"))
			call.Handle(ctx, mediaMsg([]byte{0xFF, 0x00}))
			tt.teardown(call)

			for i := 0; i < 3; i++ {
				if call.Handle(ctx, mediaMsg([]byte{0x80})) {
					t.Fatalf("media after teardown must not keep the call reading")
				}
			}
			call.Handle(ctx, startMsg("CA10"))

			recs := opener.opened()
			if len(recs) != 1 {
				t.Fatalf("expected one recognition, got %d", len(recs))
			}
			fed, closes := recs[0].snapshot()
			if len(fed) != 1 || closes != 1 {
				t.Fatalf("expected 1 feed and 1 close, got %d feeds %d closes", len(fed), closes)
			}
			if got := obs.Count(metrics.EventMediaFrame); got != 1 {
				t.Fatalf("expected 1 media_frame event, got %d", got)
			}
			if call.State() != CallClosed {
				t.Fatalf("expected closed, got %s", call.State())
			}
		})
	}
}

func TestCallCloseWhileIdle(t *testing.T) {
	call := NewCall(&fakeConn{}, nil, CallOptions{})
	call.Close()
	call.Close()
	if call.State() != CallClosed {
		t.Fatalf("expected closed, got %s", call.State())
	}
	call.Wait()
}

func TestCallStopWhileIdleClosesTransport(t *testing.T) {
	conn := &fakeConn{}
	call := NewCall(conn, (&fakeOpener{}).open, CallOptions{})
	if call.Handle(context.Background(), stopMsg) {
		t.Fatalf("stop must end the call")
	}
	if conn.closes != 1 {
		t.Fatalf("expected transport closed")
	}
}
