package mock

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/recognizer"
)

type sinkFunc func(frames.TranscriptEvent) bool

func (f sinkFunc) Submit(ev frames.TranscriptEvent) bool { return f(ev) }

func TestMockEmitsFinalPerByteBudget(t *testing.T) {
	finals := make(chan frames.TranscriptEvent, 4)
	p := NewProvider(Config{Transcript: "hello", FinalEveryBytes: 320})
	s := recognizer.Open(context.Background(), p, recognizer.Config{CallID: "CA9"}, recognizer.SessionOptions{
		Sink: sinkFunc(func(ev frames.TranscriptEvent) bool { finals <- ev; return true }),
	})
	s.Feed(make([]byte, 320))
	select {
	case ev := <-finals:
		if ev.Text != "hello" || ev.CallID != "CA9" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a final transcript")
	}
	s.Close()
	<-s.Done()

	rec := p.Recognizers()[0]
	if rec.BytesRead() != 320 || rec.Stops() != 1 || rec.Releases() != 1 {
		t.Fatalf("unexpected recognizer state bytes=%d stops=%d releases=%d", rec.BytesRead(), rec.Stops(), rec.Releases())
	}
}

func TestMockFailStart(t *testing.T) {
	p := NewProvider(Config{FailStart: true})
	s := recognizer.Open(context.Background(), p, recognizer.Config{CallID: "CA9"}, recognizer.SessionOptions{})
	s.Feed(make([]byte, 16))
	s.Close()
	<-s.Done()
	rec := p.Recognizers()[0]
	if rec.Stops() != 0 || rec.Releases() != 1 {
		t.Fatalf("expected release without stop, got stops=%d releases=%d", rec.Stops(), rec.Releases())
	}
}
