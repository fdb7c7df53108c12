package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the running state. A failing OnStart aborts Run before it
// blocks; OnStop always runs once draining has finished or timed out.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a plain function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

const Version = "dev"

// PrintBanner writes the startup banner to w; a nil writer prints nothing.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"RELAY\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
