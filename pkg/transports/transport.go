package transports

import (
	"context"
)

// Server is a telephony-facing network boundary with its own lifecycle.
type Server interface {
	Name() string
	Start(ctx context.Context) error
	// Drain stops accepting new calls and waits for live ones to finish.
	Drain() error
	Stop() error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// StatusCallback overrides the status callback URL; empty uses the server's own.
	StatusCallback string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
