// Package errreport forwards unexpected failures to Sentry when a DSN is configured.
package errreport

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/harunnryd/relay/pkg/errorsx"
)

const flushTimeout = 2 * time.Second

type Options struct {
	DSN         string
	Environment string
	Release     string
}

// Init configures the global Sentry hub. An empty DSN leaves reporting disabled
// and every Capture call becomes a no-op.
func Init(opts Options) (bool, error) {
	if opts.DSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Capture reports err with the given tags attached to the event scope.
func Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("reason_code", string(errorsx.Reason(err)))
		for k, v := range tags {
			if v != "" {
				scope.SetTag(k, v)
			}
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for queued events to be delivered.
func Flush() bool {
	return sentry.Flush(flushTimeout)
}

// Recover wraps an HTTP handler, reporting panics and answering 500.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(flushTimeout)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
