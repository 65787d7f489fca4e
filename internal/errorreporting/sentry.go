package errorreporting

import (
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

// Secrets that must never leave the process in an error report.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)["\s:=]+[a-zA-Z0-9_-]{8,}`),
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

var enabled atomic.Bool

// Options configures Sentry.
type Options struct {
	DSN         string
	Environment string
	Release     string
}

// Init configures Sentry. An empty DSN leaves reporting disabled and is not
// an error.
func Init(opts Options) error {
	if opts.DSN == "" {
		return nil
	}
	release := opts.Release
	if release == "" {
		release = "dev"
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          release,
		BeforeSend:       beforeSend,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("errorreporting: init sentry: %w", err)
	}
	enabled.Store(true)
	return nil
}

// Enabled reports whether Init configured a DSN.
func Enabled() bool { return enabled.Load() }

func beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	for i := range event.Exception {
		event.Exception[i].Value = Scrub(event.Exception[i].Value)
	}
	if event.Message != "" {
		event.Message = Scrub(event.Message)
	}
	for key, value := range event.Extra {
		if str, ok := value.(string); ok {
			event.Extra[key] = Scrub(str)
		}
	}
	if event.Request != nil {
		for _, h := range []string{"Authorization", "Cookie", "X-Api-Key"} {
			delete(event.Request.Headers, h)
		}
		event.Request.QueryString = ""
	}
	return event
}

// Scrub replaces e-mail addresses, tokens, keys and IP addresses in text.
func Scrub(text string) string {
	for _, p := range secretPatterns {
		text = p.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// CaptureError reports err tagged with component. A nil err or disabled
// reporting is a no-op.
func CaptureError(component string, err error) {
	if err == nil || !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		sentry.CaptureException(err)
	})
}

// Recover converts a recovered panic value into an error, reports it and
// returns it. Use as: defer func() { err = errorreporting.Recover("x", recover()) }().
func Recover(component string, r any) error {
	if r == nil {
		return nil
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", r)
	}
	CaptureError(component, err)
	return err
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) bool {
	if !Enabled() {
		return true
	}
	return sentry.Flush(timeout)
}
