package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

var sensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

// scrubEvent drops bearer tokens and refresh cookies from captured requests.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	for _, name := range sensitiveHeaders {
		if _, ok := event.Request.Headers[name]; ok {
			event.Request.Headers[name] = "[redacted]"
		}
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
