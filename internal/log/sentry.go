package log

import (
	"time"

	"github.com/getsentry/sentry-go"
	sentrylogrus "github.com/getsentry/sentry-go/logrus"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

const sentryFlushTimeout = 2 * time.Second

// hookedLevels are the logrus levels forwarded to Sentry as events.
var hookedLevels = []logrus.Level{
	logrus.ErrorLevel,
	logrus.FatalLevel,
	logrus.PanicLevel,
}

// SentrySettings holds what is needed to report errors to Sentry.
type SentrySettings struct {
	DSN         string
	Environment string
	Release     string
}

// InitSentry builds a Sentry hub and hooks error-level logging into it.
// Without a DSN reporting is disabled: the hub is nil and the returned flush
// function is a no-op, so callers can defer it unconditionally.
func InitSentry(logger *logrus.Logger, settings SentrySettings) (*sentry.Hub, func(), error) {
	if settings.DSN == "" {
		return nil, func() {}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         settings.DSN,
		Environment: settings.Environment,
		Release:     settings.Release,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "error initializing sentry client")
	}

	hub := sentry.NewHub(client, sentry.NewScope())
	logger.AddHook(sentrylogrus.NewLogHookFromClient(hookedLevels, client))

	flush := func() {
		hub.Flush(sentryFlushTimeout)
	}

	return hub, flush, nil
}
