// Package obslog centralizes structured logging for the engine. The
// teacher repo logs with bare log.Printf; the rest of the retrieved pack
// (orbas1-Synnergy, r3e-network-service_layer) standardizes on logrus, so
// this engine adopts logrus module-wide instead of reaching for stdlib log.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_FORMAT") == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// For returns a component-scoped logger, e.g. obslog.For("scheduler").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
