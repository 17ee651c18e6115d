// Package logging provides the concrete structured-logging sink consumed
// by the arbiter package's Logger interface, backed by logrus the way the
// retrieval pack's coredhcp member wires its prefixed logrus logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logrus adapts a *logrus.Entry to arbiter.Logger without the arbiter
// package needing to import logrus directly.
type Logrus struct {
	entry *logrus.Entry
}

// New builds a Logrus sink at the given level ("debug", "info", "warn",
// "error"; unrecognised values fall back to "info"), writing JSON lines to
// stderr so the reference binary's logs compose with the operator's own
// aggregation pipeline.
func New(level string) *Logrus {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &Logrus{entry: logrus.NewEntry(l).WithField("component", "lease-arbiter")}
}

func (l *Logrus) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
func (l *Logrus) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// With returns a derived Logrus carrying additional structured fields,
// useful for tagging sweeper cycles or per-ActionKey call sites.
func (l *Logrus) With(fields map[string]interface{}) *Logrus {
	return &Logrus{entry: l.entry.WithFields(fields)}
}
