// Package logging provides component-scoped structured loggers.
package logging

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	root   = logrus.New()
	confMu sync.Mutex
)

// Configure sets the process-wide log level and output format. Call once
// from main before any component starts logging.
func Configure(level, format string) {
	confMu.Lock()
	defer confMu.Unlock()

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	root.SetLevel(lvl)

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		root.SetFormatter(&logrus.JSONFormatter{})
	} else {
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// NewLogger returns a logger entry tagged with the component name.
func NewLogger(component string) *logrus.Entry {
	return root.WithField("component", component)
}
