package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger configures the process-wide logger. Debug level logs as text with full
// timestamps, everything else as JSON unless format says otherwise.
func InitLogger(level, format string) *logrus.Logger {
	Log = logrus.New()
	Log.Out = os.Stdout

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	switch {
	case format == "json":
		Log.SetFormatter(&logrus.JSONFormatter{})
	case format == "text" || lvl >= logrus.DebugLevel:
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
	return Log
}

// Component returns a logger entry tagged with the component name. It falls back to
// the logrus standard logger when InitLogger has not run (tests, library use).
func Component(name string) *logrus.Entry {
	base := Log
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithField("component", name)
}
