// README: Process-wide logrus logger with JSON output.
package infra

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the JSON logger every module derives its entry from.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
