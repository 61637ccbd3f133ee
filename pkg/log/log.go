// Package log wraps logrus so that callers share one configured logger and
// a compact fields API.
package log

import (
	"github.com/sirupsen/logrus"
)

// Fields is a map of logged context values.
type Fields = logrus.Fields

var logger = logrus.New()

// SetDebug toggles debug-level output.
func SetDebug(enabled bool) {
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// Debug logs at debug level with optional fields.
func Debug(msg string, fields ...Fields) {
	entry(fields).Debug(msg)
}

// Info logs at info level with optional fields.
func Info(msg string, fields ...Fields) {
	entry(fields).Info(msg)
}

// Warn logs at warning level with optional fields.
func Warn(msg string, fields ...Fields) {
	entry(fields).Warn(msg)
}

// Error logs at error level with optional fields.
func Error(msg string, fields ...Fields) {
	entry(fields).Error(msg)
}

// Fatal logs at fatal level and exits the process.
func Fatal(msg string, fields ...Fields) {
	entry(fields).Fatal(msg)
}

// Err returns a Fields carrying one error value.
func Err(err error) Fields {
	return Fields{"error": err}
}

func entry(fields []Fields) *logrus.Entry {
	e := logrus.NewEntry(logger)
	for _, f := range fields {
		e = e.WithFields(f)
	}
	return e
}
