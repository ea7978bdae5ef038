// Package logging carries the teacher's structured log-line shape
// (internal/transport's tools.LogFormatter call sites) forward into
// the federator: one free-form message plus a fixed set of optional
// fields, rendered through logrus rather than assembled by hand.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. Level and format are the only
// knobs the federator's config exposes; everything else (timestamps,
// caller info) follows logrus defaults, matching the teacher's minimal
// setup.
func New(level string, jsonFormat bool) *logrus.Logger {
	logger := logrus.New()

	if jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

// Fields is the federator's superset of the teacher's LogFormatter: a
// worker id/name/duration triple, plus the federation-specific fields
// a request carries as it moves through Processor, Pool and Drain.
type Fields struct {
	RequestID  string
	WorkerID   int
	WorkerName string
	Duration   time.Duration
	Route      string
	Priority   int
	Endpoint   string
	StreamID   string
	Msg        string
}

// String renders the same human-readable single-line shape the teacher
// produces from tools.LogFormatter, used when a caller wants a message
// string rather than structured fields (e.g. wrapping into an error).
func (f Fields) String() string {
	var b strings.Builder
	b.WriteString(f.Msg)

	parts := []string{}
	if f.RequestID != "" {
		parts = append(parts, fmt.Sprintf("request_id=%s", f.RequestID))
	}
	if f.WorkerName != "" {
		parts = append(parts, fmt.Sprintf("worker=%s#%d", f.WorkerName, f.WorkerID))
	}
	if f.Route != "" {
		parts = append(parts, fmt.Sprintf("route=%s", f.Route))
	}
	if f.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", f.Endpoint))
	}
	if f.StreamID != "" {
		parts = append(parts, fmt.Sprintf("stream=%s", f.StreamID))
	}
	if f.Duration != 0 {
		parts = append(parts, fmt.Sprintf("duration=%s", f.Duration))
	}

	if len(parts) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}

	return b.String()
}

// Entry adapts Fields onto a logrus.Entry so call sites can do
// logging.Entry(logger, fields).Info() the way the teacher does
// cfg.Logger.Infof(logInfo.String()), but with queryable structured
// fields instead of a baked-in string.
func Entry(logger *logrus.Logger, f Fields) *logrus.Entry {
	fields := logrus.Fields{}
	if f.RequestID != "" {
		fields["request_id"] = f.RequestID
	}
	if f.WorkerName != "" {
		fields["worker"] = f.WorkerName
		fields["worker_id"] = f.WorkerID
	}
	if f.Route != "" {
		fields["route"] = f.Route
	}
	if f.Endpoint != "" {
		fields["endpoint"] = f.Endpoint
	}
	if f.StreamID != "" {
		fields["stream"] = f.StreamID
	}
	if f.Priority != 0 {
		fields["priority"] = f.Priority
	}
	if f.Duration != 0 {
		fields["duration"] = f.Duration.String()
	}

	return logger.WithFields(fields)
}
