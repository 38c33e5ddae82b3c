// Package logging is the replacement the teacher's own lib/slog package
// asked for in its package doc ("TODO replace this entirely with
// something else. Maybe zerolog?"). It keeps the same Logger/Record
// call shape so every call site in this module reads identically to
// one written against lib/slog, but backs it with logrus structured
// fields instead of a hand-assembled JSON log.Println shim.
package logging

import (
	"io"

	"htex/core"

	"github.com/sirupsen/logrus"
)

// Record holds data for a single log record. Any field may be left at
// its zero value.
type Record struct {
	Msg      string
	Error    error
	Details  any
	FabricID *core.FabricID
	TaskID   *core.TaskID
	Rank     *core.Rank
}

// Logger is an abstract log interface.
//
// Multiple goroutines may invoke methods on a Logger simultaneously.
type Logger interface {
	Info(record *Record)
	Warn(record *Record)
	Error(record *Record)
}

// logrusLogger adapts a *logrus.Logger to the Logger interface.
type logrusLogger struct {
	entry *logrus.Logger
}

// New returns a Logger backed by logrus. When debug is true, the level
// is set to logrus.DebugLevel and the formatter is a human-readable
// TextFormatter; otherwise the level is logrus.InfoLevel and the
// formatter is JSONFormatter, suitable for log aggregation.
func New(debug bool) Logger {
	return &logrusLogger{entry: newLogrus(debug)}
}

func newLogrus(debug bool) *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// NewWithOutput returns a Logger like New, but writing to w instead of
// stderr — the Go analogue of fabric_threaded.py's per-rank
// start_file_logger, used by cmd/htex-fabric to give each fabric
// process its own log file under --logdir.
func NewWithOutput(debug bool, w io.Writer) Logger {
	l := newLogrus(debug)
	l.SetOutput(w)
	return &logrusLogger{entry: l}
}

func fields(record *Record) logrus.Fields {
	f := logrus.Fields{}
	if record == nil {
		return f
	}
	if record.Error != nil {
		f["error"] = record.Error.Error()
	}
	if record.Details != nil {
		f["details"] = record.Details
	}
	if record.FabricID != nil {
		f["fabric_id"] = string(*record.FabricID)
	}
	if record.TaskID != nil {
		f["task_id"] = record.TaskID.String()
	}
	if record.Rank != nil {
		f["rank"] = int(*record.Rank)
	}
	return f
}

func msg(record *Record) string {
	if record == nil {
		return ""
	}
	return record.Msg
}

func (l *logrusLogger) Info(record *Record) {
	l.entry.WithFields(fields(record)).Info(msg(record))
}

func (l *logrusLogger) Warn(record *Record) {
	l.entry.WithFields(fields(record)).Warn(msg(record))
}

func (l *logrusLogger) Error(record *Record) {
	l.entry.WithFields(fields(record)).Error(msg(record))
}

// RecordingLogger captures all logged events in memory. Designed for
// use as a test fixture.
type RecordingLogger struct {
	Events []Event
}

// Event is one captured log call.
type Event struct {
	Level string
	*Record
}

func (l *RecordingLogger) Info(record *Record) {
	l.Events = append(l.Events, Event{Level: "info", Record: record})
}

func (l *RecordingLogger) Warn(record *Record) {
	l.Events = append(l.Events, Event{Level: "warn", Record: record})
}

func (l *RecordingLogger) Error(record *Record) {
	l.Events = append(l.Events, Event{Level: "error", Record: record})
}

var _ Logger = (*RecordingLogger)(nil) // type check
