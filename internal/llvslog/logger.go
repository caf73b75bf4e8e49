// Package llvslog defines the logger capability that every engine in the
// store accepts at construction time. The store never reaches for a
// process-wide logger; callers that don't care can pass NoOp().
package llvslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Fields is a set of structured key-value pairs attached to a log line.
type Fields map[string]interface{}

// Logger is the capability accepted by History, the commit/merge engines,
// Exchange, and Compaction. Implementations must be safe for concurrent
// use.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
	// With returns a Logger that always includes the given fields,
	// used to scope a logger to one commit/batch/zone key without
	// threading the fields through every call site.
	With(fields Fields) Logger
}

// NoOp returns a Logger that discards everything, for callers that don't
// want logging overhead (e.g. in hot property-based tests).
func NoOp() Logger { return noop{} }

type noop struct{}

func (noop) Debug(string, Fields)        {}
func (noop) Info(string, Fields)         {}
func (noop) Warn(string, Fields)         {}
func (noop) Error(string, error, Fields) {}
func (noop) With(Fields) Logger          { return noop{} }

// zerologLogger adapts zerolog.Logger to the Logger capability.
type zerologLogger struct {
	l zerolog.Logger
}

// New builds a Logger writing structured JSON lines to w, defaulting to
// os.Stderr when w is nil.
func New(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	l := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return zerologLogger{l: l}
}

func apply(e *zerolog.Event, fields Fields) *zerolog.Event {
	for k, v := range fields {
		switch tv := v.(type) {
		case string:
			e = e.Str(k, tv)
		case time.Time:
			e = e.Time(k, tv)
		case int:
			e = e.Int(k, tv)
		case int64:
			e = e.Int64(k, tv)
		case float64:
			e = e.Float64(k, tv)
		case bool:
			e = e.Bool(k, tv)
		default:
			e = e.Interface(k, tv)
		}
	}
	return e
}

func (z zerologLogger) Debug(msg string, fields Fields) {
	apply(z.l.Debug(), fields).Msg(msg)
}

func (z zerologLogger) Info(msg string, fields Fields) {
	apply(z.l.Info(), fields).Msg(msg)
}

func (z zerologLogger) Warn(msg string, fields Fields) {
	apply(z.l.Warn(), fields).Msg(msg)
}

func (z zerologLogger) Error(msg string, err error, fields Fields) {
	apply(z.l.Error().Err(err), fields).Msg(msg)
}

func (z zerologLogger) With(fields Fields) Logger {
	ctx := z.l.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zerologLogger{l: ctx.Logger()}
}
