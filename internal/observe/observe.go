// Package observe carries the structured logger and tracer shared by every component.
package observe

import (
	"context"
	"io"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("specdesk")

// Observer handles logging and tracing
type Observer struct {
	log *bolt.Logger
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	l := bolt.New(bolt.NewConsoleHandler(out))
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// NewJSON creates a new Observer with JSON output.
// If verbose is false, only warnings and errors are shown.
func NewJSON(out io.Writer, verbose bool) *Observer {
	l := bolt.New(bolt.NewJSONHandler(out))
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// NewFromConfig builds an Observer from the log section of the configuration.
// format is "console" or "json"; level is one of debug, info, warn, error.
func NewFromConfig(out io.Writer, format, level string) *Observer {
	var l *bolt.Logger
	if strings.EqualFold(format, "json") {
		l = bolt.New(bolt.NewJSONHandler(out))
	} else {
		l = bolt.New(bolt.NewConsoleHandler(out))
	}

	switch strings.ToLower(level) {
	case "debug", "":
	case "info":
		l.SetLevel(bolt.INFO)
	case "error":
		l.SetLevel(bolt.ERROR)
	default:
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// Discard returns an Observer that drops everything. Used by tests and
// library callers that do not care about logs.
func Discard() *Observer {
	return New(io.Discard, false)
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Close flushes buffered output. The console and JSON handlers write synchronously.
func (o *Observer) Close() error {
	return nil
}
