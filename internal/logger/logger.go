// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger provides structured logging shared by all parts of a
// command-line application.
//
// A [Logger] is carried through a [context.Context], so any code that
// receives a context can log through the same handler and adjust the
// level without threading loggers through every call.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.astrophena.name/dealfeed/internal/syncx"
)

// Logf is the basic logger type: a printf-like func. Like [log.Printf], the
// format need not end in a newline. Logf functions must be safe for
// concurrent use.
type Logf func(format string, args ...any)

// Write implements the [io.Writer] interface.
func (f Logf) Write(p []byte) (n int, err error) {
	f("%s", p)
	return len(p), nil
}

// Logger bundles a [slog.Logger] with the level it writes at and a
// [Streamer] holding recently logged lines.
type Logger struct {
	Logger *slog.Logger
	Level  *slog.LevelVar
	Stream Streamer
}

const streamBacklog = 300 // lines kept for streaming

// New returns a [Logger] writing text output to w at [slog.LevelInfo].
// Logged lines are also retained in Stream.
func New(w io.Writer) *Logger {
	level := new(slog.LevelVar)
	stream := NewStreamer(streamBacklog)
	h := slog.NewTextHandler(io.MultiWriter(w, stream), &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(h),
		Level:  level,
		Stream: stream,
	}
}

type ctxKey struct{}

// With returns a copy of ctx carrying l.
func With(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

var fallback syncx.Lazy[*Logger]

// Get returns the [Logger] carried by ctx. If ctx carries none, it returns a
// process-wide fallback writing to standard error.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return fallback.Get(func() *Logger { return New(os.Stderr) })
}
