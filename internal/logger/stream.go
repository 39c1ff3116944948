// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package logger

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Streamer is an io.Writer that retains recently logged lines and allows
// streaming them.
type Streamer interface {
	io.Writer
	http.Handler

	// Lines returns all retained lines.
	Lines() []string

	// Stream returns a new channel which will receive any newly logged lines.
	// Deregister the stream by calling the close function.
	Stream() (<-chan string, func())
}

// NewStreamer returns a new [Streamer] retaining up to size lines.
func NewStreamer(size int) Streamer {
	return &lineBuffer{
		size:    size,
		streams: make(map[chan string]struct{}),
	}
}

type lineBuffer struct {
	mu      sync.Mutex
	size    int
	partial string
	lines   []string
	streams map[chan string]struct{}
}

func (lb *lineBuffer) Write(b []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	text := lb.partial + string(b)
	for {
		line, rest, found := strings.Cut(text, "\n")
		if !found {
			break
		}
		lb.append(line)
		text = rest
	}
	lb.partial = text

	return len(b), nil
}

// append retains line, evicting the oldest one when over capacity, and fans
// it out to active streams. Callers must hold mu.
func (lb *lineBuffer) append(line string) {
	lb.lines = append(lb.lines, line)
	if len(lb.lines) > lb.size {
		lb.lines = lb.lines[len(lb.lines)-lb.size:]
	}
	for stream := range lb.streams {
		select {
		case stream <- line:
		default:
			// Slow receivers miss lines instead of blocking logging.
		}
	}
}

func (lb *lineBuffer) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]string(nil), lb.lines...)
}

func (lb *lineBuffer) Stream() (<-chan string, func()) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	stream := make(chan string, lb.size+1)
	lb.streams[stream] = struct{}{}

	return stream, func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()

		delete(lb.streams, stream)
		close(stream)
	}
}

// ServeHTTP streams logged lines to the client, using the server-sent events
// protocol if requested with the Accept header.
func (lb *lineBuffer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")

	evtStream := strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
	if evtStream {
		w.Header().Set("Content-Type", "text/event-stream")
	}

	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	stream, closeFunc := lb.Stream()
	defer closeFunc()

	for _, line := range lb.Lines() {
		writeLine(w, line, evtStream)
	}
	flush()

	for {
		select {
		case line := <-stream:
			writeLine(w, line, evtStream)
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeLine(w io.Writer, line string, evtStream bool) {
	if evtStream {
		fmt.Fprintf(w, "event: logline\ndata: %s\n\n", line)
		return
	}
	fmt.Fprintln(w, line)
}
