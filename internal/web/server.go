// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.astrophena.name/dealfeed/internal/cli"
	"go.astrophena.name/dealfeed/internal/logger"
	"go.astrophena.name/dealfeed/internal/systemd"
)

// Middleware is a function that wraps an [http.Handler].
type Middleware func(http.Handler) http.Handler

// Server is used to configure the HTTP server started by
// [Server.ListenAndServe].
//
// All fields of Server can't be modified after [Server.ListenAndServe] is
// called.
type Server struct {
	// Mux is a http.ServeMux to serve.
	Mux *http.ServeMux
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Debuggable specifies whether to register debug handlers at /debug/.
	Debuggable bool
	// NotifySystemd specifies whether to notify systemd when the server is
	// ready to serve requests and to update the watchdog timestamp.
	NotifySystemd bool
	// Middleware specifies middleware to wrap the served handler with.
	Middleware []Middleware
}

// used in tests
var serveReadyHook func()

var (
	errNoAddr = errors.New("s.Addr is empty")
	errNilMux = errors.New("s.Mux is nil")
)

const securityHeadersCSP = "default-src 'self'; frame-ancestors 'none'"

// ListenAndServe starts the HTTP server that can be stopped by canceling ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Mux == nil {
		return errNilMux
	}
	env := cli.GetEnv(ctx)

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	defer l.Close()
	env.Logf("Listening on %s...", l.Addr().String())

	s.initRoutes()

	handler := securityHeaders(s.Mux)
	for _, m := range s.Middleware {
		handler = m(handler)
	}

	hs := &http.Server{
		ErrorLog: log.New(logger.Logf(env.Logf), "", 0),
		Handler:  handler,
		// Handlers look up the logger and environment from the request
		// context, so requests must inherit from ctx. Shutdown must not
		// cancel in-flight requests.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)

	go func() {
		if err := hs.Serve(l); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.NotifySystemd {
		systemd.Notify(env.Logf, systemd.Ready)
		go systemd.WatchdogLoop(ctx, env.Logf)
	}

	if serveReadyHook != nil {
		serveReadyHook()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		env.Logf("Gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) initRoutes() {
	Health(s.Mux)
	if s.Debuggable {
		Debugger(s.Mux)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referer-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy", securityHeadersCSP)
		next.ServeHTTP(w, r)
	})
}
