// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package admin implements the dealfeed admin HTTP API.
package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.astrophena.name/dealfeed/internal/atomicio"
	"go.astrophena.name/dealfeed/internal/config"
	"go.astrophena.name/dealfeed/internal/logger"
	"go.astrophena.name/dealfeed/internal/state"
	"go.astrophena.name/dealfeed/internal/version"
	"go.astrophena.name/dealfeed/internal/web"
)

// Config configures the dealfeed admin API.
type Config struct {
	// Addr is the network address passed to [web.Server].
	Addr string
	// ConfigPath is the path to config.star.
	ConfigPath string
	// Cursors and Ledger read the pipeline's bookkeeping.
	Cursors *state.Cursors
	Ledger  *state.Ledger
	// Logf receives config validation output.
	Logf logger.Logf
}

// Handler returns an HTTP handler serving the admin API.
func Handler(cfg Config) *http.ServeMux {
	api := &api{cfg: cfg}
	if api.cfg.Logf == nil {
		api.cfg.Logf = func(string, ...any) {}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			web.RespondJSONError(w, r, web.ErrNotFound)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			web.RespondJSONError(w, r, fmt.Errorf("%w: method not allowed", web.ErrMethodNotAllowed))
			return
		}
		api.handleGetState(w, r)
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			api.handleGetConfig(w, r)
		case http.MethodPut:
			api.handlePutConfig(w, r)
		default:
			web.RespondJSONError(w, r, fmt.Errorf("%w: method not allowed", web.ErrMethodNotAllowed))
		}
	})

	health := web.Health(mux)
	health.RegisterFunc("store", func() (string, bool) {
		if _, err := cfg.Cursors.All(context.Background()); err != nil {
			return err.Error(), false
		}
		return "ok", true
	})

	dbg := web.Debugger(mux)
	dbg.KVFunc("Version", func() any { return version.Version() })
	dbg.Link("/api/config", "Config")
	dbg.Link("/api/state", "State")

	return mux
}

// Run serves the admin API until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	srv := &web.Server{
		Mux:           Handler(cfg),
		Addr:          cfg.Addr,
		Debuggable:    true,
		NotifySystemd: true,
	}
	return srv.ListenAndServe(ctx)
}

type api struct {
	cfg Config
}

func (a *api) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, err := state.Snapshot(r.Context(), a.cfg.Cursors, a.cfg.Ledger)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, snap)
}

func (a *api) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(a.cfg.ConfigPath)
	if err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("failed to read config: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(content)
}

// handlePutConfig validates and saves a new config.star. The daemon reads
// the config at startup, so a saved change applies on the next restart.
func (a *api) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: failed to read request body", web.ErrBadRequest))
		return
	}

	// Validate config by parsing.
	if _, err := config.Parse(string(content), a.cfg.Logf); err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: invalid config: %v", web.ErrBadRequest, err))
		return
	}

	if err := atomicio.WriteFile(a.cfg.ConfigPath, content, 0o644); err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("failed to write config: %v", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
