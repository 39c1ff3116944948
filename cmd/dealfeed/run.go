// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.astrophena.name/dealfeed/cmd/dealfeed/internal/admin"
	"go.astrophena.name/dealfeed/internal/config"
	"go.astrophena.name/dealfeed/internal/filelock"
	"go.astrophena.name/dealfeed/internal/message"
	"go.astrophena.name/dealfeed/internal/pipeline"
	"go.astrophena.name/dealfeed/internal/publish"
	"go.astrophena.name/dealfeed/internal/rewrite"
	"go.astrophena.name/dealfeed/internal/source"
	"go.astrophena.name/dealfeed/internal/state"
	"go.astrophena.name/dealfeed/internal/store"
	"go.astrophena.name/dealfeed/internal/tg"

	"golang.org/x/sync/errgroup"
)

// run is the daemon: it starts one listener per source, feeds everything
// they emit into the pipeline and keeps going until ctx is canceled or a
// state store write fails.
func (a *app) run(ctx context.Context) error {
	if a.tgToken == "" {
		return errNoToken
	}
	if a.chatID == "" {
		return errNoTarget
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	// The run lock pins the state store to a single daemon.
	lock, err := filelock.Acquire(filepath.Join(a.stateDir, ".run.lock"), strconv.Itoa(os.Getpid()))
	if err != nil {
		if errors.Is(err, filelock.ErrAlreadyLocked) {
			return fmt.Errorf("another dealfeed is already running in %s", a.stateDir)
		}
		return err
	}
	defer lock.Release()

	kv, err := store.Open(ctx, a.stateDSN)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer kv.Close()

	cursors := state.NewCursors(kv)
	ledger := state.NewLedger(kv)

	bot := tg.New(tg.Config{
		Token:      a.tgToken,
		HTTPClient: a.httpc,
		Scrubber:   a.scrubber,
		Logger:     a.slog,
	})

	pcfg := publish.Config{
		Sender: bot,
		ChatID: a.chatID,
		DryRun: a.dry,
		Logger: a.slog,
	}
	if a.geminiKey != "" {
		rw, err := rewrite.New(ctx, rewrite.Config{APIKey: a.geminiKey, Logger: a.slog})
		if err != nil {
			return err
		}
		defer rw.Close()
		pcfg.Rewriter = rw
	}

	// Buffered so listeners keep accepting new posts while a publish is in
	// flight.
	in := make(chan message.Message, 128)

	g, gctx := errgroup.WithContext(ctx)

	var watched []config.Source
	for _, s := range cfg.Sources {
		if s.Bridge == "" {
			watched = append(watched, s)
			continue
		}
		// The bridge has no offset confirmation of its own; it resumes from
		// the cursor.
		after, err := cursors.Get(ctx, s.Chat)
		if err != nil {
			return err
		}
		b := &source.Bridge{
			Source:     s,
			After:      after,
			Out:        in,
			HTTPClient: a.httpc,
			Logger:     a.slog,
		}
		g.Go(func() error { return b.Run(gctx) })
	}
	if len(watched) > 0 {
		w := &source.Watcher{
			Client:  bot,
			Sources: watched,
			Out:     in,
			Logger:  a.slog,
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	p := &pipeline.Pipeline{
		Publisher: publish.New(pcfg),
		Rules:     cfg.Rules,
		Cursors:   cursors,
		Ledger:    ledger,
		Logger:    a.slog,
	}
	g.Go(func() error { return p.Run(gctx, in) })

	if a.adminAddr != "" {
		g.Go(func() error {
			return admin.Run(gctx, admin.Config{
				Addr:       a.adminAddr,
				ConfigPath: a.configPath(),
				Cursors:    cursors,
				Ledger:     ledger,
				Logf:       a.logf,
			})
		})
	}

	a.slog.Info("running",
		"sources", len(cfg.Sources),
		"target", a.chatID,
		"dry_run", a.dry,
		"rewrite", a.geminiKey != "",
	)

	return g.Wait()
}
