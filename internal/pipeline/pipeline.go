// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pipeline coordinates scoring, deduplication and publication of
// incoming posts.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.astrophena.name/dealfeed/internal/message"
	"go.astrophena.name/dealfeed/internal/rules"
	"go.astrophena.name/dealfeed/internal/state"
)

// Publisher delivers an accepted post to the destination channel and returns
// the id of the published message.
type Publisher interface {
	Publish(ctx context.Context, msg message.Message, res rules.Result) (int64, error)
}

// Pipeline is the single consumer of the listeners' fan-in channel. It is
// the serialization point of the whole program: decisions are made one at a
// time, each decision is written to the ledger before the cursor advances
// past it, and a post whose publication fails is left pending so the next
// run picks it up from the cursor again.
type Pipeline struct {
	Publisher Publisher
	Rules     rules.RuleSet
	Cursors   *state.Cursors
	Ledger    *state.Ledger
	Logger    *slog.Logger

	slog *slog.Logger
}

// Run consumes posts from in until ctx is canceled or in is closed. Listener
// and publisher failures never stop the loop; a state store failure does,
// because carrying on past one risks publishing the same post twice.
func (p *Pipeline) Run(ctx context.Context, in <-chan message.Message) error {
	if p.Publisher == nil {
		return errors.New("nil publisher")
	}
	if p.Cursors == nil || p.Ledger == nil {
		return errors.New("nil state stores")
	}
	if in == nil {
		return errors.New("nil in channel")
	}
	p.slog = p.Logger
	if p.slog == nil {
		p.slog = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg message.Message) error {
	seen, err := p.Ledger.Seen(ctx, msg.Source, msg.ID)
	if err != nil {
		return err
	}
	if seen != nil {
		// Already decided, likely redelivered after a restart. Advancing the
		// cursor here repairs a crash that hit between the ledger write and
		// the cursor write; Advance never regresses, so this is otherwise a
		// no-op.
		p.slog.Debug("skipping decided post",
			"source", msg.Source, "id", msg.ID, "outcome", seen.Outcome)
		if err := p.Cursors.Advance(context.WithoutCancel(ctx), msg.Source, msg.ID); err != nil {
			return err
		}
		ack(msg)
		return nil
	}

	res := p.Rules.Evaluate(msg.Text)
	if !res.Accepted {
		p.slog.Info("rejected",
			"source", msg.Source, "id", msg.ID,
			"score", res.Score, "reasons", strings.Join(res.Reasons, ", "))
		if err := p.record(ctx, msg, state.Entry{Outcome: state.Rejected}); err != nil {
			return err
		}
		ack(msg)
		return nil
	}

	targetID, err := p.Publisher.Publish(ctx, msg, res)
	if err != nil {
		// Left pending: no ledger entry, no cursor advance, no ack. The
		// listener redelivers the post and the next pass tries again.
		p.slog.Error("publishing failed, post left pending",
			"source", msg.Source, "id", msg.ID, "error", err)
		return nil
	}

	p.slog.Info("published",
		"source", msg.Source, "id", msg.ID,
		"score", res.Score, "reasons", strings.Join(res.Reasons, ", "),
		"target_id", targetID)
	if err := p.record(ctx, msg, state.Entry{
		Outcome:         state.Published,
		TargetMessageID: targetID,
	}); err != nil {
		return err
	}
	ack(msg)
	return nil
}

// ack tells the message's listener that the decision is durable.
func ack(msg message.Message) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

// record writes the terminal decision and then advances the cursor, in that
// order. A crash between the two writes is repaired on replay by the ledger
// check; the reverse order would skip an undecided post after a crash.
func (p *Pipeline) record(ctx context.Context, msg message.Message, e state.Entry) error {
	// The decision is already made; finish recording it even when shutdown
	// has begun, or the post could be published again on the next run.
	ctx = context.WithoutCancel(ctx)
	if err := p.Ledger.Record(ctx, msg.Source, msg.ID, e); err != nil {
		return err
	}
	return p.Cursors.Advance(ctx, msg.Source, msg.ID)
}
