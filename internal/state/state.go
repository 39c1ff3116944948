// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package state persists the pipeline's source cursors and dedup ledger in a
// key-value store.
//
// Key layout: "cursor/<source>" holds the id of the last message that reached
// a terminal decision, "seen/<source>/<id>" holds the decision itself. Source
// is the configured source identity verbatim.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.astrophena.name/dealfeed/internal/store"
)

// Outcome is the terminal decision recorded for a message.
type Outcome string

const (
	Published Outcome = "published"
	Rejected  Outcome = "rejected"
)

// Entry is a single dedup ledger record.
type Entry struct {
	Outcome         Outcome `json:"outcome"`
	TargetMessageID int64   `json:"target_message_id,omitempty"`
}

// Cursors tracks, per source, the id of the last message that reached a
// terminal decision.
type Cursors struct{ kv store.Store }

// NewCursors returns a cursor store backed by kv.
func NewCursors(kv store.Store) *Cursors { return &Cursors{kv: kv} }

// Get returns the cursor for source, or 0 if none was recorded yet.
func (c *Cursors) Get(ctx context.Context, source string) (int64, error) {
	b, err := c.kv.Get(ctx, "cursor/"+source)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor for %q: %w", source, err)
	}
	return id, nil
}

// Advance moves the cursor for source to id. The cursor never regresses:
// advancing to an id at or below the current value is a no-op.
func (c *Cursors) Advance(ctx context.Context, source string, id int64) error {
	cur, err := c.Get(ctx, source)
	if err != nil {
		return err
	}
	if id <= cur {
		return nil
	}
	return c.kv.Set(ctx, "cursor/"+source, []byte(strconv.FormatInt(id, 10)))
}

// All returns the cursor of every source that has one.
func (c *Cursors) All(ctx context.Context) (map[string]int64, error) {
	keys, err := c.kv.List(ctx, "cursor/")
	if err != nil {
		return nil, err
	}
	all := make(map[string]int64, len(keys))
	for _, key := range keys {
		source := strings.TrimPrefix(key, "cursor/")
		id, err := c.Get(ctx, source)
		if err != nil {
			return nil, err
		}
		all[source] = id
	}
	return all, nil
}

// Ledger is the write-once record of decided messages. An entry, once
// written, is never changed or removed.
type Ledger struct{ kv store.Store }

// NewLedger returns a ledger backed by kv.
func NewLedger(kv store.Store) *Ledger { return &Ledger{kv: kv} }

func seenKey(source string, id int64) string {
	return "seen/" + source + "/" + strconv.FormatInt(id, 10)
}

// Seen returns the recorded entry for the message identity, or nil if the
// message has not been decided yet.
func (l *Ledger) Seen(ctx context.Context, source string, id int64) (*Entry, error) {
	b, err := l.kv.Get(ctx, seenKey(source, id))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("malformed ledger entry for %q/%d: %w", source, id, err)
	}
	return &e, nil
}

// Record writes the entry for the message identity. The first write wins:
// recording an identity that already has an entry is a no-op, so replaying a
// decision after a crash is harmless.
func (l *Ledger) Record(ctx context.Context, source string, id int64, e Entry) error {
	existing, err := l.Seen(ctx, source, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, seenKey(source, id), b)
}

// Count returns the number of decided messages for source.
func (l *Ledger) Count(ctx context.Context, source string) (int, error) {
	keys, err := l.kv.List(ctx, "seen/"+source+"/")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SourceState is a point-in-time view of one source's bookkeeping.
type SourceState struct {
	Cursor  int64 `json:"cursor"`
	Decided int   `json:"decided"`
}

// Snapshot returns the bookkeeping of every source that has a cursor.
func Snapshot(ctx context.Context, c *Cursors, l *Ledger) (map[string]SourceState, error) {
	cursors, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]SourceState, len(cursors))
	for source, cur := range cursors {
		n, err := l.Count(ctx, source)
		if err != nil {
			return nil, err
		}
		snap[source] = SourceState{Cursor: cur, Decided: n}
	}
	return snap, nil
}
