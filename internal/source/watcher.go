// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package source turns external message streams into the canonical records
// the pipeline consumes.
//
// Two kinds of listeners exist: a Watcher demultiplexes the bot's update
// feed to the channels the bot was added to, and a Bridge polls an RSS
// rendering of a channel the bot cannot join. Both emit message records to
// a shared channel in source order.
package source

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/dealfeed/internal/config"
	"go.astrophena.name/dealfeed/internal/message"
	"go.astrophena.name/dealfeed/internal/tg"

	"github.com/sethvargo/go-retry"
)

// Bot is the part of the Telegram client the watcher needs.
type Bot interface {
	GetUpdates(ctx context.Context, offset int64) ([]tg.Update, error)
	GetChat(ctx context.Context, chatID string) (*tg.Chat, error)
}

// Watcher consumes the bot's update feed and routes channel posts from
// watched sources to Out.
//
// The update feed is bot-global and confirmed by offset, so a single
// Watcher serves all bot-fed sources. An update is confirmed only after
// every post it produced has acked a terminal decision; undecided posts
// stay unconfirmed and Telegram delivers them again on the next poll,
// where the dedup ledger filters out the copies that were decided in the
// meantime.
type Watcher struct {
	Client  Bot
	Sources []config.Source
	Out     chan<- message.Message
	Logger  *slog.Logger

	slog    *slog.Logger
	sleep   func(context.Context, time.Duration) bool
	ackWait time.Duration
	ids     map[int64]*target
	names   map[string]*target
}

const (
	// defaultAckWait bounds how long one batch may stay undecided before
	// the watcher polls again and redelivers it.
	defaultAckWait = time.Minute
	// albumSettle is how long a trailing album is held back to wait for
	// parts that may still be in flight.
	albumSettle = 2 * time.Second
)

type target struct {
	source string // configured identity, kept verbatim in emitted records
	title  string // human-readable channel title
}

// Run listens for updates until ctx is canceled. Errors from the update
// feed are retried with backoff indefinitely; Run returns an error only on
// misconfiguration.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Client == nil {
		return errors.New("nil client")
	}
	if w.Out == nil {
		return errors.New("nil out channel")
	}
	if len(w.Sources) == 0 {
		return errors.New("no sources to watch")
	}
	w.slog = w.Logger
	if w.slog == nil {
		w.slog = slog.Default()
	}
	if w.sleep == nil {
		w.sleep = sleep
	}
	if w.ackWait == 0 {
		w.ackWait = defaultAckWait
	}

	w.resolve(ctx)

	var (
		offset int64
		held   *album // trailing album held back until it stops growing
	)
	backoff := pollBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := w.Client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait, _ := backoff.Next()
			w.slog.Warn("getting updates failed", "error", err, "retry_in", wait)
			if !w.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		backoff = pollBackoff()

		b := w.translate(updates, offset)

		// An album whose parts end the batch may still be growing: later
		// parts can land in the next getUpdates batch. Hold it back for one
		// short poll cycle and emit it once the part count stops changing.
		// Held parts stay unconfirmed, so the next poll delivers them again
		// merged with whatever arrived since.
		hold := false
		if t := b.tail; t != nil {
			if held != nil && held.chat == t.chat && held.group == t.group && held.parts == t.parts {
				held = nil // settled, emit it
			} else {
				hold = true
				held = t
			}
		} else {
			held = nil
		}

		emit, confirm := b.msgs, b.next
		if hold {
			emit = slices.Concat(b.msgs[:b.tailIdx], b.msgs[b.tailIdx+1:])
			if held.first < confirm {
				confirm = held.first
			}
		}

		acked := make(chan struct{}, len(emit))
		for i := range emit {
			emit[i].Ack = func() { acked <- struct{}{} }
		}
		for _, m := range emit {
			select {
			case w.Out <- m:
			case <-ctx.Done():
				return nil
			}
		}

		// Confirm the batch only once every post in it has acked a terminal
		// decision. A post left pending by a failed publish never acks, so
		// the offset stays put and the next poll delivers the post again.
		decided := true
		if len(emit) > 0 {
			timer := time.NewTimer(w.ackWait)
		wait:
			for remaining := len(emit); remaining > 0; {
				select {
				case <-acked:
					remaining--
				case <-timer.C:
					decided = false
					break wait
				case <-ctx.Done():
					timer.Stop()
					return nil
				}
			}
			timer.Stop()
		}
		if decided {
			offset = confirm
		}

		if hold {
			if !w.sleep(ctx, albumSettle) {
				return nil
			}
		}
	}
}

// batch is one getUpdates batch translated to canonical records.
type batch struct {
	msgs    []message.Message // in update order, albums merged into their first part
	next    int64             // offset confirming every update in the batch
	tail    *album            // trailing album, possibly continued in the next batch
	tailIdx int               // index of tail's record in msgs
}

// album identifies a media group and how many of its parts have been seen.
type album struct {
	chat  int64
	group string
	parts int
	first int64 // update id of the first part, bounds confirmation while held
}

func (w *Watcher) translate(updates []tg.Update, offset int64) batch {
	type albumKey struct {
		chat  int64
		group string
	}
	b := batch{next: offset}
	var (
		albums map[albumKey]int
		firsts map[albumKey]int64
		counts map[albumKey]int
	)
	for _, u := range updates {
		if u.ID >= b.next {
			b.next = u.ID + 1
		}

		msg := u.Msg()
		if msg == nil {
			continue
		}
		t := w.match(msg.Chat)
		if t == nil {
			w.slog.Debug("update from unwatched chat", "chat_id", msg.Chat.ID, "username", msg.Chat.Username)
			continue
		}

		m := message.Message{
			Source: t.source,
			ChatID: msg.Chat.ID,
			ID:     msg.ID,
			Date:   time.Unix(msg.Date, 0),
			Text:   msg.PlainText(),
			Title:  t.title,
			Raw:    msg.Raw,
		}
		if msg.HasMedia() {
			m.Media = []message.MediaRef{{ChatID: msg.Chat.ID, MessageID: msg.ID}}
		}

		// Album posts arrive as separate updates sharing a media group id.
		// Merge each album into its first part so the whole album is
		// forwarded together when the post is accepted.
		if msg.MediaGroupID == "" {
			b.tail = nil
			b.msgs = append(b.msgs, m)
			continue
		}
		if albums == nil {
			albums = make(map[albumKey]int)
			firsts = make(map[albumKey]int64)
			counts = make(map[albumKey]int)
		}
		key := albumKey{chat: msg.Chat.ID, group: msg.MediaGroupID}
		if i, ok := albums[key]; ok {
			first := &b.msgs[i]
			first.Media = append(first.Media, m.Media...)
			if first.Text == "" {
				first.Text = m.Text
			}
		} else {
			albums[key] = len(b.msgs)
			firsts[key] = u.ID
			b.msgs = append(b.msgs, m)
		}
		counts[key]++
		b.tail = &album{chat: key.chat, group: key.group, parts: counts[key], first: firsts[key]}
		b.tailIdx = albums[key]
	}
	return b
}

// resolve maps chat ids and usernames to configured sources. Resolution
// failures are not fatal: matching falls back to the configured name.
func (w *Watcher) resolve(ctx context.Context) {
	w.ids = make(map[int64]*target)
	w.names = make(map[string]*target)
	for _, s := range w.Sources {
		t := &target{source: s.Chat, title: s.Chat}
		if name, ok := strings.CutPrefix(s.Chat, "@"); ok {
			w.names[strings.ToLower(name)] = t
		} else if id, err := strconv.ParseInt(s.Chat, 10, 64); err == nil {
			w.ids[id] = t
		} else {
			w.names[strings.ToLower(s.Chat)] = t
		}

		chat, err := w.Client.GetChat(ctx, s.Chat)
		if err != nil {
			w.slog.Warn("resolving chat failed", "chat", s.Chat, "error", err)
			continue
		}
		w.ids[chat.ID] = t
		if chat.Username != "" {
			w.names[strings.ToLower(chat.Username)] = t
		}
		if chat.Title != "" {
			t.title = chat.Title
		}
	}
}

func (w *Watcher) match(chat tg.Chat) *target {
	if t, ok := w.ids[chat.ID]; ok {
		return t
	}
	if chat.Username != "" {
		if t, ok := w.names[strings.ToLower(chat.Username)]; ok {
			return t
		}
	}
	return nil
}

func pollBackoff() retry.Backoff {
	return retry.WithCappedDuration(time.Minute, retry.NewFibonacci(time.Second))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
