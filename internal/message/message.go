// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package message defines the canonical record that flows through the
// pipeline from source listeners to the publisher.
package message

import (
	"encoding/json"
	"time"
)

// Message is a single post observed on a source channel, reduced to the
// fields the pipeline needs. Identity is (Source, ID) and is immutable once
// the message is produced.
type Message struct {
	// Source is the configured source identity this message came from,
	// verbatim (for example "@wbdeals" or "-1001234567890").
	Source string `json:"source"`
	// ChatID is the resolved platform chat id, or 0 when the source is
	// consumed through a bridge that doesn't expose it.
	ChatID int64 `json:"chat_id,omitempty"`
	// ID is the platform message id, monotonically increasing per source.
	ID int64 `json:"id"`

	Date  time.Time  `json:"date"`
	Text  string     `json:"text"`
	Title string     `json:"title,omitempty"` // human-readable source title
	Media []MediaRef `json:"media,omitempty"`

	// Raw is the platform payload as received, passed through untouched.
	Raw json.RawMessage `json:"-"`

	// Ack, when non-nil, is called once the message has reached a terminal
	// decision and the decision has been recorded. Listeners that confirm
	// delivery back to the platform use it to hold confirmation of posts
	// that are still pending.
	Ack func() `json:"-"`
}

// MediaRef points at a platform message carrying media, addressable for
// forwarding.
type MediaRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}
