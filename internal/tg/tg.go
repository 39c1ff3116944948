// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tg implements the subset of the Telegram Bot API the pipeline
// needs: sending and forwarding messages, long-polling for updates and
// resolving chats.
package tg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.astrophena.name/dealfeed/internal/request"
	"go.astrophena.name/dealfeed/internal/version"
)

const (
	tgAPI          = "https://api.telegram.org"
	sendRetryLimit = 5  // N attempts to retry a rate-limited send
	pollTimeout    = 30 // seconds the getUpdates long poll is held open
)

// Config configures a Client.
type Config struct {
	Token      string
	HTTPClient *http.Client
	Scrubber   *strings.Replacer
	Logger     *slog.Logger
}

// Client talks to the Telegram Bot API.
type Client struct {
	token    string
	httpc    *http.Client
	pollc    *http.Client
	scrubber *strings.Replacer
	slog     *slog.Logger

	call  func(ctx context.Context, method string, args, result any) error
	sleep func(context.Context, time.Duration) bool
}

// New returns a Client authenticated with cfg.Token.
func New(cfg Config) *Client {
	c := &Client{
		token:    cfg.Token,
		httpc:    cfg.HTTPClient,
		pollc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
		slog:     cfg.Logger,
	}
	if c.httpc == nil {
		c.httpc = request.DefaultClient
	}
	if c.pollc == nil {
		// The long poll is held open longer than any sane request timeout.
		c.pollc = &http.Client{Timeout: (pollTimeout + 10) * time.Second}
	}
	if c.slog == nil {
		c.slog = slog.Default()
	}
	c.call = c.makeRequest
	c.sleep = sleep
	return c
}

// Update is a single entry of the bot's update feed.
type Update struct {
	ID          int64    `json:"update_id"`
	Message     *Message `json:"message,omitempty"`
	ChannelPost *Message `json:"channel_post,omitempty"`
}

// Msg returns the message the update carries, either kind, or nil.
func (u Update) Msg() *Message {
	if u.ChannelPost != nil {
		return u.ChannelPost
	}
	return u.Message
}

// Message is a Telegram message, reduced to the fields the pipeline reads.
type Message struct {
	ID           int64  `json:"message_id"`
	Date         int64  `json:"date"`
	Chat         Chat   `json:"chat"`
	Text         string `json:"text,omitempty"`
	Caption      string `json:"caption,omitempty"`
	MediaGroupID string `json:"media_group_id,omitempty"`

	// Attachment markers. Only presence matters: media is republished by
	// forwarding the original message, never by re-uploading.
	Photo     json.RawMessage `json:"photo,omitempty"`
	Video     json.RawMessage `json:"video,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	Animation json.RawMessage `json:"animation,omitempty"`
	Audio     json.RawMessage `json:"audio,omitempty"`

	// Raw is the message as received from the platform.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON implements [json.Unmarshaler], retaining the raw payload.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = Message(p)
	m.Raw = append([]byte(nil), b...)
	return nil
}

// PlainText returns the textual content of the message: the text for text
// messages, the caption for media.
func (m *Message) PlainText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// HasMedia reports whether the message carries a forwardable attachment.
func (m *Message) HasMedia() bool {
	return m.Photo != nil || m.Video != nil || m.Document != nil || m.Animation != nil || m.Audio != nil
}

// Chat is a Telegram chat.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

type sendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type forwardMessage struct {
	ChatID     string `json:"chat_id"`
	FromChatID int64  `json:"from_chat_id"`
	MessageID  int64  `json:"message_id"`
}

type getUpdates struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type getChat struct {
	ChatID string `json:"chat_id"`
}

// SendMessage sends text to the chat, splitting it when it exceeds the
// platform limit, and returns the id of the first sent message. Rate-limited
// sends are retried, honoring the wait the platform asks for.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	var first int64
	for _, chunk := range splitMessage(text) {
		var msg Message
		if err := c.callRetry(ctx, "sendMessage", sendMessage{ChatID: chatID, Text: chunk}, &msg); err != nil {
			return 0, err
		}
		if first == 0 {
			first = msg.ID
		}
	}
	return first, nil
}

// ForwardMessage forwards a single message to the chat and returns the id of
// the forwarded copy.
func (c *Client) ForwardMessage(ctx context.Context, chatID string, fromChatID, messageID int64) (int64, error) {
	var msg Message
	if err := c.callRetry(ctx, "forwardMessage", forwardMessage{
		ChatID:     chatID,
		FromChatID: fromChatID,
		MessageID:  messageID,
	}, &msg); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// GetUpdates long-polls for new message and channel post updates. Passing
// the highest update id seen plus one as offset confirms everything before
// it.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", getUpdates{
		Offset:         offset,
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message", "channel_post"},
	}, &updates)
	return updates, err
}

// GetChat resolves a chat by its numeric id or @username.
func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var chat Chat
	if err := c.call(ctx, "getChat", getChat{ChatID: chatID}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) callRetry(ctx context.Context, method string, args, result any) error {
	var err error
	for range sendRetryLimit {
		err = c.call(ctx, method, args, result)
		if err == nil {
			return nil
		}

		retryable, wait := isRateLimited(err)
		if !retryable {
			break
		}

		c.slog.Warn("rate limited, waiting", slog.String("method", method), slog.Duration("wait", wait))
		if !c.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) makeRequest(ctx context.Context, method string, args, result any) error {
	httpc := c.httpc
	if method == "getUpdates" {
		httpc = c.pollc
	}
	raw, err := request.Make[json.RawMessage](ctx, request.Params{
		Method: http.MethodPost,
		URL:    tgAPI + "/bot" + c.token + "/" + method,
		Body:   args,
		Headers: map[string]string{
			"User-Agent": version.UserAgent(),
		},
		HTTPClient: httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%s: unmarshaling response: %w", method, err)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: unmarshaling result: %w", method, err)
	}
	return nil
}

func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= 4096 {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= 4096 {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)

		for i, r := range text {
			if runeCount == 4096 {
				byteCap = i
				break
			}
			runeCount++

			if r == '\n' {
				lastNewline = i
				continue
			}
			if unicode.IsSpace(r) {
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}

		chunk := strings.TrimSpace(text[:splitAt])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}

	return chunks
}

func isRateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}

	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
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
