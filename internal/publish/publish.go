// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package publish formats accepted posts and delivers them to the target
// channel.
package publish

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.astrophena.name/dealfeed/internal/message"
	"go.astrophena.name/dealfeed/internal/request"
	"go.astrophena.name/dealfeed/internal/rules"

	"github.com/sethvargo/go-retry"
)

const (
	sendRetryLimit = 5                // retries per send after the first attempt
	retryCap       = 30 * time.Second // longest pause between attempts
	attemptTimeout = 2 * time.Minute  // bounds an attempt that outlives shutdown
)

//go:embed post.tmpl
var postTemplate string

// Sender is the part of the Telegram client the publisher needs.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
	ForwardMessage(ctx context.Context, chatID string, fromChatID, messageID int64) (int64, error)
}

// Rewriter reformats post text before publication.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) string
}

// Config configures a Publisher.
type Config struct {
	Sender   Sender
	ChatID   string   // target channel, an "@username" or a numeric chat id
	DryRun   bool     // log what would be published instead of sending
	Rewriter Rewriter // optional
	Logger   *slog.Logger
}

// Publisher delivers accepted posts to the target channel.
type Publisher struct {
	sender Sender
	chatID string
	dry    bool
	rw     Rewriter
	slog   *slog.Logger

	backoff func() retry.Backoff
}

// New returns a Publisher sending through cfg.Sender.
func New(cfg Config) *Publisher {
	p := &Publisher{
		sender: cfg.Sender,
		chatID: cfg.ChatID,
		dry:    cfg.DryRun,
		rw:     cfg.Rewriter,
		slog:   cfg.Logger,
	}
	if p.slog == nil {
		p.slog = slog.Default()
	}
	p.backoff = func() retry.Backoff {
		return retry.WithCappedDuration(retryCap, retry.NewExponential(time.Second))
	}
	return p
}

// Publish delivers an accepted post: the formatted text first, then
// forwards of the post's media. It returns the id of the published message
// in the target channel.
//
// In dry run mode nothing is sent and the returned id is zero.
func (p *Publisher) Publish(ctx context.Context, msg message.Message, res rules.Result) (int64, error) {
	body := msg.Text
	if p.rw != nil {
		body = p.rw.Rewrite(ctx, body)
	}

	title := msg.Title
	if title == "" {
		title = msg.Source
	}
	reasons := "no-reason"
	if len(res.Reasons) > 0 {
		reasons = strings.Join(res.Reasons, ", ")
	}
	text := strings.TrimSpace(fmt.Sprintf(postTemplate, title, res.Score, reasons, body))

	p.slog.Debug("publishing", "source", msg.Source, "id", msg.ID, "score", res.Score, "text", text)
	if p.dry {
		return 0, nil
	}

	var id int64
	if err := p.send(ctx, func(ctx context.Context) error {
		sent, err := p.sender.SendMessage(ctx, p.chatID, text)
		if err != nil {
			return err
		}
		id = sent
		return nil
	}); err != nil {
		return 0, err
	}

	// Media is forwarded best effort: the decision is recorded once the
	// text is out, so a failed forward never causes the post to be
	// published twice.
	for _, ref := range msg.Media {
		if err := p.send(ctx, func(ctx context.Context) error {
			_, err := p.sender.ForwardMessage(ctx, p.chatID, ref.ChatID, ref.MessageID)
			return err
		}); err != nil {
			p.slog.Warn("forwarding media failed",
				"source", msg.Source,
				"id", msg.ID,
				"from_chat_id", ref.ChatID,
				"message_id", ref.MessageID,
				"error", err)
		}
	}

	return id, nil
}

func (p *Publisher) send(ctx context.Context, f func(context.Context) error) error {
	return retry.Do(ctx, retry.WithMaxRetries(sendRetryLimit, p.backoff()), func(ctx context.Context) error {
		// An attempt already in flight is allowed to finish during
		// shutdown: aborting it midway could post the message without
		// recording it, and the next run would post it again.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptTimeout)
		defer cancel()

		if err := f(sendCtx); err != nil {
			if retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// retryable reports whether a send is worth retrying: transport errors and
// server-side failures are, rejections like a bad chat id are not. Rate
// limits are waited out by the client itself.
func retryable(err error) bool {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}
