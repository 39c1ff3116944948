// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/dealfeed/internal/config"
	"go.astrophena.name/dealfeed/internal/message"
	"go.astrophena.name/dealfeed/internal/request"
	"go.astrophena.name/dealfeed/internal/version"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const defaultPollInterval = 5 * time.Minute

// Bridge polls an RSS rendering of a Telegram channel and emits new posts.
//
// Channels the bot cannot join are consumed through web bridges like
// tg.i-c-a.su that serve a channel's public preview as a feed. Items carry
// the channel-local message id in their link, which keeps identities
// compatible with bot-fed sources.
type Bridge struct {
	Source config.Source // must carry a bridge URL
	After  int64         // emit only posts with ids above this
	Out    chan<- message.Message

	HTTPClient *http.Client
	Logger     *slog.Logger
	Interval   time.Duration // poll period, defaultPollInterval when zero

	slog         *slog.Logger
	fp           *gofeed.Parser
	sleep        func(context.Context, time.Duration) bool
	last         int64
	etag         string
	lastModified string
}

// Run polls the bridge until ctx is canceled. Poll failures are retried
// with backoff indefinitely; Run returns an error only on misconfiguration.
func (b *Bridge) Run(ctx context.Context) error {
	if b.Source.Bridge == "" {
		return fmt.Errorf("source %q has no bridge URL", b.Source.Chat)
	}
	if b.Out == nil {
		return errors.New("nil out channel")
	}
	if b.HTTPClient == nil {
		b.HTTPClient = request.DefaultClient
	}
	if b.Interval == 0 {
		b.Interval = defaultPollInterval
	}
	b.slog = b.Logger
	if b.slog == nil {
		b.slog = slog.Default()
	}
	if b.sleep == nil {
		b.sleep = sleep
	}
	b.fp = gofeed.NewParser()
	b.last = b.After

	backoff := pollBackoff()
	for {
		retryIn, err := b.poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait, _ := backoff.Next()
			b.slog.Warn("polling bridge failed", "source", b.Source.Chat, "error", err, "retry_in", wait)
			if !b.sleep(ctx, wait) {
				return nil
			}
			continue
		case retryIn > 0:
			if !b.sleep(ctx, retryIn) {
				return nil
			}
			continue
		}
		backoff = pollBackoff()

		if !b.sleep(ctx, b.Interval) {
			return nil
		}
	}
}

func (b *Bridge) poll(ctx context.Context) (retryIn time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Source.Bridge, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("User-Agent", version.UserAgent())
	if b.etag != "" {
		req.Header.Set("If-None-Match", b.etag)
	}
	if b.lastModified != "" {
		req.Header.Set("If-Modified-Since", b.lastModified)
	}

	res, err := b.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		b.slog.Debug("bridge unmodified", "source", b.Source.Chat)
		return 0, nil
	}
	if res.StatusCode != http.StatusOK {
		const readLimit = 16384 // 16 KB is enough for error messages (probably)

		body, readErr := io.ReadAll(io.LimitReader(res.Body, readLimit))
		if readErr != nil {
			body = []byte("unable to read body")
		} else if wait, ok := bridgeRateLimited(body); ok {
			b.slog.Warn("rate limited by bridge", "source", b.Source.Chat, "retry_in", wait)
			return wait, nil
		}

		return 0, fmt.Errorf("want 200, got %d: %s", res.StatusCode, body)
	}

	feed, err := b.fp.Parse(res.Body)
	if err != nil {
		return 0, err
	}

	if etag := res.Header.Get("ETag"); etag != "" {
		b.etag = etag
	}
	if lastModified := res.Header.Get("Last-Modified"); lastModified != "" {
		b.lastModified = lastModified
	}

	title := feed.Title
	if title == "" {
		title = b.Source.Chat
	}

	var batch []message.Message
	for _, it := range feed.Items {
		id, ok := messageID(it)
		if !ok {
			b.slog.Debug("item without a message id", "source", b.Source.Chat, "link", it.Link)
			continue
		}
		if id <= b.last {
			continue
		}

		m := message.Message{
			Source: b.Source.Chat,
			ID:     id,
			Text:   flattenHTML(itemText(it)),
			Title:  title,
		}
		if it.PublishedParsed != nil {
			m.Date = *it.PublishedParsed
		}
		batch = append(batch, m)
	}

	// Feeds list newest first; posts must reach the pipeline in channel
	// order.
	slices.SortFunc(batch, func(x, y message.Message) int { return cmp.Compare(x.ID, y.ID) })

	for _, m := range batch {
		select {
		case b.Out <- m:
			b.last = m.ID
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	return 0, nil
}

// bridgeRateLimited parses the error payload Telegram bridges return when
// the upstream rate-limits them, like tg.i-c-a.su's FLOOD_WAIT errors.
func bridgeRateLimited(body []byte) (time.Duration, bool) {
	var response struct {
		Errors []any `json:"errors"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return 0, false
	}

	for _, e := range response.Errors {
		s, ok := e.(string)
		if !ok {
			continue
		}

		const floodPrefix = "FLOOD_WAIT_"
		if after, ok := strings.CutPrefix(s, floodPrefix); ok {
			if d, err := time.ParseDuration(after + "s"); err == nil {
				return d, true
			}
		}

		const unlockPrefix = "Time to unlock access: "
		if after, ok := strings.CutPrefix(s, unlockPrefix); ok {
			parts := strings.Split(after, ":")
			if len(parts) == 3 {
				h, err1 := strconv.Atoi(parts[0])
				m, err2 := strconv.Atoi(parts[1])
				sec, err3 := strconv.Atoi(parts[2])
				if err1 == nil && err2 == nil && err3 == nil {
					return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
				}
			}
		}
	}

	return 0, false
}

func itemText(it *gofeed.Item) string {
	if it.Content != "" {
		return it.Content
	}
	return it.Description
}

// messageID extracts the channel-local message id from a feed item. Bridges
// put it in the item GUID or link as the last path segment, like
// "https://t.me/channel/123".
func messageID(it *gofeed.Item) (int64, bool) {
	for _, s := range []string{it.GUID, it.Link} {
		if id, ok := parseMessageID(s); ok {
			return id, true
		}
	}
	return 0, false
}

func parseMessageID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	s, _, _ = strings.Cut(s, "?")
	s = strings.TrimSuffix(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

var lineBreakRe = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`(?i)<br\s*/?>|</p>`)
})

// flattenHTML renders the HTML of a bridge item as plain text, turning line
// break tags into newlines so prices and keywords split across lines keep
// their boundaries.
func flattenHTML(s string) string {
	s = lineBreakRe().ReplaceAllString(s, "\n")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}
