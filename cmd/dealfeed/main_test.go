// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/dealfeed/internal/cli"
	"go.astrophena.name/dealfeed/internal/cli/clitest"
	"go.astrophena.name/dealfeed/internal/filelock"
	"go.astrophena.name/dealfeed/internal/state"
	"go.astrophena.name/dealfeed/internal/store"
	"go.astrophena.name/dealfeed/internal/testutil"
)

// Typical Telegram Bot API token, copied from docs.
const tgToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

const testConfig = `sources = [source(chat = "@wbdeals")]

ruleset = rules(
    include = {"кроссовки": 1},
    exclude = ["реклама"],
    min_score = 3,
)
`

// testUpdates is what the first getUpdates poll returns: a post that the
// rules reject and a photo post that they accept.
const testUpdates = `[
	{
		"update_id": 1,
		"channel_post": {
			"message_id": 100,
			"date": 1756100000,
			"chat": {"id": -1001, "type": "channel", "title": "WB Deals", "username": "wbdeals"},
			"text": "обычный пост"
		}
	},
	{
		"update_id": 2,
		"channel_post": {
			"message_id": 101,
			"date": 1756100060,
			"chat": {"id": -1001, "type": "channel", "title": "WB Deals", "username": "wbdeals"},
			"caption": "Кроссовки! Скидка 50%! Цена 890₽",
			"photo": [{"file_id": "AgACAgIAAxkBAAIB"}]
		}
	}
]`

func TestRun(t *testing.T) {
	t.Parallel()

	clitest.Run(t, func(t *testing.T) *app {
		return testApp(t, testMux(t, nil))
	}, map[string]clitest.Case[*app]{
		"version": {
			Args:         []string{"-version"},
			WantErr:      cli.ErrExitVersion,
			WantInStderr: "dealfeed",
		},
		"no command": {
			Args:    []string{},
			WantErr: cli.ErrInvalidArgs,
		},
		"unknown command": {
			Args:    []string{"frobnicate"},
			WantErr: cli.ErrInvalidArgs,
		},
		"check accepts a deal": {
			Args:         []string{"check"},
			Stdin:        strings.NewReader("Кроссовки! Скидка 50%! Цена 890₽"),
			WantInStdout: "accepted: score 5 (include:кроссовки, price:890, discount:50)",
		},
		"check rejects ads": {
			Args:         []string{"check"},
			Stdin:        strings.NewReader("тут реклама"),
			WantInStdout: "rejected: score 0 (exclude:реклама)",
		},
		"check rejects boring posts": {
			Args:         []string{"check"},
			Stdin:        strings.NewReader("обычный пост"),
			WantInStdout: "rejected: score 0 (no-reason)",
		},
		"check reads a file": {
			Args:         []string{"check", filepath.Join("testdata", "offer.txt")},
			WantInStdout: "accepted: score 4 (price:890, discount:50)",
		},
		"check in JSON": {
			Args:         []string{"-json", "check"},
			Stdin:        strings.NewReader("Кроссовки! Скидка 50%! Цена 890₽"),
			WantInStdout: `"score": 5`,
		},
		"rules": {
			Args: []string{"rules"},
			WantInStdout: "Sources:\n" +
				"  @wbdeals\n" +
				"\n" +
				"Rules (accept at score >= 3):\n" +
				"  include \"кроссовки\": +1\n" +
				"  exclude \"реклама\"\n" +
				"  price <= 990: +2, <= 1490: +1\n" +
				"  discount >= 40%: +2, >= 25%: +1\n",
		},
		"state without decisions": {
			Args:         []string{"state"},
			WantInStdout: "No decisions recorded yet.",
		},
	})
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	clitest.Run(t, func(t *testing.T) *app {
		return &app{stateDir: t.TempDir()}
	}, map[string]clitest.Case[*app]{
		"requires token": {
			Args:    []string{"run"},
			WantErr: errNoToken,
		},
		"requires target": {
			Args:    []string{"run"},
			Env:     map[string]string{"TELEGRAM_TOKEN": tgToken},
			WantErr: errNoTarget,
		},
		"requires config": {
			Args: []string{"run"},
			Env: map[string]string{
				"TELEGRAM_TOKEN": tgToken,
				"TARGET_CHAT":    "@bestdeals",
			},
			WantErr: fs.ErrNotExist,
		},
	})
}

func TestRunDaemon(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	a := testApp(t, m)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	// Shut the daemon down once the media forward lands: by then both test
	// posts have been decided.
	m.onForward = cancel

	if err := runDaemon(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Only the accepted post reaches the target channel.
	testutil.AssertEqual(t, len(m.sentMessages), 1)
	sent := m.sentMessages[0]
	testutil.AssertEqual(t, sent["chat_id"], "@bestdeals")
	testutil.AssertEqual(t, sent["text"], "🔥 Интересное предложение\n"+
		"Источник: WB Deals\n"+
		"Score: 5 (include:кроссовки, price:890, discount:50)\n"+
		"\n"+
		"Кроссовки! Скидка 50%! Цена 890₽")

	testutil.AssertEqual(t, len(m.forwards), 1)
	fwd := m.forwards[0]
	testutil.AssertEqual(t, fwd["chat_id"], "@bestdeals")
	testutil.AssertEqual(t, fwd["from_chat_id"], float64(-1001))
	testutil.AssertEqual(t, fwd["message_id"], float64(101))

	// Both decisions survive in the state store.
	kv, err := store.Open(t.Context(), a.stateDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	snap, err := state.Snapshot(t.Context(), state.NewCursors(kv), state.NewLedger(kv))
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, snap, map[string]state.SourceState{
		"@wbdeals": {Cursor: 101, Decided: 2},
	})

	ledger := state.NewLedger(kv)
	rejected, err := ledger.Seen(t.Context(), "@wbdeals", 100)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, rejected, &state.Entry{Outcome: state.Rejected})
	published, err := ledger.Seen(t.Context(), "@wbdeals", 101)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, published, &state.Entry{Outcome: state.Published, TargetMessageID: 777})
}

func TestRunResolveFallback(t *testing.T) {
	t.Parallel()

	// When the chat can't be resolved the watcher still matches posts by
	// the configured username and the published header falls back to it.
	m := testMux(t, map[string]http.HandlerFunc{
		getChat: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not a member", http.StatusInternalServerError)
		},
	})
	a := testApp(t, m)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	m.onForward = cancel

	if err := runDaemon(ctx, a); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, len(m.sentMessages), 1)
	text, ok := m.sentMessages[0]["text"].(string)
	if !ok {
		t.Fatalf("sent message has no text: %v", m.sentMessages[0])
	}
	if !strings.Contains(text, "Источник: @wbdeals") {
		t.Fatalf("published text must name the configured source, got:\n%s", text)
	}
}

func TestRunAlreadyLocked(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))

	lock, err := filelock.Acquire(filepath.Join(a.stateDir, ".run.lock"), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	err = runDaemon(t.Context(), a)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("want already-running error, got %v", err)
	}
}

func TestPrintState(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))

	kv, err := store.Open(t.Context(), a.stateDSN)
	if err != nil {
		t.Fatal(err)
	}
	cursors, ledger := state.NewCursors(kv), state.NewLedger(kv)
	if err := ledger.Record(t.Context(), "@wbdeals", 99, state.Entry{Outcome: state.Rejected}); err != nil {
		t.Fatal(err)
	}
	if err := cursors.Advance(t.Context(), "@wbdeals", 99); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Record(t.Context(), "-1001234", 5, state.Entry{Outcome: state.Published, TargetMessageID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := cursors.Advance(t.Context(), "-1001234", 5); err != nil {
		t.Fatal(err)
	}
	if err := kv.Close(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := a.printState(t.Context(), &buf); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, buf.String(), "-1001234: cursor 5, 1 decided\n@wbdeals: cursor 99, 1 decided\n")
}

func TestEdit(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	a := testApp(t, testMux(t, nil))

	editor := filepath.Join(t.TempDir(), "editor")
	const script = `#!/bin/sh
cat > "$1" <<'EOF'
sources = [source(chat = "@edited")]
EOF
`
	if err := os.WriteFile(editor, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	env := &cli.Env{
		Args: []string{"edit"},
		Getenv: func(name string) string {
			if name == "EDITOR" {
				return editor
			}
			return ""
		},
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
	}
	if err := cli.Run(cli.WithEnv(t.Context(), env), a); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(a.configPath())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "sources = [source(chat = \"@edited\")]\n")
}

func TestEditRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	a := testApp(t, testMux(t, nil))

	editor := filepath.Join(t.TempDir(), "editor")
	const script = `#!/bin/sh
echo 'sources = 42' > "$1"
`
	if err := os.WriteFile(editor, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	env := &cli.Env{
		Args: []string{"edit"},
		Getenv: func(name string) string {
			if name == "EDITOR" {
				return editor
			}
			return ""
		},
		// Decline to retry when asked.
		Stdin:  strings.NewReader("n\n"),
		Stdout: io.Discard,
		Stderr: io.Discard,
	}
	if err := cli.Run(cli.WithEnv(t.Context(), env), a); err == nil {
		t.Fatal("editing in an invalid config must fail")
	}

	b, err := os.ReadFile(a.configPath())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), testConfig)
}

// runDaemon runs the daemon through the CLI entrypoint until ctx is
// canceled.
func runDaemon(ctx context.Context, a *app) error {
	env := &cli.Env{
		Args:   []string{"run"},
		Getenv: func(string) string { return "" },
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
	}
	return cli.Run(cli.WithEnv(ctx, env), a)
}

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func testApp(t *testing.T, m *mux) *app {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.star"), []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	return &app{
		chatID:   "@bestdeals",
		stateDSN: filepath.Join(dir, "state.json"),
		stateDir: dir,
		tgToken:  tgToken,
		httpc: &http.Client{
			Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				w := httptest.NewRecorder()
				m.mux.ServeHTTP(w, r)
				return w.Result(), nil
			}),
		},
	}
}

type mux struct {
	mux *http.ServeMux

	mu           sync.Mutex
	polls        int
	sentMessages []map[string]any
	forwards     []map[string]any

	onForward func() // called after a forward is recorded
}

const (
	getChat        = "POST api.telegram.org/{token}/getChat"
	getUpdates     = "POST api.telegram.org/{token}/getUpdates"
	sendMessage    = "POST api.telegram.org/{token}/sendMessage"
	forwardMessage = "POST api.telegram.org/{token}/forwardMessage"
)

func testMux(t *testing.T, overrides map[string]http.HandlerFunc) *mux {
	m := &mux{mux: http.NewServeMux()}
	m.mux.HandleFunc(getChat, orHandler(overrides[getChat], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		io.WriteString(w, `{"ok":true,"result":{"id":-1001,"type":"channel","title":"WB Deals","username":"wbdeals"}}`)
	}))
	m.mux.HandleFunc(getUpdates, orHandler(overrides[getUpdates], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		m.mu.Lock()
		m.polls++
		first := m.polls == 1
		m.mu.Unlock()
		if first {
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, testUpdates)
			return
		}
		// Later polls behave like the real long poll: hold the request
		// open until the daemon shuts down.
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
		io.WriteString(w, `{"ok":true,"result":[]}`)
	}))
	m.mux.HandleFunc(sendMessage, orHandler(overrides[sendMessage], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		m.mu.Lock()
		m.sentMessages = append(m.sentMessages, testutil.UnmarshalJSON[map[string]any](t, read(t, r.Body)))
		m.mu.Unlock()
		io.WriteString(w, `{"ok":true,"result":{"message_id":777}}`)
	}))
	m.mux.HandleFunc(forwardMessage, orHandler(overrides[forwardMessage], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		m.mu.Lock()
		m.forwards = append(m.forwards, testutil.UnmarshalJSON[map[string]any](t, read(t, r.Body)))
		m.mu.Unlock()
		io.WriteString(w, `{"ok":true,"result":{"message_id":778}}`)
		if m.onForward != nil {
			m.onForward()
		}
	}))
	for pat, h := range overrides {
		switch pat {
		case getChat, getUpdates, sendMessage, forwardMessage:
			continue
		}
		m.mux.HandleFunc(pat, h)
	}
	return m
}

func orHandler(hh ...http.HandlerFunc) http.HandlerFunc {
	for _, h := range hh {
		if h != nil {
			return h
		}
	}
	return nil
}

func read(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
