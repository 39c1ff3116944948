// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"go.astrophena.name/dealfeed/internal/atomicio"
	"go.astrophena.name/dealfeed/internal/cli"
	"go.astrophena.name/dealfeed/internal/cli/restrict"
	"go.astrophena.name/dealfeed/internal/config"
	"go.astrophena.name/dealfeed/internal/httplogger"
	"go.astrophena.name/dealfeed/internal/logger"
	"go.astrophena.name/dealfeed/internal/request"
	"go.astrophena.name/dealfeed/internal/state"
	"go.astrophena.name/dealfeed/internal/store"
	"go.astrophena.name/dealfeed/internal/tg"

	"github.com/landlock-lsm/go-landlock/landlock"
)

// Some types of errors that can happen during dealfeed execution.
var (
	errNoEditor = errors.New("environment variable EDITOR is not defined")
	errNoToken  = errors.New("TELEGRAM_TOKEN environment variable is not set")
	errNoTarget = errors.New("TARGET_CHAT environment variable is not set")
)

// configTemplate seeds config.star on first edit.
const configTemplate = `# Channels to watch. A source with a bridge URL is read through an RSS
# gateway; use it for channels the bot cannot join.
sources = [
    source(chat = "@example"),
]

# Scoring rules. Omit ruleset to accept everything above the default
# threshold.
ruleset = rules(
    include = {},
    exclude = [],
)
`

func main() { cli.Main(new(app)) }

func (a *app) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: decide and record, but don't publish.")
	fs.BoolVar(&a.jsonOut, "json", false, "Output in JSON format (honored in supported commands).")
	fs.StringVar(&a.stateDSN, "state", "", "State store DSN (overrides STATE_DSN).")
	fs.StringVar(&a.adminAddr, "admin", "", "Admin API address (overrides ADMIN_ADDR).")
	fs.BoolVar(&a.verbose, "verbose", false, "Enable debug logging, including outgoing HTTP requests.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Load configuration from environment variables.
	a.adminAddr = cmp.Or(a.adminAddr, env.Getenv("ADMIN_ADDR"))
	a.chatID = cmp.Or(a.chatID, env.Getenv("TARGET_CHAT"))
	a.errorChat = cmp.Or(a.errorChat, env.Getenv("ERROR_CHAT"))
	a.geminiKey = cmp.Or(a.geminiKey, env.Getenv("GEMINI_API_KEY"))
	a.stateDir = cmp.Or(a.stateDir, env.Getenv("STATE_DIRECTORY"))
	if a.stateDir == "" {
		xdgStateHome := env.Getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		a.stateDir = filepath.Join(xdgStateHome, "dealfeed")
	}
	if err := os.MkdirAll(a.stateDir, 0o700); err != nil {
		return err
	}
	a.stateDSN = cmp.Or(a.stateDSN, env.Getenv("STATE_DSN"), filepath.Join(a.stateDir, "state.json"))
	a.tgToken = cmp.Or(a.tgToken, env.Getenv("TELEGRAM_TOKEN"))

	// Initialize internal state.
	a.init.Do(func() {
		a.doInit(ctx)
	})

	// Enable debug logging in dry-run mode.
	if a.dry || a.verbose {
		a.slogLevel.Set(slog.LevelDebug)
	}

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command := env.Args[0]

	switch command {
	case "run":
		if err := a.run(ctx); err != nil {
			return a.errNotify(ctx, err)
		}
		return nil
	case "check":
		return a.check(ctx)
	case "rules":
		return a.printRules(ctx, env.Stdout)
	case "state":
		return a.printState(ctx, env.Stdout)
	case "edit":
		return a.edit(ctx)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

type app struct {
	init sync.Once

	// configuration
	adminAddr string
	chatID    string
	dry       bool
	errorChat string
	geminiKey string
	jsonOut   bool
	stateDSN  string
	stateDir  string
	tgToken   string
	verbose   bool

	// mocked in tests
	httpc *http.Client

	// initialized by doInit
	logf      logger.Logf
	scrubber  *strings.Replacer
	slog      *slog.Logger
	slogLevel *slog.LevelVar
}

func (a *app) doInit(ctx context.Context) {
	env := cli.GetEnv(ctx)
	a.logf = log.New(env.Stderr, "", 0).Printf

	if a.httpc == nil {
		a.httpc = request.DefaultClient
	}
	if a.tgToken != "" {
		a.scrubber = strings.NewReplacer(
			a.tgToken, "[EXPUNGED]",
		)
	}
	if a.verbose {
		// Request URLs contain the bot token, so scrub before logging.
		logf := a.logf
		if a.scrubber != nil {
			logf = func(format string, args ...any) {
				a.logf("%s", a.scrubber.Replace(fmt.Sprintf(format, args...)))
			}
		}
		rt := a.httpc.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		c := *a.httpc
		c.Transport = httplogger.New(rt, httplogger.Logf(logf))
		a.httpc = &c
	}

	l := logger.Get(ctx)
	a.slogLevel = l.Level
	a.slog = l.Logger
}

func (a *app) configPath() string { return filepath.Join(a.stateDir, "config.star") }

func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	raw, err := os.ReadFile(a.configPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w; create it with \"dealfeed edit\"", err)
		}
		return nil, err
	}
	cfg, err := config.Parse(string(raw), a.logf)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", a.configPath(), err)
	}
	return cfg, nil
}

// check scores a message text against the configured rules and prints the
// decision, so rules can be tuned without touching Telegram.
func (a *app) check(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// check only ever reads the config and its input. Drop privileges if
	// not inside tests.
	if !testing.Testing() {
		rules := []landlock.Rule{landlock.RODirs(a.stateDir)}
		if len(env.Args) > 1 {
			rules = append(rules, landlock.ROFiles(env.Args[1]))
		}
		restrict.Do(ctx, rules...)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	var text []byte
	if len(env.Args) > 1 {
		text, err = os.ReadFile(env.Args[1])
	} else {
		text, err = io.ReadAll(env.Stdin)
	}
	if err != nil {
		return err
	}

	res := cfg.Rules.Evaluate(string(text))

	if a.jsonOut {
		enc := json.NewEncoder(env.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	verdict := "rejected"
	if res.Accepted {
		verdict = "accepted"
	}
	reasons := "no-reason"
	if len(res.Reasons) > 0 {
		reasons = strings.Join(res.Reasons, ", ")
	}
	fmt.Fprintf(env.Stdout, "%s: score %d (%s)\n", verdict, res.Score, reasons)
	return nil
}

func (a *app) printRules(ctx context.Context, w io.Writer) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	fmt.Fprintln(w, "Sources:")
	for _, s := range cfg.Sources {
		if s.Bridge != "" {
			fmt.Fprintf(w, "  %s (via %s)\n", s.Chat, s.Bridge)
			continue
		}
		fmt.Fprintf(w, "  %s\n", s.Chat)
	}

	r := cfg.Rules
	fmt.Fprintf(w, "\nRules (accept at score >= %d):\n", r.MinScore)
	for _, term := range slices.Sorted(maps.Keys(r.Include)) {
		weight := r.Include[term]
		if weight == 0 {
			weight = 1
		}
		fmt.Fprintf(w, "  include %q: +%d\n", term, weight)
	}
	for _, term := range r.Exclude {
		fmt.Fprintf(w, "  exclude %q\n", term)
	}
	fmt.Fprintf(w, "  price <= %d: +2, <= %d: +1\n", r.PriceLow, r.PriceMid)
	fmt.Fprintf(w, "  discount >= %d%%: +2, >= %d%%: +1\n", r.DiscountHigh, r.DiscountLow)
	return nil
}

func (a *app) printState(ctx context.Context, w io.Writer) error {
	kv, err := store.Open(ctx, a.stateDSN)
	if err != nil {
		return err
	}
	defer kv.Close()

	snap, err := state.Snapshot(ctx, state.NewCursors(kv), state.NewLedger(kv))
	if err != nil {
		return err
	}

	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	if len(snap) == 0 {
		fmt.Fprintln(w, "No decisions recorded yet.")
		return nil
	}
	for _, source := range slices.Sorted(maps.Keys(snap)) {
		fmt.Fprintf(w, "%s: cursor %d, %d decided\n", source, snap[source].Cursor, snap[source].Decided)
	}
	return nil
}

func (a *app) edit(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	editor := env.Getenv("EDITOR")
	if editor == "" {
		return errNoEditor
	}

	current, err := os.ReadFile(a.configPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if len(current) == 0 {
		current = []byte(configTemplate)
	}

	tmpfile, err := os.CreateTemp("", "dealfeed-config*.star")
	if err != nil {
		return err
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write(current); err != nil {
		return err
	}
	if err := tmpfile.Close(); err != nil {
		return err
	}

	for {
		cmd := exec.Command(editor, tmpfile.Name())
		cmd.Stdin = env.Stdin
		cmd.Stdout = env.Stdout
		cmd.Stderr = env.Stderr
		if err := cmd.Run(); err != nil {
			return err
		}

		edited, err := os.ReadFile(tmpfile.Name())
		if err != nil {
			return err
		}
		if string(edited) == string(current) {
			a.logf("No changes made to config.star, exiting.")
			return nil
		}

		if _, err := config.Parse(string(edited), a.logf); err != nil {
			a.logf("Invalid config.star: %v", err)
			if a.ask("Do you want to try editing again?", env) {
				continue
			}
			return err
		}

		return atomicio.WriteFile(a.configPath(), edited, 0o644)
	}
}

// ask prompts the user for a yes or no answer.
func (a *app) ask(prompt string, env *cli.Env) bool {
	r := bufio.NewReader(env.Stdin)
	for {
		fmt.Fprintf(env.Stdout, "%s (y/n): ", prompt)
		input, err := r.ReadString('\n')
		if err != nil {
			return false
		}

		switch strings.TrimSpace(strings.ToLower(input)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		a.logf("Invalid input (y/n).")
	}
}

// errNotify reports a daemon failure to the error chat, if one is
// configured, and hands err back so the process still exits with it.
func (a *app) errNotify(ctx context.Context, err error) error {
	if a.errorChat == "" || a.tgToken == "" {
		return err
	}
	bot := tg.New(tg.Config{
		Token:      a.tgToken,
		HTTPClient: a.httpc,
		Scrubber:   a.scrubber,
		Logger:     a.slog,
	})
	if _, serr := bot.SendMessage(ctx, a.errorChat, fmt.Sprintf("❌ dealfeed failed: %v", err)); serr != nil {
		a.slog.Error("reporting the failure failed too", "error", serr)
	}
	return err
}
