// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Dealfeed watches Telegram channels for marketplace offers and republishes the
good ones.

Every post from the configured source channels is scored with a deterministic
rule set: include keywords add their weight, an exclude keyword rejects the
post outright, and the lowest price and highest discount mentioned in the
text add threshold bonuses. Posts that reach the acceptance threshold are
republished, with their media, to the destination channel. Each post is
decided exactly once, even across restarts.

# Usage

	$ dealfeed [flags...] <command>

The commands are:

  - run: watch the source channels and republish accepted posts until
    interrupted.
  - check [file]: score a message text from file or standard input against
    the configured rules and print the decision.
  - rules: print the effective rule set and source list.
  - state: print per-source cursors and decision counts.
  - edit: open config.star in $EDITOR, validate and save it.

# Environment Variables

The dealfeed program relies on the following environment variables:

  - TELEGRAM_TOKEN: Telegram bot token for accessing the Telegram Bot API.
  - TARGET_CHAT: chat ID or @username of the destination channel. The bot
    must be allowed to post there.
  - STATE_DIRECTORY: directory where config.star and, by default, the state
    store live. Defaults to $XDG_STATE_HOME/dealfeed.
  - STATE_DSN: where to keep cursors and the dedup ledger: "mem", a path
    ending in .json or .db, "sqlite://path" or a "postgres://" URL. Defaults
    to state.json in the state directory.
  - GEMINI_API_KEY: Gemini API key. When set, accepted posts are rewritten
    into a cleaner form before publication; when unset, posts are
    republished as they are.
  - ADMIN_ADDR: address for the admin API. When unset, no admin server is
    started.
  - ERROR_CHAT: chat ID or @username that receives a message when the
    daemon dies with an error. Optional.

# Configuration

dealfeed loads its configuration from the config.star file in the state
directory. This file is written in Starlark and defines the watched channels
and the scoring rules, for example:

	sources = [
	    source(chat = "@wbdeals"),
	    source(chat = "@ozondeals", bridge = "https://tg.i-c-a.su/rss/ozondeals"),
	]

	ruleset = rules(
	    include = {"ноутбук": 2, "распродажа": 1},
	    exclude = ["реклама"],
	    min_score = 3,
	)

A source with a bridge URL is read through an RSS gateway instead of the bot
update feed; use it for channels the bot cannot join. Omitting ruleset
accepts every post that reaches the default threshold.

# State

dealfeed remembers every decided post: a per-source cursor holds the id of
the last post that reached a decision, and a ledger entry per post records
the outcome (rejected, or published with the destination message id). A post
whose publication keeps failing is left pending and retried on the next run;
a decided post is never published twice. The JSON file backend is enough for
a handful of channels; switch STATE_DSN to SQLite or PostgreSQL for bigger
setups.

# Administration

To edit the config.star file, use the edit command. This will open the file
in your default editor (specified by the $EDITOR environment variable) and
validate it before saving:

	$ dealfeed edit

To tune the rules without touching Telegram, run the daemon with -dry, or
score a single text directly:

	$ echo "Ноутбук за 25900₽" | dealfeed check

When ADMIN_ADDR is set, the running daemon also serves a small JSON API:
/api/state dumps the cursors and decision counts, GET and PUT /api/config
read and replace config.star (PUT validates before saving; the daemon picks
the change up on the next restart).
*/
package main

import (
	_ "embed"

	"go.astrophena.name/dealfeed/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
