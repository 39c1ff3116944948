// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package config loads the dealfeed configuration from a Starlark file.
//
// config.star declares the watched sources and the scoring rules:
//
//	sources = [
//	    source(chat="@wbdeals"),
//	    source(chat="@closedchannel", bridge="https://tg.i-c-a.su/rss/closedchannel"),
//	]
//
//	ruleset = rules(
//	    include={"ноутбук": 2, "распродажа": 1},
//	    exclude=["реклама", "розыгрыш"],
//	    min_score=3,
//	)
//
// Thresholds not set in rules(...) keep their defaults. A source with a
// bridge URL is consumed through that RSS bridge instead of the bot's update
// feed, for channels the bot cannot join.
package config

import (
	"errors"
	"fmt"

	"go.astrophena.name/dealfeed/internal/logger"
	"go.astrophena.name/dealfeed/internal/rules"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Config is the parsed configuration.
type Config struct {
	Sources []Source      `json:"sources"`
	Rules   rules.RuleSet `json:"rules"`
}

// Source is a single watched channel.
type Source struct {
	// Chat is the channel identity, an "@username" or a numeric chat id.
	Chat string `json:"chat"`
	// Bridge is the RSS bridge URL to poll instead of the bot's update feed.
	Bridge string `json:"bridge,omitempty"`
}

func (s *Source) String() string        { return fmt.Sprintf("<source chat=%q>", s.Chat) }
func (s *Source) Type() string          { return "source" }
func (s *Source) Freeze()               {} // immutable
func (s *Source) Truth() starlark.Bool  { return starlark.Bool(s.Chat != "") }
func (s *Source) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }

func sourceBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("unexpected positional arguments")
	}
	s := new(Source)
	if err := starlark.UnpackArgs("source", args, kwargs,
		"chat", &s.Chat,
		"bridge?", &s.Bridge,
	); err != nil {
		return nil, err
	}
	return s, nil
}

type ruleSet struct {
	rules.RuleSet
}

func (r *ruleSet) String() string        { return fmt.Sprintf("<rules min_score=%d>", r.MinScore) }
func (r *ruleSet) Type() string          { return "rules" }
func (r *ruleSet) Freeze()               {} // immutable
func (r *ruleSet) Truth() starlark.Bool  { return starlark.True }
func (r *ruleSet) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", r.Type()) }

func rulesBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("unexpected positional arguments")
	}
	var (
		include *starlark.Dict
		exclude *starlark.List
		r       = &ruleSet{RuleSet: rules.Default()}
	)
	if err := starlark.UnpackArgs("rules", args, kwargs,
		"include?", &include,
		"exclude?", &exclude,
		"price_low?", &r.PriceLow,
		"price_mid?", &r.PriceMid,
		"discount_high?", &r.DiscountHigh,
		"discount_low?", &r.DiscountLow,
		"min_score?", &r.MinScore,
	); err != nil {
		return nil, err
	}

	if include != nil {
		r.Include = make(map[string]int, include.Len())
		for k, v := range include.Entries() {
			key, ok := k.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("include: keyword must be a string, got %s", k.Type())
			}
			weight, ok := v.(starlark.Int)
			if !ok {
				return nil, fmt.Errorf("include: weight of %q must be an int, got %s", key.GoString(), v.Type())
			}
			w, ok := weight.Int64()
			if !ok {
				return nil, fmt.Errorf("include: weight of %q is too large", key.GoString())
			}
			r.Include[key.GoString()] = int(w)
		}
	}
	if exclude != nil {
		for elem := range exclude.Elements() {
			s, ok := elem.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("exclude: keyword must be a string, got %s", elem.Type())
			}
			r.Exclude = append(r.Exclude, s.GoString())
		}
	}

	return r, nil
}

// Parse evaluates a Starlark configuration. Print statements in it go to
// logf.
func Parse(config string, logf logger.Logf) (*Config, error) {
	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Print: func(_ *starlark.Thread, msg string) { logf("%s", msg) },
		},
		"config.star",
		config,
		starlark.StringDict{
			"source": starlark.NewBuiltin("source", sourceBuiltin),
			"rules":  starlark.NewBuiltin("rules", rulesBuiltin),
		},
	)
	if err != nil {
		return nil, err
	}

	sourcesList, ok := globals["sources"].(*starlark.List)
	if !ok {
		return nil, errors.New("sources must be defined and be a list")
	}

	cfg := &Config{Rules: rules.Default()}

	seen := make(map[string]bool)
	for elem := range sourcesList.Elements() {
		src, ok := elem.(*Source)
		if !ok {
			continue
		}
		if src.Chat == "" {
			return nil, errors.New("source with empty chat")
		}
		if seen[src.Chat] {
			return nil, fmt.Errorf("duplicate source %q", src.Chat)
		}
		seen[src.Chat] = true
		cfg.Sources = append(cfg.Sources, *src)
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("no sources configured")
	}

	if rsVal, ok := globals["ruleset"]; ok {
		rs, ok := rsVal.(*ruleSet)
		if !ok {
			return nil, errors.New("ruleset must be created with rules(...)")
		}
		cfg.Rules = rs.RuleSet
	}

	return cfg, nil
}
