// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package rules implements deterministic scoring of offer posts against a
// configured rule set.
package rules

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Default thresholds, applied by the config loader when a value is not set
// explicitly.
const (
	DefaultPriceLow     = 990
	DefaultPriceMid     = 1490
	DefaultDiscountHigh = 40
	DefaultDiscountLow  = 25
	DefaultMinScore     = 2
)

// RuleSet is the complete scoring configuration.
type RuleSet struct {
	// Include maps keywords to their score weight. A zero weight counts as 1.
	Include map[string]int `json:"include,omitempty"`
	// Exclude lists keywords that reject a post outright.
	Exclude []string `json:"exclude,omitempty"`

	// PriceLow and PriceMid are inclusive upper bounds in rubles: the lowest
	// price in a post scores +2 at or below PriceLow, otherwise +1 at or
	// below PriceMid.
	PriceLow int `json:"price_low"`
	PriceMid int `json:"price_mid"`
	// DiscountHigh and DiscountLow are inclusive lower bounds in percent: the
	// highest discount in a post scores +2 at or above DiscountHigh,
	// otherwise +1 at or above DiscountLow.
	DiscountHigh int `json:"discount_high"`
	DiscountLow  int `json:"discount_low"`

	// MinScore is the acceptance threshold.
	MinScore int `json:"min_score"`
}

// Default returns a RuleSet with default thresholds and no keywords.
func Default() RuleSet {
	return RuleSet{
		PriceLow:     DefaultPriceLow,
		PriceMid:     DefaultPriceMid,
		DiscountHigh: DefaultDiscountHigh,
		DiscountLow:  DefaultDiscountLow,
		MinScore:     DefaultMinScore,
	}
}

// Result is the outcome of scoring a single post.
type Result struct {
	Accepted bool `json:"accepted"`
	Score    int  `json:"score"`

	// Included lists matched include keywords, sorted.
	Included []string `json:"included,omitempty"`
	// ExcludeHit is the exclude keyword that rejected the post, if any.
	ExcludeHit string `json:"exclude_hit,omitempty"`
	// Price is the lowest price found in the post, 0 if none.
	Price int `json:"price,omitempty"`
	// Discount is the highest discount found in the post, 0 if none.
	Discount int `json:"discount,omitempty"`

	// Reasons lists what contributed to the decision, in "kind:detail" form.
	Reasons []string `json:"reasons,omitempty"`
}

// Evaluate scores text against the rule set. It is pure: no I/O, no side
// effects, same inputs always produce the same Result.
//
// An exclude keyword found anywhere in the text rejects it outright,
// regardless of anything else the text contains. Otherwise every matched
// include keyword adds its weight, the lowest price and the highest discount
// add their threshold bonuses, and the post is accepted when the total
// reaches MinScore.
func (r RuleSet) Evaluate(text string) Result {
	var res Result
	lower := strings.ToLower(text)

	for _, term := range r.Exclude {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			res.ExcludeHit = term
			res.Reasons = []string{"exclude:" + term}
			return res
		}
	}

	for _, term := range slices.Sorted(maps.Keys(r.Include)) {
		if term == "" || !strings.Contains(lower, strings.ToLower(term)) {
			continue
		}
		weight := r.Include[term]
		if weight == 0 {
			weight = 1
		}
		res.Score += weight
		res.Included = append(res.Included, term)
	}
	if len(res.Included) > 0 {
		res.Reasons = append(res.Reasons, "include:"+strings.Join(res.Included, ","))
	}

	if price, ok := lowestPrice(text); ok {
		res.Price = price
		var bonus int
		switch {
		case price <= r.PriceLow:
			bonus = 2
		case price <= r.PriceMid:
			bonus = 1
		}
		if bonus > 0 {
			res.Score += bonus
			res.Reasons = append(res.Reasons, "price:"+strconv.Itoa(price))
		}
	}

	if discount, ok := highestDiscount(text); ok {
		res.Discount = discount
		var bonus int
		switch {
		case discount >= r.DiscountHigh:
			bonus = 2
		case discount >= r.DiscountLow:
			bonus = 1
		}
		if bonus > 0 {
			res.Score += bonus
			res.Reasons = append(res.Reasons, "discount:"+strconv.Itoa(discount))
		}
	}

	res.Accepted = res.Score >= r.MinScore
	return res
}
