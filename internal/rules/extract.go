// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Price and discount extraction. The patterns tolerate thousands separators
// (space, NBSP, narrow NBSP, dot, comma) and decimal tails; a candidate that
// fails to parse is skipped, never an error.

var (
	priceRe = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)(?:^|\D)(\d{1,3}(?:[ \x{00A0}\x{202F}.,]\d{3})+|\d{2,7})(?:[.,]\d{1,2})?[ \x{00A0}\x{202F}]*(?:₽|(?:руб[а-яё]*|rub|р)\.?(?:[^а-яёa-z0-9]|$))`)
	})
	discountRe = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)(?:[-−–]\s?|скидк[а-яё]*:?\s*(?:(?:до|от)\s+)?)(\d{1,3})\s*%`)
	})
	sepReplacer = strings.NewReplacer(" ", "", " ", "", " ", "", ".", "", ",", "")
)

// lowestPrice returns the lowest price in rubles mentioned in text.
func lowestPrice(text string) (int, bool) {
	var best int
	for _, m := range priceRe().FindAllStringSubmatch(text, -1) {
		price, err := strconv.Atoi(sepReplacer.Replace(m[1]))
		if err != nil || price <= 0 {
			continue
		}
		if best == 0 || price < best {
			best = price
		}
	}
	return best, best > 0
}

// highestDiscount returns the highest discount percentage mentioned in text.
// A discount is only recognized next to a dash or a "скидка" marker, so bare
// percentages (cashback, interest rates) don't count.
func highestDiscount(text string) (int, bool) {
	var best int
	for _, m := range discountRe().FindAllStringSubmatch(text, -1) {
		discount, err := strconv.Atoi(m[1])
		if err != nil || discount <= 0 || discount > 100 {
			continue
		}
		if discount > best {
			best = discount
		}
	}
	return best, best > 0
}
