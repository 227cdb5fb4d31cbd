package handler

import (
	"strings"

	"github.com/nsokolov/pricebot/internal/models"
)

// FormatReply reconstructs the reply from the original message text, keeping
// every line in its original order and appending the price to lines that match
// a priced product. Matching tries the trimmed line first and falls back to a
// whitespace-collapsed comparison. Lines without a usable price, and blank
// lines, pass through unchanged.
func FormatReply(originalText string, products []models.PricedProduct) string {
	byTrimmed := make(map[string]models.PricedProduct, len(products))
	byCollapsed := make(map[string]models.PricedProduct, len(products))
	for _, p := range products {
		key := strings.TrimSpace(p.Original)
		if key == "" {
			continue
		}
		if _, ok := byTrimmed[key]; !ok {
			byTrimmed[key] = p
		}
		ckey := collapseWhitespace(key)
		if _, ok := byCollapsed[ckey]; !ok {
			byCollapsed[ckey] = p
		}
	}

	lines := strings.Split(originalText, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, line)
			continue
		}
		p, ok := byTrimmed[trimmed]
		if !ok {
			p, ok = byCollapsed[collapseWhitespace(trimmed)]
		}
		if ok && usablePrice(p) {
			out = append(out, line+" "+p.Price)
		} else {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// usablePrice reports whether a product carries a price worth showing.
func usablePrice(p models.PricedProduct) bool {
	return p.Found && p.Price != ""
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
