package handler

import (
	"strings"
	"testing"

	"github.com/nsokolov/pricebot/internal/models"
)

func priced(original, normalized, price string) models.PricedProduct {
	return models.PricedProduct{
		ProductQuery: models.ProductQuery{Original: original, Normalized: normalized},
		Price:        price,
		Found:        price != "",
	}
}

func TestFormatReplyAppendsPriceToMatchedLines(t *testing.T) {
	original := "Куплю\n17 256 blue sim\nдругой текст"
	products := []models.PricedProduct{
		priced("17 256 blue sim", "iPhone 17 256 Mist Blue 1Sim", "55000"),
	}

	got := FormatReply(original, products)
	want := "Куплю\n17 256 blue sim 55000\nдругой текст"
	if got != want {
		t.Errorf("FormatReply = %q, want %q", got, want)
	}
}

func TestFormatReplyPreservesLineCountAndOrder(t *testing.T) {
	original := "a\n\nb\nc\n\nd"
	products := []models.PricedProduct{
		priced("b", "B", "100"),
		priced("d", "D", "200"),
	}

	got := FormatReply(original, products)
	gotLines := strings.Split(got, "\n")
	wantLines := []string{"a", "", "b 100", "c", "", "d 200"}
	if len(gotLines) != len(wantLines) {
		t.Fatalf("line count = %d, want %d", len(gotLines), len(wantLines))
	}
	for i := range wantLines {
		if gotLines[i] != wantLines[i] {
			t.Errorf("line %d = %q, want %q", i, gotLines[i], wantLines[i])
		}
	}
}

func TestFormatReplyWhitespaceCollapsedFallback(t *testing.T) {
	// The classifier may normalize interior whitespace; the line should still match.
	original := "17  pro   512 orange"
	products := []models.PricedProduct{
		priced("17 pro 512 orange", "iPhone 17 Pro 512 Cosmic Orange 1Sim", "89000"),
	}

	got := FormatReply(original, products)
	if got != "17  pro   512 orange 89000" {
		t.Errorf("FormatReply = %q, want collapsed-whitespace match", got)
	}
}

func TestFormatReplyLeavesUnpricedLinesUnchanged(t *testing.T) {
	original := "17 256 blue\n17 pro 512"
	products := []models.PricedProduct{
		priced("17 256 blue", "iPhone 17 256 Mist Blue 1Sim", ""),    // found nothing
		{ProductQuery: models.ProductQuery{Original: "17 pro 512"}}, // not actionable
	}

	if got := FormatReply(original, products); got != original {
		t.Errorf("FormatReply = %q, want unchanged input", got)
	}
}

func TestFormatReplyIgnoresBlankOriginals(t *testing.T) {
	original := "\n\n"
	products := []models.PricedProduct{priced("", "", "999")}
	if got := FormatReply(original, products); got != original {
		t.Errorf("FormatReply = %q, want blank lines preserved", got)
	}
}
