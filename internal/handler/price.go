package handler

import "strings"

// ExtractPrice decodes a spreadsheet price cell. Cells use a "flag;amount"
// encoding where only the amount is reported to users; cells without a
// semicolon carry the amount directly. Empty cells have no usable price.
func ExtractPrice(cell string) (string, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return "", false
	}
	if i := strings.IndexByte(cell, ';'); i >= 0 {
		amount := strings.TrimSpace(cell[i+1:])
		if amount == "" {
			return "", false
		}
		return amount, true
	}
	return cell, true
}
