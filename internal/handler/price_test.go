package handler

import "testing"

func TestExtractPrice(t *testing.T) {
	cases := []struct {
		cell  string
		price string
		ok    bool
	}{
		{"1;1234", "1234", true},
		{"0;55000", "55000", true},
		{"999", "999", true},
		{" 1; 55000 ", "55000", true},
		{"", "", false},
		{"   ", "", false},
		{"1;", "", false},
	}
	for _, c := range cases {
		price, ok := ExtractPrice(c.cell)
		if price != c.price || ok != c.ok {
			t.Errorf("ExtractPrice(%q) = (%q, %v), want (%q, %v)", c.cell, price, ok, c.price, c.ok)
		}
	}
}
