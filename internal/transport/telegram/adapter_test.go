package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		wantRunes int
	}{
		{"short ascii passes through", "hello", 5},
		{"long ascii capped", strings.Repeat("a", 300), 200},
		{"long cyrillic capped", strings.Repeat("ж", 300), 200},
		{"long emoji capped", strings.Repeat("\U0001F600", 120), 120},
		{"mixed width capped", strings.Repeat("aж", 150), 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := preview(tc.in)
			if !utf8.ValidString(got) {
				t.Fatal("preview output is not valid UTF-8")
			}
			if n := utf8.RuneCountInString(got); n != tc.wantRunes {
				t.Fatalf("rune count = %d, want %d", n, tc.wantRunes)
			}
			if !strings.HasPrefix(tc.in, got) {
				t.Fatal("preview must be a prefix of the input")
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		first, last, want string
	}{
		{"Ada", "Lovelace", "Ada Lovelace"},
		{"Ada", "", "Ada"},
		{"", "Lovelace", "Lovelace"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := displayName(tc.first, tc.last); got != tc.want {
			t.Errorf("displayName(%q, %q) = %q, want %q", tc.first, tc.last, got, tc.want)
		}
	}
}
