package tgui

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	short := "hello"
	if got := Split(short, 10); len(got) != 1 || got[0] != short {
		t.Fatalf("short = %q", got)
	}

	lines := strings.Repeat("line of text\n", 10) // 130 runes
	got := Split(lines, 50)
	for _, c := range got {
		if utf8.RuneCountInString(c) > 50 {
			t.Fatalf("chunk over limit: %q", c)
		}
		if !strings.HasSuffix(c, "text") {
			t.Fatalf("chunk not cut on a newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != strings.TrimRight(lines, "\n") {
		t.Fatalf("lost content: %q", got)
	}

	runes := strings.Repeat("é", 25)
	got = Split(runes, 10)
	if len(got) != 3 || got[2] != strings.Repeat("é", 5) {
		t.Fatalf("rune split = %q", got)
	}
}
