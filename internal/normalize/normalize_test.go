package normalize

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestText(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "  Sure, what do you need help with?  ", "Sure, what do you need help with?"},
		{"fenced empty literal", "```\n\"\"\n```", Fallback},
		{"fenced with language", "```text\nHello there\n```", "Hello there"},
		{"inline fence", "```Hello```", "Hello"},
		{"double quoted", `"Hi, I am here\nto help"`, "Hi, I am here\nto help"},
		{"single quoted", `'See you soon'`, "See you soon"},
		{"single quote with apostrophe", `'it's fine'`, "it's fine'"},
		{"broken literal", `"unterminated \q"`, `unterminated \q"`},
		{"crlf", "Line one\r\nLine two\rLine three", "Line one\nLine two\nLine three"},
		{"marker cut", "Happy to help!\n\nRecent messages:\nalice: hi", "Happy to help!"},
		{"marker at start", "New message:\nhi", Fallback},
		{"leading punctuation", "--- > Hello!", "Hello!"},
		{"blank lines", "a1\n\n\n\nb2\n \n\t\n c3", "a1\n\nb2\n\n c3"},
		{"empty", "", Fallback},
		{"single rune", "k", Fallback},
		{"unicode", "«Привет!»", "Привет!»"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Text(tc.raw); got != tc.want {
				t.Fatalf("Text(%q): expected %q, got %q", tc.raw, tc.want, got)
			}
		})
	}
}

func TestTextIsIdempotent(t *testing.T) {
	samples := []string{
		"```\n\"\\\"nested\\\"\"\n```",
		`"'inner'"`,
		"\"```go\\nx := 1\\n```\"",
		"  ...   ",
		"Reply rules:",
		"ok\r\r\r\rdone",
	}

	rnd := rand.New(rand.NewSource(42))
	alphabet := []rune("ab ?!\"'`\n\r\t.-_Пр1")
	for i := 0; i < 500; i++ {
		n := rnd.Intn(40)
		var b strings.Builder
		for j := 0; j < n; j++ {
			b.WriteRune(alphabet[rnd.Intn(len(alphabet))])
		}
		samples = append(samples, b.String())
	}

	for _, raw := range samples {
		once := Text(raw)
		twice := Text(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q then %q", raw, once, twice)
		}
		if utf8.RuneCountInString(once) < 2 {
			t.Fatalf("result too short for %q: %q", raw, once)
		}
	}
}

func TestStripMayReturnEmpty(t *testing.T) {
	if got := Strip(`''`); got != "" {
		t.Fatalf("expected empty sentinel to strip to empty, got %q", got)
	}
}
