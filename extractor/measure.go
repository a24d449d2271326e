package extractor

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Metrics is normalized text with its counts.
type Metrics struct {
	Text  string
	Words int
	Chars int
}

// Measure normalizes text and counts it. Normalization is NFC composition,
// removal of control and format characters, collapsing every whitespace run
// to a single space and trimming. Words are the whitespace-delimited tokens of
// the result; Chars is its code point count.
func Measure(text string) Metrics {
	n := Normalize(text)
	return Metrics{
		Text:  n,
		Words: len(strings.Fields(n)),
		Chars: utf8.RuneCountInString(n),
	}
}

// Normalize applies the normalization described on Measure.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	var sb strings.Builder
	sb.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space = sb.Len() > 0
		case r == utf8.RuneError, unicode.IsControl(r), unicode.Is(unicode.Cf, r):
		default:
			if space {
				sb.WriteByte(' ')
				space = false
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
