package extractor

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// decodeText converts raw bytes to a Go string. A UTF-16 byte order mark
// selects UTF-16; valid UTF-8 passes through; anything else is read as
// Windows-1252, the usual encoding of legacy .txt uploads.
func decodeText(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}), bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", fmt.Errorf("utf-16: %w", err)
		}
		return string(out), nil
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		data = data[3:]
	}
	if utf8.Valid(data) {
		if bytes.IndexByte(data, 0) >= 0 {
			return "", fmt.Errorf("binary content in text file")
		}
		return string(data), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("windows-1252: %w", err)
	}
	return string(out), nil
}

func extractPlain(_ context.Context, data []byte) (string, int, error) {
	text, err := decodeText(data)
	return text, 0, err
}

func extractMarkdown(_ context.Context, data []byte) (string, int, error) {
	text, err := decodeText(data)
	if err != nil {
		return "", 0, err
	}
	return markdownToText(text), 0, nil
}

var (
	mdFence     = regexp.MustCompile("(?m)^[ \\t]*(```|~~~).*$")
	mdImage     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdRefDef    = regexp.MustCompile(`(?m)^[ \t]*\[[^\]]+\]:\s+\S+.*$`)
	mdHeading   = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	mdQuote     = regexp.MustCompile(`(?m)^[ \t]*(>[ \t]?)+`)
	mdBullet    = regexp.MustCompile(`(?m)^[ \t]*([-*+]|\d+[.)])[ \t]+`)
	mdRule      = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	mdTableSep  = regexp.MustCompile(`(?m)^[ \t]*\|?[ \t]*:?-{3,}:?[ \t]*(\|[ \t]*:?-{3,}:?[ \t]*)*\|?[ \t]*$`)
	mdEmphasis  = regexp.MustCompile(`(\*{1,3}|_{2,3}|~~|` + "`" + `+)`)
	mdEscape    = regexp.MustCompile(`\\([\\` + "`" + `*_{}\[\]()#+\-.!|>~])`)
	mdHTMLBreak = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// markdownToText removes markdown syntax and keeps the readable text.
func markdownToText(md string) string {
	// Escaped characters are parked in the private use area so the syntax
	// passes below cannot strip them.
	s := mdEscape.ReplaceAllStringFunc(md, func(m string) string {
		return string(escapeBase + rune(m[1]))
	})
	s = mdFence.ReplaceAllString(s, "")
	s = mdRefDef.ReplaceAllString(s, "")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdTableSep.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "")
	s = mdHTMLBreak.ReplaceAllString(s, "\n")
	s = mdEmphasis.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "|", " ")
	return strings.Map(func(r rune) rune {
		if r >= escapeBase && r < escapeBase+0x80 {
			return r - escapeBase
		}
		return r
	}, s)
}

const escapeBase = rune(0xE000)
