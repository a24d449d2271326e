package extractor

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// extractPDF validates the document with pdfcpu and collects the strings shown
// by text operators on every page. Scanned PDFs without a text layer come
// back empty and are rejected by the caller.
func extractPDF(ctx context.Context, data []byte) (string, int, error) {
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return "", 0, fmt.Errorf("pdfcpu read: %w", err)
	}

	var out strings.Builder
	for page := 1; page <= pctx.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		r, err := pdfcpu.ExtractPageContent(pctx, page)
		if err != nil || r == nil {
			continue
		}
		stream, err := io.ReadAll(r)
		if err != nil {
			return "", 0, fmt.Errorf("page %d: %w", page, err)
		}
		out.WriteString(contentText(stream))
		out.WriteByte('\n')
	}
	return out.String(), pctx.PageCount, nil
}

// contentText walks a page content stream and returns the text shown by the
// Tj, TJ, ' and " operators. Positioning operators become whitespace so
// words on separate lines or cells stay separate.
func contentText(stream []byte) string {
	var out strings.Builder
	var operands []string

	flush := func(prefix string) {
		if len(operands) == 0 {
			return
		}
		out.WriteString(prefix)
		for _, s := range operands {
			out.WriteString(s)
		}
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '%':
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '(':
			s, n := readLiteral(stream[i:])
			operands = append(operands, decodePDFText(s))
			i += n
		case c == '<' && i+1 < len(stream) && stream[i+1] == '<':
			i += 2
		case c == '<':
			s, n := readHexString(stream[i:])
			operands = append(operands, decodePDFText(s))
			i += n
		case c == '/':
			i++
			for i < len(stream) && !isDelimiter(stream[i]) {
				i++
			}
		case isOperatorByte(c):
			j := i
			for j < len(stream) && isOperatorByte(stream[j]) {
				j++
			}
			switch string(stream[i:j]) {
			case "Tj", "TJ":
				flush("")
			case "'", "\"":
				flush("\n")
			case "Td", "TD", "Tm", "T*":
				out.WriteByte(' ')
			case "ET":
				out.WriteByte('\n')
			}
			operands = operands[:0]
			i = j
		case c == '-' || c == '.' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(stream) && (stream[j] == '.' || (stream[j] >= '0' && stream[j] <= '9')) {
				j++
			}
			// Large negative kerning inside a TJ array marks a word gap.
			if v, err := strconv.ParseFloat(string(stream[i:j]), 64); err == nil && v < -200 && len(operands) > 0 {
				operands = append(operands, " ")
			}
			i = j
		default:
			i++
		}
	}
	return out.String()
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"'
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteral decodes a balanced (...) string literal at the start of b and
// returns its bytes and the number of input bytes consumed.
func readLiteral(b []byte) ([]byte, int) {
	var out []byte
	depth := 0
	i := 0
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case c == '\\' && i+1 < len(b):
			i++
			switch e := b[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(b[i]-'0')
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		case c == '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return out, i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out, i
}

// readHexString decodes a <...> hex string at the start of b.
func readHexString(b []byte) ([]byte, int) {
	end := bytes.IndexByte(b, '>')
	if end < 0 {
		return nil, len(b)
	}
	digits := make([]byte, 0, end)
	for _, c := range b[1:end] {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out, err := hex.DecodeString(string(digits))
	if err != nil {
		return nil, end + 1
	}
	return out, end + 1
}

// decodePDFText interprets a PDF string: UTF-16BE when it carries a byte
// order mark, otherwise Latin-1, the closest standard charmap to
// PDFDocEncoding.
func decodePDFText(s []byte) string {
	if bytes.HasPrefix(s, []byte{0xFE, 0xFF}) {
		out, err := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder().Bytes(s)
		if err == nil {
			return string(out)
		}
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(s)
	if err != nil {
		return string(s)
	}
	return string(out)
}
