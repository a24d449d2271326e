package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// extractDOCX reads the text runs of word/document.xml, one line per
// paragraph. Tabs and breaks inside a paragraph become whitespace.
func extractDOCX(ctx context.Context, data []byte) (string, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open docx archive: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return "", 0, fmt.Errorf("%s not found in archive", docxBody)
	}

	rc, err := body.Open()
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer rc.Close()

	var out strings.Builder
	inText := false
	dec := xml.NewDecoder(rc)
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("parse %s: %w", docxBody, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteByte('\t')
			case "br", "cr":
				out.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return out.String(), 0, nil
}
