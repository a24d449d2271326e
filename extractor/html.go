package extractor

import (
	"context"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Both are safe for concurrent use once built.
var (
	htmlPolicy = bluemonday.UGCPolicy()
	mdConv     = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// extractHTML drops scripts, styles and other active content, converts what is
// left to markdown so block structure survives as line breaks, then strips the
// markdown syntax.
func extractHTML(_ context.Context, data []byte) (string, int, error) {
	raw, err := decodeText(data)
	if err != nil {
		return "", 0, err
	}
	clean := htmlPolicy.Sanitize(raw)
	md, err := mdConv.ConvertString(clean)
	if err != nil {
		return "", 0, fmt.Errorf("html to markdown: %w", err)
	}
	return markdownToText(md), 0, nil
}
