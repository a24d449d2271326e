// Package extractor turns an uploaded blob of a declared media type into plain
// text plus the word and character counts that quota accounting is based on.
//
// Supported media types:
//   - text/plain     passthrough, UTF-8 / UTF-16 (BOM) / Windows-1252
//   - text/markdown  markup stripped
//   - text/html      sanitized, converted to markdown, markup stripped
//   - application/pdf  content stream text operators (pdfcpu)
//   - DOCX           word/document.xml runs
//   - image/png, image/jpeg  through a Recognizer (OCR)
//
// Anything else fails with ErrUnsupportedFormat. Extraction is a pure function
// of (bytes, media type): the same input always yields the same counts.
//
// Usage:
//
//	reg := extractor.New(extractor.Config{Timeout: 30 * time.Second})
//	res, err := reg.Extract(ctx, data, "application/pdf")
//	fmt.Println(res.Words, res.Chars)
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"strings"
	"time"
)

// Media types accepted by the registry.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypePNG      = "image/png"
	TypeJPEG     = "image/jpeg"
)

// Result is the output of a successful extraction.
type Result struct {
	MediaType string `json:"media_type"`
	Text      string `json:"text"`
	Words     int    `json:"word_count"`
	Chars     int    `json:"char_count"`
	Pages     int    `json:"pages,omitempty"`
}

// Strategy extracts raw text from data. pages is 0 when the format has no
// notion of pages.
type Strategy func(ctx context.Context, data []byte) (text string, pages int, err error)

// Config configures a Registry.
type Config struct {
	// Timeout bounds a single extraction. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
	// MaxBytes rejects larger inputs as corrupt. Default: 50 MB.
	MaxBytes int64 `yaml:"max_bytes"`
	// Recognizer enables image extraction. Nil leaves images unsupported.
	Recognizer Recognizer `yaml:"-"`
	Logger     *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 50 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry maps declared media types to extraction strategies.
type Registry struct {
	cfg        Config
	logger     *slog.Logger
	strategies map[string]Strategy
}

// New builds the registry over the fixed set of supported media types.
func New(cfg Config) *Registry {
	cfg.defaults()
	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		strategies: map[string]Strategy{
			TypePlain:    extractPlain,
			TypeMarkdown: extractMarkdown,
			TypeHTML:     extractHTML,
			TypePDF:      extractPDF,
			TypeDOCX:     extractDOCX,
		},
	}
	if cfg.Recognizer != nil {
		r.strategies[TypePNG] = imageStrategy(cfg.Recognizer, "png")
		r.strategies[TypeJPEG] = imageStrategy(cfg.Recognizer, "jpeg")
	}
	return r
}

// Supported lists the media types this registry accepts, sorted.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Extract runs the strategy registered for declared on data and measures the
// normalized text. Errors are *Error values carrying a Kind.
func (r *Registry) Extract(ctx context.Context, data []byte, declared string) (*Result, error) {
	mt := CanonicalType(declared)
	strategy, ok := r.strategies[mt]
	if !ok {
		return nil, &Error{Kind: KindUnsupportedFormat, MediaType: declared}
	}
	if int64(len(data)) > r.cfg.MaxBytes {
		return nil, &Error{Kind: KindCorruptInput, MediaType: mt,
			Err: fmt.Errorf("%d bytes exceeds limit of %d", len(data), r.cfg.MaxBytes)}
	}
	if len(data) == 0 {
		return nil, &Error{Kind: KindCorruptInput, MediaType: mt, Err: errors.New("empty input")}
	}

	start := time.Now()
	text, pages, err := r.run(ctx, strategy, data)
	if err != nil {
		var xe *Error
		if errors.As(err, &xe) {
			xe.MediaType = mt
			return nil, xe
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindCorruptInput, MediaType: mt, Err: err}
	}

	m := Measure(text)
	if m.Words == 0 {
		return nil, &Error{Kind: KindCorruptInput, MediaType: mt, Err: errors.New("no extractable text")}
	}
	r.logger.Debug("extractor: done", "media_type", mt, "bytes", len(data),
		"words", m.Words, "chars", m.Chars, "duration", time.Since(start))

	return &Result{MediaType: mt, Text: m.Text, Words: m.Words, Chars: m.Chars, Pages: pages}, nil
}

type outcome struct {
	text  string
	pages int
	err   error
}

// run executes strategy under the configured timeout. A strategy that
// overruns is abandoned; its goroutine finishes into a buffered channel.
func (r *Registry) run(ctx context.Context, strategy Strategy, data []byte) (string, int, error) {
	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("parser panic: %v", p)}
			}
		}()
		text, pages, err := strategy(tctx, data)
		done <- outcome{text: text, pages: pages, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && tctx.Err() != nil && ctx.Err() == nil {
			return "", 0, &Error{Kind: KindExtractionTimeout, Err: o.err}
		}
		return o.text, o.pages, o.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, &Error{Kind: KindExtractionTimeout,
			Err: fmt.Errorf("exceeded %s", r.cfg.Timeout)}
	}
}

// CanonicalType lower-cases a declared media type and drops parameters, so
// "Text/Plain; charset=utf-8" becomes "text/plain".
func CanonicalType(declared string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(declared))
	}
	switch mt {
	case "image/jpg", "image/pjpeg":
		return TypeJPEG
	case "text/x-markdown":
		return TypeMarkdown
	}
	return mt
}
