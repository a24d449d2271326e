package extractor

import (
	"errors"
	"fmt"
)

// Kind classifies an extraction failure. The values double as the error kind
// recorded on a failed document.
type Kind string

const (
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptInput      Kind = "corrupt_input"
	KindExtractionTimeout Kind = "extraction_timeout"
)

// Sentinels for errors.Is.
var (
	ErrUnsupportedFormat = errors.New("extractor: unsupported format")
	ErrCorruptInput      = errors.New("extractor: corrupt input")
	ErrExtractionTimeout = errors.New("extractor: extraction timeout")
)

// Error is returned by Registry.Extract.
type Error struct {
	Kind      Kind
	MediaType string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extractor: %s (%s)", e.Kind, e.MediaType)
	}
	return fmt.Sprintf("extractor: %s (%s): %v", e.Kind, e.MediaType, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnsupportedFormat:
		return e.Kind == KindUnsupportedFormat
	case ErrCorruptInput:
		return e.Kind == KindCorruptInput
	case ErrExtractionTimeout:
		return e.Kind == KindExtractionTimeout
	}
	return false
}

// KindOf returns the Kind of an extraction error, or "" if err is not one.
func KindOf(err error) Kind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return ""
}
