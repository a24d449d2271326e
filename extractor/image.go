package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"strings"
)

// Recognizer turns an image into text. It is the OCR capability the
// extractor depends on for raster uploads.
type Recognizer interface {
	Recognize(ctx context.Context, img []byte) (string, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, img []byte) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, img []byte) (string, error) {
	return f(ctx, img)
}

// imageStrategy checks that the bytes decode as the declared image format
// before handing them to r.
func imageStrategy(r Recognizer, format string) Strategy {
	return func(ctx context.Context, data []byte) (string, int, error) {
		_, got, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return "", 0, fmt.Errorf("decode image header: %w", err)
		}
		if got != format {
			return "", 0, fmt.Errorf("declared %s but content is %s", format, got)
		}
		text, err := r.Recognize(ctx, data)
		if err != nil {
			return "", 0, fmt.Errorf("recognize: %w", err)
		}
		return text, 1, nil
	}
}

// Tesseract runs the tesseract CLI, feeding the image on stdin.
type Tesseract struct {
	// Binary is the executable path. Default: "tesseract".
	Binary string `yaml:"binary"`
	// Lang is the -l argument. Default: "eng".
	Lang string `yaml:"lang"`
	// TessdataDir is passed as --tessdata-dir when set.
	TessdataDir string `yaml:"tessdata_dir"`
}

// Recognize implements Recognizer.
func (t Tesseract) Recognize(ctx context.Context, img []byte) (string, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	lang := t.Lang
	if lang == "" {
		lang = "eng"
	}
	args := []string{"stdin", "stdout", "-l", lang}
	if t.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.TessdataDir)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(img)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
