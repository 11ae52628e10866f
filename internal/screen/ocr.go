package screen

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// OCR extracts normalized text from a captured region. Only the returned
// string matters to this process; it is compared by equality, never parsed.
type OCR interface {
	ExtractText(ctx context.Context, img image.Image) (string, error)
}

// Tesseract shells out to the tesseract CLI.
type Tesseract struct {
	Binary string // defaults to "tesseract"
	Lang   string // defaults to "eng"
}

func (t Tesseract) ExtractText(ctx context.Context, img image.Image) (string, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	lang := t.Lang
	if lang == "" {
		lang = "eng"
	}

	dir, err := os.MkdirTemp("", "relayctl-ocr-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "region.png")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encode capture: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, bin, path, "stdout", "-l", lang)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return Normalize(string(out)), nil
}

// Normalize collapses all whitespace runs to single spaces so OCR jitter in
// line breaks and padding does not read as a screen change.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
