// Package screen watches a region of the display for OCR-visible changes.
package screen

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// Region is the monitored screen rectangle in display coordinates.
type Region struct {
	X, Y int
	W, H int
}

func (r Region) bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Valid reports whether the region has positive area.
func (r Region) Valid() bool { return r.W > 0 && r.H > 0 }

// Capturer grabs the pixels of a screen region.
type Capturer interface {
	Capture(r Region) (image.Image, error)
}

// DisplayCapturer captures from the local display.
type DisplayCapturer struct{}

func (DisplayCapturer) Capture(r Region) (image.Image, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid capture region %+v", r)
	}
	img, err := screenshot.CaptureRect(r.bounds())
	if err != nil {
		return nil, fmt.Errorf("capture %+v: %w", r, err)
	}
	return img, nil
}
