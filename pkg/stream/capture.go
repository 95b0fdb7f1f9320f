package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"
)

// Frame is one encoded (JPEG) capture.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	CaptureTime time.Time
}

// Capturer produces frames no wider than maxWidth at the given JPEG quality.
type Capturer interface {
	Capture(ctx context.Context, maxWidth, quality int) (Frame, error)
}

// CaptureFunc adapts a func to Capturer.
type CaptureFunc func(ctx context.Context, maxWidth, quality int) (Frame, error)

func (f CaptureFunc) Capture(ctx context.Context, maxWidth, quality int) (Frame, error) {
	return f(ctx, maxWidth, quality)
}

// ScreenCapturer grabs one physical display.
type ScreenCapturer struct {
	Display int
}

func (s ScreenCapturer) Capture(_ context.Context, maxWidth, quality int) (Frame, error) {
	if n := screenshot.NumActiveDisplays(); s.Display >= n {
		return Frame{}, fmt.Errorf("display %d not active (%d displays)", s.Display, n)
	}
	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(s.Display))
	if err != nil {
		return Frame{}, fmt.Errorf("capture display %d: %w", s.Display, err)
	}
	return EncodeJPEG(img, maxWidth, quality)
}

// EncodeJPEG downscales img to maxWidth (keeping aspect ratio) when it is
// wider, then encodes it. maxWidth <= 0 keeps the original size.
func EncodeJPEG(img image.Image, maxWidth, quality int) (Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		nh := max(1, h*maxWidth/w)
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, nh))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img, w, h = dst, maxWidth, nh
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, fmt.Errorf("jpeg encode: %w", err)
	}
	return Frame{Data: buf.Bytes(), Width: w, Height: h, CaptureTime: time.Now()}, nil
}
