// Package qr renders raw pairing payloads into scannable images.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	MinWidth     = 50
	MaxWidth     = 1000
	DefaultWidth = 350
)

var dataURLRe = regexp.MustCompile(`^data:image/\w+;base64,(.+)$`)

// ClampWidth bounds a requested image width to the supported range.
func ClampWidth(w int) int {
	if w < MinWidth || w > MaxWidth {
		return DefaultWidth
	}
	return w
}

// PNG encodes a raw pairing payload as a PNG of the given width.
func PNG(raw string, width int) ([]byte, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, ClampWidth(width))
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// DataURL encodes a raw pairing payload as a PNG data URL.
func DataURL(raw string) (string, error) {
	png, err := PNG(raw, DefaultWidth)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PNGFromDataURL extracts the PNG bytes of an image data URL.
func PNGFromDataURL(dataURL string) ([]byte, error) {
	m := dataURLRe.FindStringSubmatch(dataURL)
	if m == nil {
		return nil, errors.New("not an image data URL")
	}
	raw, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return nil, fmt.Errorf("decode qr data URL: %w", err)
	}
	return raw, nil
}
