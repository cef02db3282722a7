// Package qr renders scan challenges into image payloads observers can show
// directly.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// ErrEmptyChallenge is returned when there is nothing to encode.
var ErrEmptyChallenge = errors.New("qr: empty challenge")

// Renderer turns a raw challenge into an image payload.
type Renderer interface {
	Render(challenge string) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(challenge string) (string, error)

func (f RendererFunc) Render(challenge string) (string, error) {
	return f(challenge)
}

// DataURLRenderer encodes challenges as PNG data URLs.
type DataURLRenderer struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// NewDataURLRenderer returns a renderer producing size x size images. A
// non-positive size selects 256.
func NewDataURLRenderer(size int) *DataURLRenderer {
	if size <= 0 {
		size = 256
	}
	return &DataURLRenderer{Size: size, Level: qrcode.Medium}
}

func (r *DataURLRenderer) Render(challenge string) (string, error) {
	if challenge == "" {
		return "", ErrEmptyChallenge
	}
	png, err := qrcode.Encode(challenge, r.Level, r.Size)
	if err != nil {
		return "", fmt.Errorf("qr encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
