// Package qrcode renders the share link of a file as a PNG image.
package qrcode

import (
	"fmt"
	"strings"

	qr "github.com/skip2/go-qrcode"
)

const defaultSize = 256

type Generator struct {
	baseURL string
	size    int
}

func NewGenerator(baseURL string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		size:    defaultSize,
	}
}

// URLFor is the link encoded into the image.
func (g *Generator) URLFor(code string) string {
	return g.baseURL + "/" + code
}

// PNG encodes the share link for code.
func (g *Generator) PNG(code string) ([]byte, error) {
	png, err := qr.Encode(g.URLFor(code), qr.Medium, g.size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}
