package qrcode

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_URLFor(t *testing.T) {
	g := NewGenerator("https://drop.example.com/")
	assert.Equal(t, "https://drop.example.com/123456", g.URLFor("123456"))
}

func TestGenerator_PNG(t *testing.T) {
	g := NewGenerator("http://localhost:8080")

	data, err := g.PNG("123456")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, defaultSize, img.Bounds().Dx())
	assert.Equal(t, defaultSize, img.Bounds().Dy())
}
