package imagecheck

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalize_Passthrough(t *testing.T) {
	data := encodePNG(t, 64, 64)

	out, mime, err := Normalize(data, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	// 尺寸合规时字节原样透传
	assert.Equal(t, data, out)
}

func TestNormalize_ResizesOversized(t *testing.T) {
	data := encodePNG(t, maxDimension+100, 50)

	out, mime, err := Normalize(data, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), maxDimension)
	assert.LessOrEqual(t, img.Bounds().Dy(), maxDimension)
}

func TestNormalize_RejectsGarbage(t *testing.T) {
	_, _, err := Normalize([]byte("not an image"), "image/png")
	require.Error(t, err)
}
