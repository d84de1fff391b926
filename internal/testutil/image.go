package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common test image sizes.
	SmallSize  = ImageSize{320, 240}
	MediumSize = ImageSize{640, 480}
	LargeSize  = ImageSize{1024, 768}
)

// LeafImageConfig describes a synthetic leaf photograph.
type LeafImageConfig struct {
	Size       ImageSize
	Background color.Color
	Leaf       color.Color
	Vein       color.Color
	Spots      int     // number of lesion spots
	Rotation   float64 // rotation in degrees
}

// DefaultLeafImageConfig returns a healthy green leaf on a soil-brown background.
func DefaultLeafImageConfig() LeafImageConfig {
	return LeafImageConfig{
		Size:       SmallSize,
		Background: color.RGBA{110, 84, 60, 255},
		Leaf:       color.RGBA{52, 140, 60, 255},
		Vein:       color.RGBA{180, 210, 140, 255},
	}
}

// GenerateLeafImage draws an elliptical leaf with a midrib and optional lesions.
func GenerateLeafImage(cfg LeafImageConfig) *image.RGBA {
	w, h := cfg.Size.Width, cfg.Size.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{cfg.Background}, image.Point{}, draw.Src)

	cx, cy := float64(w)/2, float64(h)/2
	rx, ry := float64(w)*0.42, float64(h)*0.3
	lesion := color.RGBA{92, 64, 30, 255}

	for y := range h {
		for x := range w {
			dx, dy := (float64(x)-cx)/rx, (float64(y)-cy)/ry
			if dx*dx+dy*dy > 1 {
				continue
			}
			c := cfg.Leaf
			if math.Abs(float64(y)-cy) < 1.5 {
				c = cfg.Vein
			}
			for s := range cfg.Spots {
				sx := cx + rx*0.6*math.Cos(float64(s)*2.1)
				sy := cy + ry*0.5*math.Sin(float64(s)*2.1)
				if math.Hypot(float64(x)-sx, float64(y)-sy) < math.Min(rx, ry)*0.12 {
					c = lesion
				}
			}
			img.Set(x, y, c)
		}
	}

	if cfg.Rotation != 0 {
		rotated := imaging.Rotate(img, cfg.Rotation, cfg.Background)
		out := image.NewRGBA(rotated.Bounds())
		draw.Draw(out, out.Bounds(), rotated, rotated.Bounds().Min, draw.Src)
		return out
	}
	return img
}

// CreateTestImage creates a simple test image with the specified dimensions and color.
func CreateTestImage(width, height int, backgroundColor color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)
	return img
}

// EncodeJPEG encodes img as JPEG bytes.
func EncodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// EncodePNG encodes img as PNG bytes.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// EncodeGIF encodes img as GIF bytes.
func EncodeGIF(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

// LeafJPEG returns a default synthetic leaf encoded as JPEG.
func LeafJPEG(t *testing.T) []byte {
	t.Helper()
	return EncodeJPEG(t, GenerateLeafImage(DefaultLeafImageConfig()))
}

// OversizedPayload returns n bytes that start with a JPEG signature so content
// sniffing classifies them as image/jpeg.
func OversizedPayload(n int) []byte {
	data := make([]byte, n)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return data
}

// CompareImages compares two images and returns true if they are similar.
func CompareImages(img1, img2 image.Image, tolerance float64) bool {
	bounds1 := img1.Bounds()
	bounds2 := img2.Bounds()

	if bounds1 != bounds2 {
		return false
	}

	var totalDiff float64
	var pixelCount float64

	for y := bounds1.Min.Y; y < bounds1.Max.Y; y++ {
		for x := bounds1.Min.X; x < bounds1.Max.X; x++ {
			r1, g1, b1, _ := img1.At(x, y).RGBA()
			r2, g2, b2, _ := img2.At(x, y).RGBA()

			dr := float64(r1) - float64(r2)
			dg := float64(g1) - float64(g2)
			db := float64(b1) - float64(b2)
			totalDiff += math.Sqrt(dr*dr + dg*dg + db*db)
			pixelCount++
		}
	}

	maxDiff := math.Sqrt(3 * 65535 * 65535)
	return (totalDiff/pixelCount)/maxDiff <= tolerance
}
