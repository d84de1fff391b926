// Package preprocess turns uploaded image bytes into classifier input tensors.
package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"log/slog"

	"github.com/MeKo-Tech/leafy/internal/mempool"
	"github.com/MeKo-Tech/leafy/internal/onnx"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

// Default model input size.
const (
	DefaultWidth  = 224
	DefaultHeight = 224
	channels      = 3
)

// DecodeError reports bytes that are not a decodable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid image data: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImageProcessingError represents errors that can occur after decoding.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// Config controls the output tensor.
type Config struct {
	Width  int
	Height int
	Layout onnx.Layout
	Filter imaging.ResampleFilter
}

// DefaultConfig returns a 224x224 channels-last configuration with bicubic resampling.
func DefaultConfig() Config {
	return Config{
		Width:  DefaultWidth,
		Height: DefaultHeight,
		Layout: onnx.LayoutNHWC,
		Filter: imaging.CatmullRom,
	}
}

// Preprocessor converts images to tensors. It holds no per-request state.
type Preprocessor struct {
	cfg    Config
	logger *slog.Logger
	bufs   *mempool.Float32Pool
}

// New creates a Preprocessor. Zero sizes fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Preprocessor {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Filter.Support == 0 && cfg.Filter.Kernel == nil {
		cfg.Filter = imaging.CatmullRom
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{
		cfg:    cfg,
		logger: logger,
		bufs:   mempool.NewFloat32(channels * cfg.Width * cfg.Height),
	}
}

// Config returns the effective configuration.
func (p *Preprocessor) Config() Config { return p.cfg }

// Decode decodes image bytes. The slice is only read, so callers may pass the
// same upload to later stages.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: errors.New("empty image data")}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", &DecodeError{Err: fmt.Errorf("invalid dimensions %dx%d", b.Dx(), b.Dy())}
	}
	return img, format, nil
}

// Tensor decodes data and produces a [1,H,W,3] (or [1,3,H,W]) tensor scaled to [0,1]
// at the configured size. Pass the tensor to Release when done.
func (p *Preprocessor) Tensor(data []byte) (onnx.Tensor, error) {
	return p.TensorSize(data, 0, 0)
}

// TensorSize is Tensor with an explicit output size, for models that declare
// a fixed input. Non-positive width or height falls back to the configured value.
func (p *Preprocessor) TensorSize(data []byte, width, height int) (onnx.Tensor, error) {
	img, format, err := Decode(data)
	if err != nil {
		return onnx.Tensor{}, err
	}
	t, err := p.fromImage(img, width, height)
	if err != nil {
		return onnx.Tensor{}, err
	}
	if p.logger.Enabled(context.Background(), slog.LevelDebug) {
		lo, hi, mean := onnx.TensorStats(t.Data)
		p.logger.Debug("image preprocessed",
			"format", format,
			"source_width", img.Bounds().Dx(),
			"source_height", img.Bounds().Dy(),
			"shape", t.Shape,
			"min", lo, "max", hi, "mean", mean)
	}
	return t, nil
}

// FromImage converts an already decoded image at the configured size.
func (p *Preprocessor) FromImage(img image.Image) (onnx.Tensor, error) {
	return p.fromImage(img, 0, 0)
}

func (p *Preprocessor) fromImage(img image.Image, w, h int) (onnx.Tensor, error) {
	if img == nil {
		return onnx.Tensor{}, &ImageProcessingError{Operation: "normalize", Err: errors.New("input image is nil")}
	}
	if w <= 0 {
		w = p.cfg.Width
	}
	if h <= 0 {
		h = p.cfg.Height
	}

	rgb := ToRGB(img)
	resized := imaging.Resize(rgb, w, h, p.cfg.Filter)

	// Only the configured size is pooled.
	var data []float32
	if n := channels * w * h; n == p.bufs.Size() {
		data = p.bufs.Get()
	} else {
		data = make([]float32, n)
	}
	plane := w * h
	for y := range h {
		row := resized.Pix[y*resized.Stride:]
		for x := range w {
			px := row[x*4 : x*4+3]
			for ch := range channels {
				v := float32(px[ch]) / 255.0
				if p.cfg.Layout == onnx.LayoutNCHW {
					data[ch*plane+y*w+x] = v
				} else {
					data[(y*w+x)*channels+ch] = v
				}
			}
		}
	}

	t, err := onnx.NewImageTensor(data, p.cfg.Layout, channels, h, w)
	if err != nil {
		p.Release(onnx.Tensor{Data: data})
		return onnx.Tensor{}, &ImageProcessingError{Operation: "tensor", Err: err}
	}
	return t, nil
}

// ToRGB returns an opaque copy of img. Alpha is discarded rather than
// composited, so transparent pixels keep their stored color.
func ToRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Release returns a tensor buffer obtained from Tensor, TensorSize or
// FromImage to the pool. Buffers of another size are left to the GC.
func (p *Preprocessor) Release(t onnx.Tensor) {
	if cap(t.Data) == p.bufs.Size() {
		p.bufs.Put(t.Data)
	}
}

// PoolStats reports tensor buffer reuse.
func (p *Preprocessor) PoolStats() mempool.Stats { return p.bufs.Stats() }
