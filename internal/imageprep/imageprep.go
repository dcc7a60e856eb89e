// Package imageprep turns uploaded image files into the byte buffers the
// inference backend accepts.
package imageprep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/malcare/internal/prediction"
)

const (
	// EncodingRaw forwards the file bytes untouched.
	EncodingRaw = "raw"
	// EncodingTensor sends a 224x224x3 float32 NHWC tensor.
	EncodingTensor = "tensor"

	TensorSide     = 224
	TensorChannels = 3
	// TensorBytes is the exact size of an encoded tensor.
	TensorBytes = TensorSide * TensorSide * TensorChannels * 4

	// MaxPixels bounds the decoded canvas to keep hostile uploads from
	// allocating unbounded memory.
	MaxPixels = 64 << 20
)

// ErrUnknownEncoding is returned by ForName for unregistered names.
var ErrUnknownEncoding = errors.New("unknown image encoding")

// Encoder converts an image file into backend bytes.
type Encoder interface {
	Name() string
	Encode(data []byte) ([]byte, error)
}

// ForName returns the encoder registered under name.
func ForName(name string) (Encoder, error) {
	switch name {
	case EncodingRaw:
		return RawEncoder{}, nil
	case EncodingTensor:
		return TensorEncoder{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEncoding, name)
	}
}

// RawEncoder passes the file through after checking it parses as an image.
type RawEncoder struct{}

// Name implements Encoder.
func (RawEncoder) Name() string { return EncodingRaw }

// Encode implements Encoder.
func (RawEncoder) Encode(data []byte) ([]byte, error) {
	if _, err := checkConfig(data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// TensorEncoder resamples to a fixed grid and emits normalized float32 values,
// row-major with R, G, B interleaved per pixel.
type TensorEncoder struct{}

// Name implements Encoder.
func (TensorEncoder) Name() string { return EncodingTensor }

// Encode implements Encoder.
func (TensorEncoder) Encode(data []byte) ([]byte, error) {
	if _, err := checkConfig(data); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &prediction.DecodeError{Cause: err}
	}
	if src.Bounds().Empty() {
		return nil, &prediction.DecodeError{Cause: errors.New("image has no pixels")}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, TensorSide, TensorSide))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]byte, TensorBytes)
	o := 0
	for y := 0; y < TensorSide; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+TensorSide*4]
		for x := 0; x < TensorSide; x++ {
			px := row[x*4 : x*4+4]
			for c := 0; c < TensorChannels; c++ {
				binary.LittleEndian.PutUint32(out[o:], math.Float32bits(float32(px[c])/255.0))
				o += 4
			}
		}
	}
	return out, nil
}

func checkConfig(data []byte) (image.Config, error) {
	if len(data) == 0 {
		return image.Config{}, &prediction.DecodeError{Cause: errors.New("empty image")}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, &prediction.DecodeError{Cause: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, &prediction.DecodeError{Cause: errors.New("image has no pixels")}
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return image.Config{}, &prediction.DecodeError{Cause: fmt.Errorf("image %dx%d exceeds pixel limit", cfg.Width, cfg.Height)}
	}
	return cfg, nil
}
