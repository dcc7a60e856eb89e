package imageprep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/example/malcare/internal/prediction"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func floats(t *testing.T, buf []byte) []float32 {
	t.Helper()
	if len(buf)%4 != 0 {
		t.Fatalf("tensor length %d not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func TestTensorEncoderProducesFixedSizeNormalizedTensor(t *testing.T) {
	var gradient = image.NewNRGBA(image.Rect(0, 0, 37, 501))
	for y := 0; y < 501; y++ {
		for x := 0; x < 37; x++ {
			gradient.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y), B: 255, A: uint8(128 + x)})
		}
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, solid(640, 480, color.NRGBA{R: 200, G: 40, B: 90, A: 255}), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	inputs := map[string][]byte{
		"png gradient with alpha": encodePNG(t, gradient),
		"jpeg":                    jpg.Bytes(),
		"single pixel":            encodePNG(t, solid(1, 1, color.White)),
	}

	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			out, err := TensorEncoder{}.Encode(data)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(out) != 224*224*3*4 {
				t.Fatalf("expected %d bytes, got %d", 224*224*3*4, len(out))
			}
			for i, v := range floats(t, out) {
				if v < 0 || v > 1 || math.IsNaN(float64(v)) {
					t.Fatalf("value %d out of range: %v", i, v)
				}
			}
		})
	}
}

func TestTensorEncoderChannelOrder(t *testing.T) {
	data := encodePNG(t, solid(10, 10, color.NRGBA{R: 255, G: 0, B: 51, A: 255}))

	out, err := TensorEncoder{}.Encode(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	values := floats(t, out)
	// pixel (y=100, x=3)
	base := (100*TensorSide + 3) * TensorChannels
	if values[base] != 1 || values[base+1] != 0 {
		t.Fatalf("unexpected R,G at pixel: %v %v", values[base], values[base+1])
	}
	if math.Abs(float64(values[base+2])-0.2) > 1e-6 {
		t.Fatalf("unexpected B at pixel: %v", values[base+2])
	}
}

func TestRawEncoderPassesBytesThrough(t *testing.T) {
	data := encodePNG(t, solid(3, 3, color.Black))

	out, err := RawEncoder{}.Encode(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("raw encoding should not transform bytes")
	}
	out[0] ^= 0xff
	if bytes.Equal(out, data) {
		t.Fatal("raw encoding should return a copy")
	}
}

func TestEncodersAcceptBMP(t *testing.T) {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, solid(4, 4, color.White)); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}

	for _, enc := range []Encoder{RawEncoder{}, TensorEncoder{}} {
		if _, err := enc.Encode(buf.Bytes()); err != nil {
			t.Fatalf("%s: expected bmp to decode, got %v", enc.Name(), err)
		}
	}
}

func TestEncodersRejectUndecodableInput(t *testing.T) {
	for _, enc := range []Encoder{RawEncoder{}, TensorEncoder{}} {
		for _, data := range [][]byte{nil, []byte("definitely not an image"), {0x89, 'P', 'N', 'G'}} {
			_, err := enc.Encode(data)
			if !errors.Is(err, prediction.ErrDecode) {
				t.Fatalf("%s: expected decode error, got %v", enc.Name(), err)
			}
		}
	}
}

func TestForName(t *testing.T) {
	for _, name := range []string{EncodingRaw, EncodingTensor} {
		enc, err := ForName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if enc.Name() != name {
			t.Fatalf("expected %s, got %s", name, enc.Name())
		}
	}
	if _, err := ForName("base64"); !errors.Is(err, ErrUnknownEncoding) {
		t.Fatalf("expected unknown encoding error, got %v", err)
	}
}
