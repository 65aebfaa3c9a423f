// Package muzzle turns raw muzzle photographs into the normalized tensors the
// embedder consumes. Every step runs with fixed parameters so the same bytes
// always produce the same tensor; differing tensors would make stored vectors
// incomparable with query vectors.
package muzzle

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const (
	// InputSize is the spatial resolution the embedder expects.
	InputSize = 224

	inputChannels  = 3
	claheClipLimit = 4.0
	claheTileGrid  = 8
)

// ImageNet channel means in BGR order, subtracted after the grayscale image
// is replicated to three channels (caffe-style preprocessing).
var channelMeans = [inputChannels]float32{103.939, 116.779, 123.68}

// DecodeError reports image bytes that could not be decoded. The HTTP
// boundary maps it to a client error; it is never retried.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Preprocess converts raw image bytes into an InputSize x InputSize x 3
// tensor: decode, BT.601 luminance, CLAHE (clip limit 4.0, 8x8 tile grid),
// bilinear resize, then channel replication with ImageNet mean subtraction.
// Muzzle ridge patterns have low raw contrast; without the equalization step
// the embedder cannot produce discriminative vectors.
func Preprocess(data []byte) (*Tensor, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	gray := luminance(img)
	enhanced := equalize(gray, claheClipLimit, claheTileGrid)
	resized := imaging.Resize(enhanced, InputSize, InputSize, imaging.Linear)

	tensor := &Tensor{
		Data:     make([]float32, InputSize*InputSize*inputChannels),
		Height:   InputSize,
		Width:    InputSize,
		Channels: inputChannels,
	}

	i := 0
	for y := 0; y < InputSize; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < InputSize; x++ {
			// All channels carry the same gray value after replication,
			// so BGR ordering only decides which mean each one loses.
			v := float32(row[x*4])
			tensor.Data[i] = v - channelMeans[0]
			tensor.Data[i+1] = v - channelMeans[1]
			tensor.Data[i+2] = v - channelMeans[2]
			i += inputChannels
		}
	}
	return tensor, nil
}

// luminance converts any decoded image to 8-bit BT.601 grayscale.
func luminance(img image.Image) *image.Gray {
	src := imaging.Clone(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()

	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		si := y * src.Stride
		di := y * gray.Stride
		for x := 0; x < w; x++ {
			r := uint32(src.Pix[si])
			g := uint32(src.Pix[si+1])
			b := uint32(src.Pix[si+2])
			// Fixed-point 0.299 R + 0.587 G + 0.114 B with rounding.
			gray.Pix[di] = uint8((4899*r + 9617*g + 1868*b + 8192) >> 14)
			si += 4
			di++
		}
	}
	return gray
}
