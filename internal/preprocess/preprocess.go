// Package preprocess converts cropped faces into classifier input tensors.
package preprocess

import (
	"image"
	"image/draw"

	"github.com/andresmejia3/deepscan/internal/types"
	xdraw "golang.org/x/image/draw"
)

const (
	mean = 0.5
	std  = 0.5
)

// Transform resizes face to types.FaceSize (no-op when it already is), then lays it out
// channel-first as float32 scaled to [0,1] and normalised with mean 0.5 / std 0.5.
func Transform(face image.Image) types.FaceTensor {
	rgba := Resize(face, types.FaceSize)

	const plane = types.FaceSize * types.FaceSize
	data := make([]float32, types.FaceChannels*plane)

	for y := 0; y < types.FaceSize; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < types.FaceSize; x++ {
			off := x * 4
			p := y*types.FaceSize + x
			data[p] = normalize(row[off])
			data[plane+p] = normalize(row[off+1])
			data[2*plane+p] = normalize(row[off+2])
		}
	}
	return types.FaceTensor{Data: data}
}

func normalize(v uint8) float32 {
	return (float32(v)/255 - mean) / std
}

// Resize returns img as a size x size RGBA with origin (0,0). An image that already
// matches is returned as-is (or copied once if it is not *image.RGBA).
func Resize(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
			return rgba
		}
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
