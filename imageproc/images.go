// Package imageproc prepares video frames for the vision backbone:
// decode, resize, normalize, and pack into channel-first pixel tensors.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/videoqa/videoqa/ml"
)

var (
	ClipDefaultMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Options controls frame preprocessing.
type Options struct {
	Size int // square edge length after resize

	Mean [3]float32
	STD  [3]float32
}

func DefaultOptions() Options {
	return Options{Size: 224, Mean: ClipDefaultMean, STD: ClipDefaultSTD}
}

// DecodeFrame decodes a single encoded frame (JPEG or PNG).
func DecodeFrame(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imageproc: decoding frame: %w", err)
	}

	return img, nil
}

// SampleFrames picks n frames uniformly across the clip, keeping
// temporal order. Fewer frames than n returns the clip unchanged.
func SampleFrames(frames []image.Image, n int) []image.Image {
	if n <= 0 || len(frames) <= n {
		return frames
	}

	out := make([]image.Image, n)
	for i := range out {
		out[i] = frames[i*len(frames)/n]
	}

	return out
}

// Resize scales a frame to a square of the given edge length.
func Resize(img image.Image, size int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Normalize flattens a frame to channel-first float32 pixels, rescaled
// to [0, 1] and standardized per channel.
func Normalize(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()

	pixels := make([]float32, 3*n)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			pixels[i] = (float32(r>>8)/255.0 - mean[0]) / std[0]
			pixels[n+i] = (float32(g>>8)/255.0 - mean[1]) / std[1]
			pixels[2*n+i] = (float32(b>>8)/255.0 - mean[2]) / std[2]
			i++
		}
	}

	return pixels
}

// Frames preprocesses a clip into pixel data laid out [T, C, H, W].
func Frames(frames []image.Image, opts Options) ([]float32, []int, error) {
	if len(frames) == 0 {
		return nil, nil, fmt.Errorf("imageproc: empty clip")
	}

	t := len(frames)
	out := make([]float32, 0, t*3*opts.Size*opts.Size)
	for _, f := range frames {
		out = append(out, Normalize(Resize(f, opts.Size), opts.Mean, opts.STD)...)
	}

	return out, []int{t, 3, opts.Size, opts.Size}, nil
}

// Batch stacks preprocessed clips into a [B, T, C, H, W] tensor. Every
// clip must have the same frame count.
func Batch(ctx ml.Context, clips [][]image.Image, opts Options) (ml.Tensor, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("imageproc: empty batch")
	}

	var data []float32
	var shape []int
	for i, clip := range clips {
		pixels, s, err := Frames(clip, opts)
		if err != nil {
			return nil, err
		}
		if shape == nil {
			shape = s
		} else if s[0] != shape[0] {
			return nil, fmt.Errorf("imageproc: clip %d has %d frames, want %d", i, s[0], shape[0])
		}
		data = append(data, pixels...)
	}

	return ctx.FromFloatSlice(data, append([]int{len(clips)}, shape...)...)
}
