// Package downsample reduces slice images to half resolution.
//
// Every output pixel is the rounded mean of all input samples that map onto
// it: the 2x2 block of one image, or the two 2x2 blocks of an image pair.
// Sums are accumulated in uint32 and divided once, rounding half up:
//
//	out = (sum + n/2) / n,  n = 4 or 8
//
// A trailing odd row or column is dropped, so output dimensions are
// floor(w/2) x floor(h/2). Both execution backends call into this package,
// which makes this the only place their pixel values could diverge.
package downsample

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

var (
	// ErrUnsupported is returned for images that are not *image.Gray or *image.Gray16
	ErrUnsupported = errors.New("unsupported image type")

	// ErrMismatch is returned when the two inputs differ in size or depth
	ErrMismatch = errors.New("input images differ in size or depth")

	// ErrTooSmall is returned when halving would produce an empty image
	ErrTooSmall = errors.New("image too small to halve")
)

// HalfSize returns the output dimensions for an input of w x h
func HalfSize(w, h int) (int, int) {
	return w / 2, h / 2
}

// Reduce halves a, averaging it with b when b is non-nil, on the calling goroutine
func Reduce(a, b image.Image) (image.Image, error) {
	return ReduceParallel(a, b, 1)
}

// ReduceParallel is Reduce with the output rows split across workers goroutines.
// The result is identical to Reduce for any worker count.
func ReduceParallel(a, b image.Image, workers int) (image.Image, error) {
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}

	w, h := HalfSize(a.Bounds().Dx(), a.Bounds().Dy())
	rect := image.Rect(0, 0, w, h)

	switch src := a.(type) {
	case *image.Gray:
		dst := image.NewGray(rect)
		var pair *image.Gray
		if b != nil {
			pair = b.(*image.Gray)
		}
		forRows(h, workers, func(y0, y1 int) {
			reduceGray(dst, src, pair, y0, y1)
		})
		return dst, nil

	case *image.Gray16:
		dst := image.NewGray16(rect)
		var pair *image.Gray16
		if b != nil {
			pair = b.(*image.Gray16)
		}
		forRows(h, workers, func(y0, y1 int) {
			reduceGray16(dst, src, pair, y0, y1)
		})
		return dst, nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupported, a)
}

func checkInputs(a, b image.Image) error {
	if a == nil {
		return fmt.Errorf("%w: nil image", ErrUnsupported)
	}
	switch a.(type) {
	case *image.Gray, *image.Gray16:
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, a)
	}

	w, h := HalfSize(a.Bounds().Dx(), a.Bounds().Dy())
	if w == 0 || h == 0 {
		return fmt.Errorf("%w: %dx%d", ErrTooSmall, a.Bounds().Dx(), a.Bounds().Dy())
	}

	if b == nil {
		return nil
	}
	sameType := false
	switch a.(type) {
	case *image.Gray:
		_, sameType = b.(*image.Gray)
	case *image.Gray16:
		_, sameType = b.(*image.Gray16)
	}
	if !sameType {
		return fmt.Errorf("%w: %T and %T", ErrMismatch, a, b)
	}
	if a.Bounds().Size() != b.Bounds().Size() {
		return fmt.Errorf("%w: %v and %v", ErrMismatch, a.Bounds().Size(), b.Bounds().Size())
	}
	return nil
}

// forRows divides rows [0, h) into contiguous bands, one per worker
func forRows(h, workers int, fn func(y0, y1 int)) {
	if workers <= 1 || h < 2 {
		fn(0, h)
		return
	}
	if workers > h {
		workers = h
	}

	rowsPerWorker := (h + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < h; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > h {
			end = h
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			fn(y0, y1)
		}(start, end)
	}
	wg.Wait()
}

func reduceGray(dst, a, b *image.Gray, y0, y1 int) {
	n := uint32(4)
	if b != nil {
		n = 8
	}
	half := n / 2
	w := dst.Rect.Dx()

	for y := y0; y < y1; y++ {
		a0 := a.Pix[2*y*a.Stride:]
		a1 := a.Pix[(2*y+1)*a.Stride:]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w]

		var b0, b1 []uint8
		if b != nil {
			b0 = b.Pix[2*y*b.Stride:]
			b1 = b.Pix[(2*y+1)*b.Stride:]
		}

		for x := range out {
			i := 2 * x
			sum := uint32(a0[i]) + uint32(a0[i+1]) + uint32(a1[i]) + uint32(a1[i+1])
			if b != nil {
				sum += uint32(b0[i]) + uint32(b0[i+1]) + uint32(b1[i]) + uint32(b1[i+1])
			}
			out[x] = uint8((sum + half) / n)
		}
	}
}

func reduceGray16(dst, a, b *image.Gray16, y0, y1 int) {
	n := uint32(4)
	if b != nil {
		n = 8
	}
	half := n / 2
	w := dst.Rect.Dx()

	for y := y0; y < y1; y++ {
		a0 := a.Pix[2*y*a.Stride:]
		a1 := a.Pix[(2*y+1)*a.Stride:]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+2*w]

		var b0, b1 []uint8
		if b != nil {
			b0 = b.Pix[2*y*b.Stride:]
			b1 = b.Pix[(2*y+1)*b.Stride:]
		}

		for x := 0; x < w; x++ {
			// two samples per output pixel, two bytes per sample
			i := 4 * x
			sum := sample16(a0, i) + sample16(a0, i+2) + sample16(a1, i) + sample16(a1, i+2)
			if b != nil {
				sum += sample16(b0, i) + sample16(b0, i+2) + sample16(b1, i) + sample16(b1, i+2)
			}
			v := (sum + half) / n
			out[2*x] = uint8(v >> 8)
			out[2*x+1] = uint8(v)
		}
	}
}

// sample16 reads the big-endian sample starting at byte offset i
func sample16(pix []uint8, i int) uint32 {
	return uint32(pix[i])<<8 | uint32(pix[i+1])
}
