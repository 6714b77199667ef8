// Package slicestore reads source slices and writes pyramid level images.
//
// Sources may be TIFF, PNG, BMP or JPEG; every decoded image is converted to
// *image.Gray or *image.Gray16 according to the declared bit depth. Level
// images are written losslessly (TIFF with deflate by default, or PNG) via a
// temporary file and a rename, so a reader never observes a partial file.
package slicestore

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"ctpyramid/internal/models"
)

// ErrDimensions is returned when a slice does not have the expected size
var ErrDimensions = errors.New("unexpected slice dimensions")

// Format identifies the codec used for level images
type Format string

const (
	TIFF Format = "tiff"
	PNG  Format = "png"
)

// Ext returns the file extension, including the dot
func (f Format) Ext() string {
	if f == PNG {
		return ".png"
	}
	return ".tif"
}

// Encode writes img to w using the format's codec
func (f Format) Encode(w io.Writer, img image.Image) error {
	switch f {
	case PNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, img)
	case TIFF, "":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("unknown image format %q", f)
}

// FileName returns the name of the index-th image of a level
func (f Format) FileName(index int) string {
	return fmt.Sprintf("%05d%s", index, f.Ext())
}

// Load decodes the image at path and converts it to the given bit depth
func Load(path string, depth models.BitDepth) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return ToDepth(img, depth), nil
}

// LoadSized is Load with a dimension check
func LoadSized(path string, depth models.BitDepth, width, height int) (image.Image, error) {
	img, err := Load(path, depth)
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
		return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrDimensions,
			path, img.Bounds().Dx(), img.Bounds().Dy(), width, height)
	}
	return img, nil
}

// ToDepth converts any image to a single-channel image of the given depth.
// Images already in the target representation are returned unchanged.
func ToDepth(img image.Image, depth models.BitDepth) image.Image {
	bounds := img.Bounds()
	rect := image.Rect(0, 0, bounds.Dx(), bounds.Dy())

	if depth == models.Depth16 {
		if g16, ok := img.(*image.Gray16); ok {
			return g16
		}
		dst := image.NewGray16(rect)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				c := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
				dst.SetGray16(x-bounds.Min.X, y-bounds.Min.Y, c)
			}
		}
		return dst
	}

	if g, ok := img.(*image.Gray); ok {
		return g
	}
	dst := image.NewGray(rect)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			dst.SetGray(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return dst
}

// Blank returns a zero-filled placeholder of the given size and depth
func Blank(depth models.BitDepth, width, height int) image.Image {
	return depth.NewImage(width, height)
}

// WriteAtomic encodes img into path. The data is written to a temporary file
// in the same directory which is renamed over path once complete.
func WriteAtomic(path string, img image.Image, format Format) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if err := format.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// Probe reads the header of the image at path and reports its size and the
// bit depth it will be loaded with
func Probe(path string) (width, height int, depth models.BitDepth, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	depth = models.Depth8
	switch cfg.ColorModel {
	case color.Gray16Model, color.RGBA64Model, color.NRGBA64Model:
		depth = models.Depth16
	}
	return cfg.Width, cfg.Height, depth, nil
}
