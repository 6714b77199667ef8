package models

import (
	"fmt"
	"image"
)

// BitDepth is the per-sample depth of a single-channel slice image
type BitDepth int

const (
	Depth8  BitDepth = 8
	Depth16 BitDepth = 16
)

// Valid reports whether d is a supported depth
func (d BitDepth) Valid() bool {
	return d == Depth8 || d == Depth16
}

// BytesPerSample returns the storage size of one pixel
func (d BitDepth) BytesPerSample() int {
	if d == Depth16 {
		return 2
	}
	return 1
}

// MaxValue returns the largest representable sample value
func (d BitDepth) MaxValue() uint16 {
	if d == Depth16 {
		return 0xFFFF
	}
	return 0xFF
}

// NewImage allocates a blank single-channel image of the given depth
func (d BitDepth) NewImage(width, height int) image.Image {
	r := image.Rect(0, 0, width, height)
	if d == Depth16 {
		return image.NewGray16(r)
	}
	return image.NewGray(r)
}

// DepthOf returns the bit depth of a single-channel image, or 0 if the
// image is not *image.Gray or *image.Gray16
func DepthOf(img image.Image) BitDepth {
	switch img.(type) {
	case *image.Gray:
		return Depth8
	case *image.Gray16:
		return Depth16
	}
	return 0
}

// SourceSequence is the ordered list of slice images a pyramid is built from.
// It is resolved by the host before generation starts and never modified
// afterwards.
type SourceSequence struct {
	// Paths are the slice files in anatomical order
	Paths []string

	// FirstIndex is the slice number of Paths[0] in the host's numbering
	FirstIndex int

	// Width and Height are the common dimensions of every slice
	Width  int
	Height int

	// Depth is the declared bit depth of the slices
	Depth BitDepth
}

// Len returns the number of slices in the sequence
func (s SourceSequence) Len() int {
	return len(s.Paths)
}

// Validate checks that the sequence describes a usable input
func (s SourceSequence) Validate() error {
	if len(s.Paths) == 0 {
		return fmt.Errorf("source sequence is empty")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid slice dimensions %dx%d", s.Width, s.Height)
	}
	if !s.Depth.Valid() {
		return fmt.Errorf("unsupported bit depth %d", s.Depth)
	}
	return nil
}

// Level describes one resolution tier of a pyramid. Level 0 is the source
// sequence itself.
type Level struct {
	Index  int
	Width  int
	Height int
	Count  int
}

// LevelMetadata is reported to the host for every level written to disk,
// so that any level can later be streamed back on demand.
type LevelMetadata struct {
	Level      int    `yaml:"level"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FirstIndex int    `yaml:"firstIndex"`
	LastIndex  int    `yaml:"lastIndex"`
	Count      int    `yaml:"count"`
	Dir        string `yaml:"-"`
}

// Volume is a stack of equally sized slices held in memory
type Volume struct {
	// Data holds the samples in z-major, then row-major order. 8-bit
	// volumes store their samples widened to uint16.
	Data []uint16

	// Width, Height and Depth (slice count) of the volume in voxels
	Width, Height, Depth int

	// BitDepth of the samples in Data
	BitDepth BitDepth
}

// NewVolume builds a volume from ordered slices of identical size and depth
func NewVolume(slices []image.Image) (*Volume, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("no slices to build volume from")
	}

	bounds := slices[0].Bounds()
	depth := DepthOf(slices[0])
	if !depth.Valid() {
		return nil, fmt.Errorf("unsupported slice image type %T", slices[0])
	}

	v := &Volume{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Depth:    len(slices),
		BitDepth: depth,
	}
	v.Data = make([]uint16, v.Width*v.Height*v.Depth)

	plane := v.Width * v.Height
	for z, img := range slices {
		if img.Bounds().Dx() != v.Width || img.Bounds().Dy() != v.Height {
			return nil, fmt.Errorf("slice %d is %dx%d, expected %dx%d",
				z, img.Bounds().Dx(), img.Bounds().Dy(), v.Width, v.Height)
		}
		dst := v.Data[z*plane : (z+1)*plane]
		switch s := img.(type) {
		case *image.Gray:
			for y := 0; y < v.Height; y++ {
				row := s.Pix[y*s.Stride : y*s.Stride+v.Width]
				for x, p := range row {
					dst[y*v.Width+x] = uint16(p)
				}
			}
		case *image.Gray16:
			for y := 0; y < v.Height; y++ {
				row := s.Pix[y*s.Stride : y*s.Stride+2*v.Width]
				for x := 0; x < v.Width; x++ {
					dst[y*v.Width+x] = uint16(row[2*x])<<8 | uint16(row[2*x+1])
				}
			}
		default:
			return nil, fmt.Errorf("slice %d has unsupported type %T", z, img)
		}
		if DepthOf(img) != depth {
			return nil, fmt.Errorf("slice %d has bit depth %d, expected %d", z, DepthOf(img), depth)
		}
	}

	return v, nil
}

// At returns the sample at (x, y, z). Coordinates are not bounds checked.
func (v *Volume) At(x, y, z int) uint16 {
	return v.Data[z*v.Width*v.Height+y*v.Width+x]
}
