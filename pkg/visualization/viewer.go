package visualization

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"ctpyramid/internal/models"
)

// maxWindowSamples bounds the number of voxels sampled for the contrast window
const maxWindowSamples = 1 << 16

// Viewer extracts preview slices from a pyramid volume along any axis
type Viewer struct {
	volume *models.Volume

	// low and high map to black and white in extracted slices
	low, high uint16
}

// NewViewer creates a viewer with the full sample range of the volume's
// bit depth as its window
func NewViewer(volume *models.Volume) *Viewer {
	return &Viewer{
		volume: volume,
		low:    0,
		high:   volume.BitDepth.MaxValue(),
	}
}

// AutoContrast sets the window to the given lower and upper quantiles of
// the volume's samples, e.g. 0.01 and 0.99
func (v *Viewer) AutoContrast(lowQuantile, highQuantile float64) error {
	vol := v.volume
	return v.AutoContrastRegion(0, 0, 0, vol.Width, vol.Height, vol.Depth, lowQuantile, highQuantile)
}

// AutoContrastRegion sets the window from the quantiles of the samples in
// a subregion of the volume
func (v *Viewer) AutoContrastRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int, lowQuantile, highQuantile float64) error {
	if lowQuantile < 0 || highQuantile > 1 || lowQuantile >= highQuantile {
		return fmt.Errorf("invalid quantile range [%g, %g]", lowQuantile, highQuantile)
	}
	region, err := v.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		return err
	}

	step := len(region)/maxWindowSamples + 1
	samples := make([]float64, 0, len(region)/step+1)
	for i := 0; i < len(region); i += step {
		samples = append(samples, float64(region[i]))
	}
	sort.Float64s(samples)

	low := stat.Quantile(lowQuantile, stat.Empirical, samples, nil)
	high := stat.Quantile(highQuantile, stat.Empirical, samples, nil)
	if high <= low {
		// flat region
		high = low + 1
	}
	v.low, v.high = uint16(low), uint16(min(high, 65535))
	return nil
}

// Window returns the sample values mapped to black and white
func (v *Viewer) Window() (low, high uint16) {
	return v.low, v.high
}

// scale maps a sample through the window to the full 16-bit range
func (v *Viewer) scale(s uint16) uint16 {
	switch {
	case s <= v.low:
		return 0
	case s >= v.high:
		return 0xffff
	}
	return uint16(uint32(s-v.low) * 0xffff / uint32(v.high-v.low))
}

// ExtractSlice extracts a 2D slice from the volume along the given axis.
// An x slice is depth x height, a y slice is width x depth and a z slice
// is width x height.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				v.set(img, z, y, vol.At(position, y, z))
			}
		}

	case "y", "Y":
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				v.set(img, x, z, vol.At(x, position, z))
			}
		}

	case "z", "Z":
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				v.set(img, x, y, vol.At(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

func (v *Viewer) set(img *image.Gray16, x, y int, s uint16) {
	p := v.scale(s)
	i := img.PixOffset(x, y)
	img.Pix[i] = uint8(p >> 8)
	img.Pix[i+1] = uint8(p)
}

// ExtractRegion copies a 3D subregion of raw samples out of the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) ([]uint16, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	vol := v.volume
	if startX+sizeX > vol.Width || startY+sizeY > vol.Height || startZ+sizeZ > vol.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]uint16, sizeX*sizeY*sizeZ)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := (startZ+z)*vol.Width*vol.Height + (startY+y)*vol.Width + startX
			dst := z*sizeX*sizeY + y*sizeX
			copy(region[dst:dst+sizeX], vol.Data[src:src+sizeX])
		}
	}

	return region, nil
}

// SaveSlice saves an extracted slice as a 16-bit PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the given axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return maxPos, nil
}

// SaveCenterSlices writes the middle slice of each axis to outputDir and
// returns the written paths
func (v *Viewer) SaveCenterSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	vol := v.volume
	centers := []struct {
		axis string
		pos  int
	}{
		{"x", vol.Width / 2},
		{"y", vol.Height / 2},
		{"z", vol.Depth / 2},
	}

	var paths []string
	for _, c := range centers {
		img, err := v.ExtractSlice(c.axis, c.pos)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("center_%s.png", c.axis))
		if err := v.SaveSlice(img, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
