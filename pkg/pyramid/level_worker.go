package pyramid

import (
	"fmt"
	"image"
	"path/filepath"
	"sync/atomic"

	"ctpyramid/internal/models"
	"ctpyramid/pkg/downsample"
	"ctpyramid/pkg/slicestore"
	"ctpyramid/pkg/workerpool"
)

// sourceReader yields the images a level is reduced from
type sourceReader interface {
	Load(index int) (image.Image, error)
}

// diskSource reads the original slices of level 0
type diskSource struct {
	paths  []string
	depth  models.BitDepth
	width  int
	height int

	// decoded counts successful loads
	decoded atomic.Int64
}

func (d *diskSource) Load(index int) (image.Image, error) {
	if index < 0 || index >= len(d.paths) {
		return nil, fmt.Errorf("source index %d out of range [0,%d)", index, len(d.paths))
	}
	img, err := slicestore.LoadSized(d.paths[index], d.depth, d.width, d.height)
	if err != nil {
		return nil, err
	}
	d.decoded.Add(1)
	return img, nil
}

// memorySource serves the ordered results of the previous level
type memorySource struct {
	images []image.Image
}

func (m memorySource) Load(index int) (image.Image, error) {
	if index < 0 || index >= len(m.images) {
		return nil, fmt.Errorf("source index %d out of range [0,%d)", index, len(m.images))
	}
	return m.images[index], nil
}

// levelWorker produces the images of one level
type levelWorker struct {
	level  models.Level
	dir    string
	format slicestore.Format
	depth  models.BitDepth
	source sourceReader

	// reuse is set when dir already holds this level from an earlier run
	reuse bool
}

func (w *levelWorker) path(output int) string {
	return filepath.Join(w.dir, w.format.FileName(output))
}

// Process loads the one or two sources of item and halves them
func (w *levelWorker) Process(item workerpool.WorkItem, reduceWorkers int) (workerpool.Output, error) {
	if w.reuse {
		img, err := slicestore.LoadSized(w.path(item.Output), w.depth, w.level.Width, w.level.Height)
		if err == nil {
			return workerpool.Output{Image: img, Reused: true}, nil
		}
		// unreadable leftovers are recomputed and overwritten
	}

	low, err := w.source.Load(item.Low)
	if err != nil {
		return workerpool.Output{}, fmt.Errorf("load source %d: %w", item.Low, err)
	}

	var high image.Image
	if !item.IsCarryThrough() {
		high, err = w.source.Load(item.High)
		if err != nil {
			return workerpool.Output{}, fmt.Errorf("load source %d: %w", item.High, err)
		}
	}

	img, err := downsample.ReduceParallel(low, high, reduceWorkers)
	if err != nil {
		return workerpool.Output{}, fmt.Errorf("reduce sources %d/%d: %w", item.Low, item.High, err)
	}
	return workerpool.Output{Image: img}, nil
}

func (w *levelWorker) Placeholder(item workerpool.WorkItem) image.Image {
	return slicestore.Blank(w.depth, w.level.Width, w.level.Height)
}

func (w *levelWorker) Commit(item workerpool.WorkItem, img image.Image) error {
	return slicestore.WriteAtomic(w.path(item.Output), img, w.format)
}
