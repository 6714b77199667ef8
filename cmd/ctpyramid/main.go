package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"ctpyramid/internal/logger"
	"ctpyramid/pkg/config"
	"ctpyramid/pkg/pyramid"
	"ctpyramid/pkg/sequence"
	"ctpyramid/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing the CT slice images")
	outputDir := flag.String("output", "pyramid", "Directory to write the pyramid levels to")
	minSize := flag.Int("min-size", 0, "Stop halving once both dimensions are at most this size (default from config)")
	backend := flag.String("backend", "", "Execution backend: parallel or sequential (default from config)")
	format := flag.String("format", "", "Level image format: tiff or png (default from config)")
	reuse := flag.Bool("reuse", false, "Reuse complete levels left by an earlier run")
	configPath := flag.String("config", "", "YAML configuration file")
	previewDir := flag.String("preview-dir", "", "Directory to save preview slices of the minimum volume")
	initConfig := flag.String("init-config", "", "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *initConfig)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}

	// Command line flags override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "min-size":
			cfg.Pyramid.MinSize = *minSize
		case "backend":
			cfg.Backend.Kind = *backend
		case "format":
			cfg.Pyramid.Format = *format
		case "reuse":
			cfg.Pyramid.ReuseExisting = *reuse
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg := logger.FromConfig(cfg.Logging.Level, cfg.Logging.JSON)

	fmt.Println("================================")
	fmt.Println("CT SLICE PYRAMID GENERATOR")
	fmt.Println("================================")

	seq, err := sequence.Resolve(*inputDir, logger.Component(lg, "sequence"))
	if err != nil {
		log.Fatalf("Failed to read input slices: %v", err)
	}
	fmt.Printf("Input: %d slices, %dx%d, %d-bit\n", seq.Len(), seq.Width, seq.Height, seq.Depth)
	fmt.Printf("Output: %s (backend %s, format %s, min size %d)\n",
		*outputDir, cfg.Backend.Kind, cfg.Pyramid.Format, cfg.Pyramid.MinSize)

	// Ctrl-C requests cooperative cancellation; a second one aborts
	var token pyramid.CancelToken
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nCancelling after the current items finish...")
		token.Cancel()
		<-signals
		os.Exit(130)
	}()

	opts := pyramid.OptionsFromConfig(cfg, *outputDir)
	opts.IsCancelled = token.IsCancelled
	opts.Logger = lg

	// both callbacks run under the same lock, so eta and speed need no guard
	eta, speed := "", ""
	opts.OnDetail = func(e, s string) {
		eta, speed = e, s
	}
	opts.OnProgress = func(percent float64, message string) {
		line := fmt.Sprintf("[%5.1f%%] %s", percent, message)
		if eta != "" {
			line += fmt.Sprintf("  ETA %s  %s", eta, speed)
		}
		fmt.Printf("\r%-100s", line)
	}

	result, err := pyramid.Generate(seq, opts)
	fmt.Println()
	if err != nil {
		var levelErr *pyramid.LevelError
		if errors.As(err, &levelErr) {
			log.Fatalf("Pyramid generation failed at level %d (%s): %v", levelErr.Level, levelErr.Op, levelErr.Err)
		}
		log.Fatalf("Pyramid generation failed: %v", err)
	}

	if result.Cancelled {
		fmt.Printf("\nCancelled after %d complete levels (%.2f seconds)\n", len(result.Levels), result.Elapsed.Seconds())
		printLevels(result)
		os.Exit(2)
	}

	fmt.Printf("\nPyramid completed successfully in %.2f seconds!\n", result.Elapsed.Seconds())
	fmt.Printf("Run ID: %s\n", result.RunID)
	fmt.Printf("Backend: %s\n\n", result.Backend)
	printLevels(result)
	if result.Substituted > 0 {
		fmt.Printf("\nWarning: %d images were replaced by blank placeholders\n", result.Substituted)
	}

	vol := result.MinimumVolume
	fmt.Printf("\nMinimum volume: %dx%dx%d, %d-bit\n", vol.Width, vol.Height, vol.Depth, vol.BitDepth)

	if *previewDir != "" {
		fmt.Println("\nExtracting preview slices along all axes...")
		viewer := visualization.NewViewer(vol)
		// window from the central half of each slice, away from the air border
		if err := viewer.AutoContrastRegion(vol.Width/4, vol.Height/4, 0,
			max(vol.Width/2, 1), max(vol.Height/2, 1), vol.Depth, 0.01, 0.99); err != nil {
			log.Printf("Warning: auto contrast failed, using full range: %v", err)
		}

		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(*previewDir, axis)
			n, err := viewer.SaveSliceSequence(axis, axisDir)
			if err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
				continue
			}
			fmt.Printf("Saved %d %s-axis slices to: %s\n", n, axis, axisDir)
		}
		if paths, err := viewer.SaveCenterSlices(*previewDir); err != nil {
			log.Printf("Warning: Failed to save center slices: %v", err)
		} else {
			fmt.Printf("Center slices: %s\n", strings.Join(paths, ", "))
		}
	}
}

// printLevels prints one table row per written level
func printLevels(result *pyramid.Result) {
	fmt.Println("Level  Size         Images  Substituted  Time")
	fmt.Println("=============================================")
	for i, l := range result.Levels {
		st := result.Stats[i]
		fmt.Printf("%5d  %-11s  %6d  %11d  %.2fs\n",
			l.Level, fmt.Sprintf("%dx%d", l.Width, l.Height), l.Count, st.Substituted, st.Elapsed.Seconds())
	}
}
