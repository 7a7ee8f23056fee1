package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"qsmrecon/pkg/bids"
	"qsmrecon/pkg/config"
	"qsmrecon/pkg/pipeline"
	"qsmrecon/pkg/visualization"
)

func main() {
	// Parse command line arguments
	bidsDir := flag.String("bids", "", "BIDS dataset directory to discover inputs from")
	magList := flag.String("mag", "", "Comma-separated per-echo magnitude volumes (.nii, .nii.gz or .npy)")
	phaseList := flag.String("phase", "", "Comma-separated per-echo phase volumes")
	maskPath := flag.String("mask", "", "Region-of-interest mask volume")
	teList := flag.String("te", "", "Comma-separated echo times in seconds")
	fieldStrength := flag.Float64("field", 0, "Main field strength in tesla")
	configPath := flag.String("config", "", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the -config path and exit")
	outputName := flag.String("output", "chi.nii.gz", "Output susceptibility map filename")
	historyName := flag.String("history", "", "Optional .npy file for per-iteration solver costs")
	extractSlices := flag.Bool("extract-slices", false, "Extract and save susceptibility slices along all axes")
	slicesDir := flag.String("slices-dir", "qsm_slices", "Directory to save extracted slices")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if *writeConfig {
		if *configPath == "" {
			log.Fatal("-write-config requires -config")
		}
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *verbose || cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	params := &pipeline.Params{
		OutputFile:  *outputName,
		HistoryFile: *historyName,
		Config:      cfg,
	}

	if *bidsDir != "" {
		ds, err := bids.Discover(*bidsDir)
		if err != nil {
			log.Fatalf("BIDS discovery failed: %v", err)
		}
		params.MagnitudePaths = ds.MagnitudePaths
		params.PhasePaths = ds.PhasePaths
		params.MaskPath = ds.MaskPath
		params.EchoTimes = ds.EchoTimes
		params.FieldStrength = ds.FieldStrength
	} else {
		if *magList == "" || *phaseList == "" || *maskPath == "" || *teList == "" {
			flag.Usage()
			os.Exit(1)
		}
		te, err := parseFloats(*teList)
		if err != nil {
			log.Fatalf("Invalid -te list: %v", err)
		}
		params.MagnitudePaths = splitPaths(*magList)
		params.PhasePaths = splitPaths(*phaseList)
		params.MaskPath = *maskPath
		params.EchoTimes = te
		params.FieldStrength = *fieldStrength
	}

	fmt.Println("================================")
	fmt.Println("QSM RECONSTRUCTION")
	fmt.Println("Laplacian unwrapping, SMV background removal and MEDI dipole inversion")
	fmt.Println("================================")

	reconstructor := pipeline.NewReconstructor(params)

	startTime := time.Now()
	if err := reconstructor.Process(); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	processingTime := time.Since(startTime)

	res := reconstructor.Result()
	fmt.Printf("\nReconstruction completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Susceptibility map saved to: %s\n\n", params.OutputFile)

	fmt.Printf("Solver summary:\n")
	fmt.Printf("===============\n")
	fmt.Printf("Outer iterations: %d\n", res.Iterations)
	fmt.Printf("Converged: %v\n", res.Converged)
	fmt.Printf("Final relative update norm: %.6f\n", res.ResNormRatio)
	if len(res.History) > 0 {
		last := res.History[len(res.History)-1]
		fmt.Printf("Final data cost: %.6f\n", last.Data)
		fmt.Printf("Final regularization cost: %.6f\n", last.Reg)
	}

	// Extract and save slices if requested
	if *extractSlices {
		fmt.Println("\nExtracting susceptibility slices along all axes...")

		viewer := visualization.NewViewer(res.Chi)
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(*slicesDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)

			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Warnf("Failed to save %s-axis slices: %v", axis, err)
			}
		}

		fmt.Println("Slice extraction completed!")
	}

	if params.HistoryFile != "" {
		fmt.Printf("\nPer-iteration costs saved to: %s\n", params.HistoryFile)
	}
}

// splitPaths splits a comma-separated path list, trimming whitespace.
func splitPaths(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseFloats parses a comma-separated float list.
func parseFloats(list string) ([]float64, error) {
	var out []float64
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
