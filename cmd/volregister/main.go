package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"volregister/pkg/config"
	"volregister/pkg/engine"
	"volregister/pkg/register"
)

func main() {
	samplePath := flag.String("sample", "", "Sample parameters YAML file")
	outputDir := flag.String("output", "volregister_output", "Directory for resampled images and transforms")
	workers := flag.Int("workers", runtime.NumCPU(), "Number of workers for image resampling (default: all cores)")
	useElastix := flag.Bool("elastix", false, "Drive external elastix/transformix binaries instead of the built-in engine")
	quiet := flag.Bool("quiet", false, "Suppress progress output")
	flag.Parse()

	if *samplePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	sample, err := config.LoadSample(*samplePath)
	if err != nil {
		log.Fatalf("Failed to load sample parameters: %v", err)
	}

	var eng engine.Engine = engine.NewGridEngine()
	if *useElastix {
		eng = engine.NewElastixEngine("")
	}

	run, err := register.NewRun(&register.Params{
		Sample:    sample,
		Engine:    eng,
		OutputDir: *outputDir,
		Workers:   *workers,
		Verbose:   !*quiet,
	})
	if err != nil {
		log.Fatalf("Failed to prepare run: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("VOLREGISTER - ATLAS REGISTRATION")
	fmt.Printf("run %s\n", run.ID())
	fmt.Println("================================")

	startTime := time.Now()
	if err := run.Execute(); err != nil {
		if n := len(run.Results()); n > 0 {
			log.Printf("%d step transform(s) completed before failure remain reusable", n)
		}
		log.Fatalf("Registration failed: %v", err)
	}

	metrics := run.GetMetrics()
	fmt.Printf("\nRegistration completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Outputs saved to: %s\n\n", *outputDir)
	fmt.Printf("Similarity metrics (registered template vs atlas):\n")
	fmt.Printf("  Mutual Information (MI): %.3f\n", metrics.MI)
	fmt.Printf("  Root Mean Square Error (RMSE): %.6f\n", metrics.RMSE)
	fmt.Printf("  Normalised Cross-Correlation (NCC): %.3f\n", metrics.NCC)
}
