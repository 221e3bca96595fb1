package transform

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"
)

// Document is the persisted form of a composed transform, stamped with the
// run that produced it so outputs can be traced back without re-running
// the chain.
type Document struct {
	// RunID identifies the orchestration run that produced the transform.
	RunID string `yaml:"run-id"`

	// Sample names the sample the chain was registered for.
	Sample string `yaml:"sample"`

	// Created is the save timestamp.
	Created time.Time `yaml:"created"`

	// Transform is the composed transform itself.
	Transform *Composed `yaml:"transform"`
}

// Save writes a composed transform as gzip-compressed YAML. Persisted
// transforms let downstream uses resample further images without repeating
// the registration.
func Save(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating transform directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transform file: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := yaml.NewEncoder(zw)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("error encoding transform: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("error finalising transform encoding: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("error compressing transform: %w", err)
	}
	return nil
}

// Load reads a composed transform saved by Save.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening transform file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("error decompressing transform: %w", err)
	}
	defer zr.Close()

	var doc Document
	if err := yaml.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("error decoding transform: %w", err)
	}
	return &doc, nil
}
