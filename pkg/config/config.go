// Package config loads the YAML parameter documents describing atlas and
// sample parameter sets. Documents are consumed read-only: loading builds
// immutable atlas specs and never writes the source files back.
//
// An atlas document may name a parent document via parent-path, forming a
// registration chain; parents are loaded recursively with cycle detection
// on the resolved file path.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"volregister/pkg/atlas"
)

// Vec3F is a physical resolution triple in micrometres per axis.
type Vec3F struct {
	X float64 `yaml:"x-um"`
	Y float64 `yaml:"y-um"`
	Z float64 `yaml:"z-um"`
}

// Vec3I is a grid size triple in voxels per axis.
type Vec3I struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	Z int `yaml:"z"`
}

// AtlasDocument is the on-disk schema of one atlas parameter set.
type AtlasDocument struct {
	TemplatePath       string                `yaml:"template-path"`
	AnnotationsPath    []string              `yaml:"annotations-path"`
	StructureTree      []string              `yaml:"structure-tree"`
	Resolution         Vec3F                 `yaml:"resolution"`
	Size               Vec3I                 `yaml:"size"`
	Orientation        string                `yaml:"orientation"`
	Structure          string                `yaml:"structure"`
	ReferencePoints    map[string][3]float64 `yaml:"reference-points"`
	ParentPath         string                `yaml:"parent-path"`
	DownsamplingFactor float64               `yaml:"downsampling-factor"`
	TransformTemplates []string              `yaml:"transform-templates"`
}

// SampleDocument is the on-disk schema of one sample parameter set.
type SampleDocument struct {
	TemplatePath    string   `yaml:"template-path"`
	ImagesPath      []string `yaml:"images-path"`
	AnnotationsPath []string `yaml:"annotations-path"`
	Resolution      Vec3F    `yaml:"resolution"`
	Size            Vec3I    `yaml:"size"`
	Orientation     string   `yaml:"orientation"`
	TargetPath      string   `yaml:"target-path"`
	Directions      string   `yaml:"directions"`
}

// DefaultAtlasDocument returns an atlas document with default values, the
// starting point for a user-edited parameters file.
func DefaultAtlasDocument() *AtlasDocument {
	return &AtlasDocument{
		Orientation:        "RAS",
		Structure:          "brain",
		TransformTemplates: []string{"affine", "bspline"},
	}
}

// DefaultSampleDocument returns a sample document with default values.
func DefaultSampleDocument() *SampleDocument {
	return &SampleDocument{
		Orientation: "RAS",
		Directions:  "both",
	}
}

// LoadAtlas reads an atlas parameter document and every parent document it
// names, building the spec chain. Relative image paths are resolved
// against the document's directory. Fails with CyclicChain when the
// parent-path links revisit a document.
func LoadAtlas(path string) (*atlas.Spec, error) {
	return loadAtlas(path, map[string]bool{})
}

func loadAtlas(path string, visited map[string]bool) (*atlas.Spec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error resolving atlas document path %s: %w", path, err)
	}
	if visited[abs] {
		return nil, &atlas.CyclicChainError{Spec: abs}
	}
	visited[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("error reading atlas document: %w", err)
	}
	var doc AtlasDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing atlas document %s: %w", abs, err)
	}

	dir := filepath.Dir(abs)
	spec := &atlas.Spec{
		Name:               abs,
		TemplatePath:       resolvePath(dir, doc.TemplatePath),
		AnnotationPaths:    resolvePaths(dir, doc.AnnotationsPath),
		StructureTreePaths: resolvePaths(dir, doc.StructureTree),
		Resolution:         [3]float64{doc.Resolution.X, doc.Resolution.Y, doc.Resolution.Z},
		Size:               [3]int{doc.Size.X, doc.Size.Y, doc.Size.Z},
		Orientation:        doc.Orientation,
		Structure:          doc.Structure,
		DownsampleFactor:   doc.DownsamplingFactor,
		TransformTemplates: doc.TransformTemplates,
	}
	if len(doc.ReferencePoints) > 0 {
		spec.ReferencePoints = make(map[string]atlas.Point3, len(doc.ReferencePoints))
		for name, pt := range doc.ReferencePoints {
			spec.ReferencePoints[name] = atlas.Point3(pt)
		}
	}

	if doc.ParentPath != "" {
		parent, err := loadAtlas(resolvePath(dir, doc.ParentPath), visited)
		if err != nil {
			return nil, err
		}
		spec.Parent = parent
	}

	return spec, nil
}

// LoadSample reads a sample parameter document together with the target
// atlas chain it names.
func LoadSample(path string) (*atlas.SampleSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error resolving sample document path %s: %w", path, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("error reading sample document: %w", err)
	}
	var doc SampleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing sample document %s: %w", abs, err)
	}

	dir := filepath.Dir(abs)
	sample := &atlas.SampleSpec{
		Name:            abs,
		TemplatePath:    resolvePath(dir, doc.TemplatePath),
		ImagePaths:      resolvePaths(dir, doc.ImagesPath),
		AnnotationPaths: resolvePaths(dir, doc.AnnotationsPath),
		Resolution:      [3]float64{doc.Resolution.X, doc.Resolution.Y, doc.Resolution.Z},
		Size:            [3]int{doc.Size.X, doc.Size.Y, doc.Size.Z},
		Orientation:     doc.Orientation,
	}

	switch doc.Directions {
	case "forward":
		sample.Directions = atlas.Forward
	case "inverse":
		sample.Directions = atlas.Inverse
	case "both", "":
		sample.Directions = atlas.Both
	default:
		return nil, fmt.Errorf("sample document %s: unknown directions %q", abs, doc.Directions)
	}

	if doc.TargetPath != "" {
		target, err := LoadAtlas(resolvePath(dir, doc.TargetPath))
		if err != nil {
			return nil, err
		}
		sample.Target = target
	}

	return sample, nil
}

// SaveAtlasDocument writes an atlas document as YAML, creating the
// directory if needed. Used to scaffold parameters files for editing.
func SaveAtlasDocument(doc *AtlasDocument, path string) error {
	return saveDocument(doc, path)
}

// SaveSampleDocument writes a sample document as YAML.
func SaveSampleDocument(doc *SampleDocument, path string) error {
	return saveDocument(doc, path)
}

func saveDocument(doc interface{}, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating document directory: %w", err)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error marshaling document: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing document file: %w", err)
	}
	return nil
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func resolvePaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = resolvePath(dir, p)
	}
	return out
}
