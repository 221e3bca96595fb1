package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"volregister/internal/models"
)

// WriteMetaImage writes a volume as a MetaImage pair (.mhd header plus
// .raw voxel data, MET_DOUBLE little endian), the interchange format the
// external engine consumes.
func WriteMetaImage(path string, v *models.Volume) error {
	rawName := strings.TrimSuffix(filepath.Base(path), ".mhd") + ".raw"

	header := fmt.Sprintf(
		"ObjectType = Image\n"+
			"NDims = 3\n"+
			"BinaryData = True\n"+
			"BinaryDataByteOrderMSB = False\n"+
			"DimSize = %d %d %d\n"+
			"ElementSpacing = %g %g %g\n"+
			"ElementType = MET_DOUBLE\n"+
			"ElementDataFile = %s\n",
		v.Width, v.Height, v.Depth,
		v.Resolution[0], v.Resolution[1], v.Resolution[2],
		rawName)

	if err := os.WriteFile(path, []byte(header), 0644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	rawPath := filepath.Join(filepath.Dir(path), rawName)
	f, err := os.Create(rawPath)
	if err != nil {
		return fmt.Errorf("failed to create raw file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return w.Flush()
}

// ReadMetaImage reads a MetaImage pair written by WriteMetaImage or by the
// external engine. Only 3D MET_DOUBLE volumes are supported.
func ReadMetaImage(path string) (*models.Volume, error) {
	header, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var size [3]int
	res := [3]float64{1, 1, 1}
	dataFile := ""
	elementType := ""

	for _, line := range strings.Split(string(header), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "DimSize":
			fields := strings.Fields(value)
			if len(fields) != 3 {
				return nil, fmt.Errorf("DimSize %q: want 3 components", value)
			}
			for i, f := range fields {
				if size[i], err = strconv.Atoi(f); err != nil {
					return nil, fmt.Errorf("DimSize %q: %w", value, err)
				}
			}
		case "ElementSpacing":
			fields := strings.Fields(value)
			if len(fields) != 3 {
				return nil, fmt.Errorf("ElementSpacing %q: want 3 components", value)
			}
			for i, f := range fields {
				if res[i], err = strconv.ParseFloat(f, 64); err != nil {
					return nil, fmt.Errorf("ElementSpacing %q: %w", value, err)
				}
			}
		case "ElementType":
			elementType = value
		case "ElementDataFile":
			dataFile = value
		}
	}

	if elementType != "MET_DOUBLE" {
		return nil, fmt.Errorf("unsupported element type %q", elementType)
	}
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return nil, fmt.Errorf("missing or invalid DimSize in %s", path)
	}
	if dataFile == "" {
		return nil, fmt.Errorf("missing ElementDataFile in %s", path)
	}

	f, err := os.Open(filepath.Join(filepath.Dir(path), dataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open raw file: %w", err)
	}
	defer f.Close()

	v := models.NewVolume(size[0], size[1], size[2], res)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	return v, nil
}
