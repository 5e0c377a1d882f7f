package model

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Version selects one of the pretrained detector artifacts.
type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"

	DefaultVersion = V1
)

// Fixed input/output geometry of both detectors.
const (
	ImageSize = 224
	Channels  = 3
)

var (
	InputShape  = []int64{1, ImageSize, ImageSize, Channels}
	OutputShape = []int64{1, 1}
)

var ErrInvalidVersion = errors.New("invalid model version")

// Spec is what a version tag resolves to.
type Spec struct {
	Version     Version
	File        string
	Threshold   float64
	Description string
}

var specs = map[Version]Spec{
	V1: {
		Version:     V1,
		File:        "ctc_detector.onnx",
		Threshold:   0.5,
		Description: "ONNX V1 detector (high recall)",
	},
	V2: {
		Version:     V2,
		File:        "ctc_detector_v2.onnx",
		Threshold:   0.90,
		Description: "ONNX V2 detector (high precision)",
	},
}

// ParseVersion accepts only the known tags. An empty string means the default.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return DefaultVersion, nil
	}
	v := Version(s)
	if _, ok := specs[v]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidVersion, s)
	}
	return v, nil
}

func Lookup(v Version) (Spec, error) {
	spec, ok := specs[v]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrInvalidVersion, v)
	}
	return spec, nil
}

// Versions lists the known tags in order.
func Versions() []Version {
	return []Version{V1, V2}
}

// Path joins the artifact file name onto the models directory.
func (s Spec) Path(modelsDir string) string {
	return filepath.Join(modelsDir, s.File)
}

// InputSize is the number of float32 values in one input tensor.
func InputSize() int {
	n := 1
	for _, d := range InputShape {
		n *= int(d)
	}
	return n
}
