package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Crop identifiers with a local classifier slot.
const (
	CropTomato = "tomato"
	CropApple  = "apple"
	CropCorn   = "corn"
	CropPotato = "potato"
	CropRice   = "rice"
)

// DefaultCrop is used when a caller omits the crop type.
const DefaultCrop = CropTomato

// Artifact filename suffixes, joined to the crop identifier.
const (
	ModelSuffix  = "_disease_model.onnx"
	LabelsSuffix = "_labels.json"
)

// Default models directory.
const DefaultModelsDir = "models"

// Environment variable for models directory override.
const EnvModelsDir = "LEAFY_MODELS_DIR"

// KnownCrops returns the fixed crop set in load order.
func KnownCrops() []string {
	return []string{CropTomato, CropApple, CropCorn, CropPotato, CropRice}
}

// CropArtifacts holds the resolved files for one crop.
type CropArtifacts struct {
	Crop       string
	ModelPath  string
	LabelsPath string
}

var folder = cases.Fold()

// NormalizeCrop canonicalises free-text crop input. An empty value maps to DefaultCrop.
func NormalizeCrop(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s == "" {
		return DefaultCrop
	}
	return folder.String(s)
}

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.New("could not find project root (go.mod not found)")
}

// GetModelsDir returns the models directory path from various sources
// Priority: 1. Explicit modelsDir parameter, 2. Environment variable, 3. Project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}

	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}

	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}

	return DefaultModelsDir
}

// ModelFile returns the model artifact filename for a crop.
func ModelFile(crop string) string { return crop + ModelSuffix }

// LabelsFile returns the label catalog filename for a crop.
func LabelsFile(crop string) string { return crop + LabelsSuffix }

// ArtifactsFor returns the expected artifact paths for crop under modelsDir,
// without checking that they exist.
func ArtifactsFor(modelsDir, crop string) CropArtifacts {
	base := GetModelsDir(modelsDir)
	return CropArtifacts{
		Crop:       crop,
		ModelPath:  filepath.Join(base, ModelFile(crop)),
		LabelsPath: filepath.Join(base, LabelsFile(crop)),
	}
}

// MissingArtifactError reports which file of a crop pair is absent.
type MissingArtifactError struct {
	Crop string
	Path string
	Kind string // "model" or "labels"
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("%s %s file not found: %s", e.Crop, e.Kind, e.Path)
}

// ResolveCropArtifacts checks that both files of a crop pair exist.
func ResolveCropArtifacts(modelsDir, crop string) (CropArtifacts, error) {
	a := ArtifactsFor(modelsDir, crop)
	if err := ValidateModelExists(a.ModelPath); err != nil {
		return a, &MissingArtifactError{Crop: crop, Path: a.ModelPath, Kind: "model"}
	}
	if err := ValidateModelExists(a.LabelsPath); err != nil {
		return a, &MissingArtifactError{Crop: crop, Path: a.LabelsPath, Kind: "labels"}
	}
	return a, nil
}

// ValidateModelExists checks if a model file exists at the given path.
func ValidateModelExists(modelPath string) error {
	info, err := os.Stat(modelPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", modelPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("expected a file, found directory: %s", modelPath)
	}
	return nil
}
