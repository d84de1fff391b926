package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
}

func TestGetModelsDir(t *testing.T) {
	tests := []struct {
		name           string
		explicitDir    string
		envVar         string
		expectedResult string
	}{
		{
			name:           "explicit directory takes precedence",
			explicitDir:    "/explicit/path",
			envVar:         "/env/path",
			expectedResult: "/explicit/path",
		},
		{
			name:           "environment variable used when no explicit dir",
			explicitDir:    "",
			envVar:         "/env/path",
			expectedResult: "/env/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvModelsDir, tt.envVar)
			assert.Equal(t, tt.expectedResult, GetModelsDir(tt.explicitDir))
		})
	}

	t.Run("default used when neither provided", func(t *testing.T) {
		t.Setenv(EnvModelsDir, "")
		got := GetModelsDir("")
		assert.Equal(t, DefaultModelsDir, filepath.Base(got))
	})
}

func TestKnownCrops(t *testing.T) {
	assert.Equal(t, []string{"tomato", "apple", "corn", "potato", "rice"}, KnownCrops())
	assert.Contains(t, KnownCrops(), DefaultCrop)
}

func TestArtifactNames(t *testing.T) {
	assert.Equal(t, "rice_disease_model.onnx", ModelFile(CropRice))
	assert.Equal(t, "rice_labels.json", LabelsFile(CropRice))

	a := ArtifactsFor("/m", CropCorn)
	assert.Equal(t, filepath.Join("/m", "corn_disease_model.onnx"), a.ModelPath)
	assert.Equal(t, filepath.Join("/m", "corn_labels.json"), a.LabelsPath)
}

func TestNormalizeCrop(t *testing.T) {
	tests := map[string]string{
		"":          DefaultCrop,
		"   ":       DefaultCrop,
		"Tomato":    "tomato",
		" POTATO ":  "potato",
		"ｃｏｒｎ":      "corn", // full-width compatibility forms
		"unknownXY": "unknownxy",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeCrop(in), "input %q", in)
	}
}

func TestResolveCropArtifacts(t *testing.T) {
	dir := t.TempDir()

	_, err := ResolveCropArtifacts(dir, CropApple)
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "model", missing.Kind)

	touch(t, filepath.Join(dir, ModelFile(CropApple)))
	_, err = ResolveCropArtifacts(dir, CropApple)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "labels", missing.Kind)

	touch(t, filepath.Join(dir, LabelsFile(CropApple)))
	a, err := ResolveCropArtifacts(dir, CropApple)
	require.NoError(t, err)
	assert.Equal(t, CropApple, a.Crop)
}

func TestValidateModelExists(t *testing.T) {
	dir := t.TempDir()
	require.Error(t, ValidateModelExists(filepath.Join(dir, "nope.onnx")))
	require.Error(t, ValidateModelExists(dir))

	p := filepath.Join(dir, "ok.onnx")
	touch(t, p)
	require.NoError(t, ValidateModelExists(p))
}
