package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// LabelsJSON renders names in the {"0": "...", ...} label file format.
func LabelsJSON(t *testing.T, names []string) []byte {
	t.Helper()

	m := make(map[string]string, len(names))
	for i, n := range names {
		m[strconv.Itoa(i)] = n
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

// WriteCropArtifacts writes a label file and a placeholder model file for crop
// into dir, using the <crop>_disease_model.onnx / <crop>_labels.json naming.
// Returns the model and labels paths.
func WriteCropArtifacts(t *testing.T, dir, crop string, names []string) (string, string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o750))
	modelPath := filepath.Join(dir, crop+"_disease_model.onnx")
	labelsPath := filepath.Join(dir, crop+"_labels.json")
	require.NoError(t, os.WriteFile(modelPath, []byte("not a real model"), 0o600))
	require.NoError(t, os.WriteFile(labelsPath, LabelsJSON(t, names), 0o600))
	return modelPath, labelsPath
}
