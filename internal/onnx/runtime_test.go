package onnx

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSystemLibraryPaths(t *testing.T) {
	assert.Len(t, getSystemLibraryPaths(true), 4)
	assert.Len(t, getSystemLibraryPaths(false), 3)
	assert.Contains(t, getSystemLibraryPaths(true)[0], "gpu")
}

func TestGetLibraryName(t *testing.T) {
	name, err := getLibraryName()
	switch runtime.GOOS {
	case osLinux:
		require.NoError(t, err)
		assert.Equal(t, libLinux, name)
	case osDarwin:
		require.NoError(t, err)
		assert.Equal(t, libDarwin, name)
	case osWindows:
		require.NoError(t, err)
		assert.Equal(t, libWindows, name)
	default:
		assert.Error(t, err)
	}
}

func TestResolveLibraryPathExplicit(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, []byte{}, 0o600))

	got, err := ResolveLibraryPath(lib, false)
	require.NoError(t, err)
	assert.Equal(t, lib, got)

	_, err = ResolveLibraryPath(filepath.Join(dir, "missing.so"), false)
	assert.Error(t, err)
}

func TestResolveLibraryPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "custom.so")
	require.NoError(t, os.WriteFile(lib, []byte{}, 0o600))

	t.Setenv(EnvLibraryPath, lib)
	got, err := ResolveLibraryPath("", false)
	require.NoError(t, err)
	assert.Equal(t, lib, got)

	t.Setenv(EnvLibraryPath, filepath.Join(dir, "gone.so"))
	_, err = ResolveLibraryPath("", false)
	assert.Error(t, err)
}

func TestFindProjectRoot(t *testing.T) {
	tempDir := t.TempDir()
	projectDir := filepath.Join(tempDir, "project")
	subDir := filepath.Join(projectDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "go.mod"), []byte("module test\n"), 0o600))

	t.Chdir(subDir)

	root, err := findProjectRoot()
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(projectDir)
	got, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, want, got)
}
