package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/leafy/internal/config"
	"github.com/MeKo-Tech/leafy/internal/remote"
	"github.com/MeKo-Tech/leafy/internal/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote serves the leaf and disease models of the hosted API.
func fakeRemote(t *testing.T, leafBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch strings.TrimPrefix(r.URL.Path, "/") {
		case remote.DefaultLeafModel:
			_, _ = io.WriteString(w, leafBody)
		case remote.DefaultDiseaseModel:
			_, _ = io.WriteString(w, `{"predictions":{"Late Blight":{"confidence":0.2},"Early Blight":{"confidence":0.7},"Healthy":{"confidence":0.1}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	t.Setenv("LEAFY_REMOTE_BASE_URL", srv.URL)
	t.Setenv("LEAFY_REMOTE_API_KEY", "test-key")
	return srv
}

func writeLeafImage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "leaf.jpg")
	require.NoError(t, os.WriteFile(path, testutil.LeafJPEG(t), 0o600))
	return path
}

func TestConfigInitCommand(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conf", "leafy.yaml")

	out, _, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default configuration")

	cfg, err := config.NewLoaderWithViper(viper.New()).LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), *cfg)

	_, _, err = execute(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = execute(t, "config", "init", path, "--force")
	assert.NoError(t, err)
}

func TestConfigInitDefaultName(t *testing.T) {
	dir := isolate(t)
	_, _, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "leafy.yaml"))
}

func TestConfigShowCommand(t *testing.T) {
	isolate(t)
	t.Setenv("LEAFY_REMOTE_API_KEY", "super-secret")
	t.Setenv("LEAFY_SERVER_PORT", "9100")

	out, _, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 9100")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "super-secret")
}

func TestConfigShowUsesConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inference:\n  default_crop: potato\n"), 0o600))

	out, _, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "default_crop: potato")
}

func TestConfigPathCommand(t *testing.T) {
	isolate(t)
	out, _, err := execute(t, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, out, "Environment prefix: LEAFY")
}

func TestCropsCommandWithoutModels(t *testing.T) {
	dir := isolate(t)
	out, _, err := execute(t, "crops", "--models-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Models directory: "+dir)
	assert.Contains(t, out, "tomato   skipped  missing_model")
	assert.Contains(t, out, "0 of 5 crops available")
}

func TestPredictMissingFile(t *testing.T) {
	isolate(t)
	_, _, err := execute(t, "predict", "does-not-exist.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read image")
}

func TestPredictWithoutModel(t *testing.T) {
	dir := isolate(t)
	path := writeLeafImage(t, dir)
	_, _, err := execute(t, "predict", path, "--crop", "tomato")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported crop type "tomato"`)
}

func TestPredictRequiresImageArgument(t *testing.T) {
	isolate(t)
	_, _, err := execute(t, "predict")
	assert.Error(t, err)
}

func TestValidateLeafCommand(t *testing.T) {
	dir := isolate(t)
	fakeRemote(t, `{"predictions":[{"class":"oak_leaf","confidence":0.6}]}`)
	path := writeLeafImage(t, dir)

	out, _, err := execute(t, "validate-leaf", path)
	require.NoError(t, err)

	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, true, v["isLeaf"])
	assert.Equal(t, true, v["success"])
	assert.Equal(t, "leaf detected: oak_leaf", v["message"])
}

func TestValidateLeafWithoutAPIKey(t *testing.T) {
	dir := isolate(t)
	path := writeLeafImage(t, dir)

	out, _, err := execute(t, "validate-leaf", path)
	require.NoError(t, err, "validator failures are reported in the result")
	assert.Contains(t, out, `"success": false`)
}

func TestClassifyCommand(t *testing.T) {
	dir := isolate(t)
	fakeRemote(t, `{"predictions":[{"class":"tomato leaf","confidence":0.9}]}`)
	path := writeLeafImage(t, dir)

	out, _, err := execute(t, "classify", path, "--crop", "tomato")
	require.NoError(t, err)

	var det struct {
		Prediction string  `json:"prediction"`
		CropType   string  `json:"cropType"`
		Confidence float64 `json:"confidence"`
		Source     string  `json:"source"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &det))
	assert.Equal(t, "Early Blight", det.Prediction)
	assert.Equal(t, "tomato", det.CropType)
	assert.InDelta(t, 0.7, det.Confidence, 1e-9)
	assert.Equal(t, "remote", det.Source)
}

func TestClassifyRejectsNonLeaf(t *testing.T) {
	dir := isolate(t)
	fakeRemote(t, `{"predictions":[{"class":"rock","confidence":0.9}]}`)
	path := writeLeafImage(t, dir)

	_, _, err := execute(t, "classify", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no leaf detected")
}

func TestHistoryCommand(t *testing.T) {
	isolate(t)

	_, _, err := execute(t, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --user or --anonymous")

	_, _, err = execute(t, "history", "--user", "alice", "--anonymous")
	require.Error(t, err)

	out, _, err := execute(t, "history", "--anonymous")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, _, err = execute(t, "history", "--user", "alice", "--limit", "5")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestRunServer(t *testing.T) {
	dir := isolate(t)
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.ModelsDir = dir
	cfg.History.MediaDir = filepath.Join(dir, "media")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		done <- runServer(ctx, &cfg, logger, func(addr string) { addrCh <- addr })
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("http://%s/crops", addr))
	require.NoError(t, err)
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Crops []string `json:"crops"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.True(t, body.Success)
	assert.Empty(t, body.Data.Crops)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApplyServeFlags(t *testing.T) {
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	require.NoError(t, serveCmd.Flags().Parse([]string{
		"--port", "9001", "--rate-limit-enabled", "--max-data-per-day", "50", "--shutdown-timeout", "3s",
	}))
	cfg := config.DefaultConfig()
	applyServeFlags(serveCmd, &cfg)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 50, cfg.Server.RateLimit.MaxDataPerDayMB)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, config.DefaultConfig().Server.Host, cfg.Server.Host, "unchanged flags keep the config value")
}
