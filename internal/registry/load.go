package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/leafy/internal/labels"
	"github.com/MeKo-Tech/leafy/internal/models"
	"github.com/MeKo-Tech/leafy/internal/onnx"
)

// Skip reasons reported for crops that were not loaded.
const (
	ReasonMissingModel       = "missing_model"
	ReasonMissingLabels      = "missing_labels"
	ReasonInvalidLabels      = "invalid_labels"
	ReasonRuntimeUnavailable = "runtime_unavailable"
	ReasonLoadFailed         = "load_failed"
	ReasonLabelMismatch      = "label_mismatch"
)

// Opener opens the model at path, returning the session, its declared input
// and its declared class count (0 when dynamic).
type Opener func(modelPath string) (Session, onnx.InputSpec, int, error)

// Config controls startup loading.
type Config struct {
	ModelsDir   string
	Crops       []string
	LibraryPath string
	Session     SessionOptions
	// Opener replaces the ONNX Runtime loader, mainly for tests.
	Opener Opener
}

// DefaultConfig loads every known crop from the default models directory.
func DefaultConfig() Config {
	return Config{
		ModelsDir: models.DefaultModelsDir,
		Crops:     models.KnownCrops(),
		Session:   SessionOptions{GPU: onnx.DefaultGPUConfig()},
	}
}

// Skip records why a crop is unavailable.
type Skip struct {
	Crop   string
	Reason string
	Err    error
}

// Report summarises a Load call.
type Report struct {
	Loaded  []string
	Skipped []Skip
}

// Load opens every configured crop whose model and label files both exist.
// Crops that cannot be loaded are skipped and logged; Load itself never fails.
func Load(cfg Config, logger *slog.Logger) (*Registry, Report) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Crops) == 0 {
		cfg.Crops = models.KnownCrops()
	}
	start := time.Now()
	dir := models.GetModelsDir(cfg.ModelsDir)

	open := cfg.Opener
	var runtimeErr error
	runtimeReady := false
	if open == nil {
		open = func(path string) (Session, onnx.InputSpec, int, error) {
			if !runtimeReady && runtimeErr == nil {
				runtimeErr = onnx.InitializeRuntime(cfg.LibraryPath, cfg.Session.GPU.UseGPU)
				runtimeReady = runtimeErr == nil
			}
			if runtimeErr != nil {
				return nil, onnx.InputSpec{}, 0, &runtimeError{err: runtimeErr}
			}
			return openONNXSession(path, cfg.Session)
		}
	}

	var (
		entries []Entry
		report  Report
	)
	skip := func(crop, reason string, err error) {
		report.Skipped = append(report.Skipped, Skip{Crop: crop, Reason: reason, Err: err})
		level := slog.LevelInfo
		if reason != ReasonMissingModel && reason != ReasonMissingLabels {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "crop model skipped",
			"crop", crop, "reason", reason, "error", err)
	}

	for _, crop := range dedupe(cfg.Crops) {
		artifacts, err := models.ResolveCropArtifacts(dir, crop)
		if err != nil {
			var missing *models.MissingArtifactError
			if errors.As(err, &missing) && missing.Kind == "labels" {
				skip(crop, ReasonMissingLabels, err)
			} else {
				skip(crop, ReasonMissingModel, err)
			}
			continue
		}

		catalog, err := labels.Load(artifacts.LabelsPath)
		if err != nil {
			skip(crop, ReasonInvalidLabels, err)
			continue
		}

		session, spec, classes, err := open(artifacts.ModelPath)
		if err != nil {
			var rtErr *runtimeError
			if errors.As(err, &rtErr) {
				skip(crop, ReasonRuntimeUnavailable, rtErr.err)
			} else {
				skip(crop, ReasonLoadFailed, err)
			}
			continue
		}
		if classes > 0 && classes != catalog.Len() {
			_ = session.Close()
			skip(crop, ReasonLabelMismatch,
				fmt.Errorf("model declares %d classes, label file has %d", classes, catalog.Len()))
			continue
		}

		entries = append(entries, Entry{
			Crop:      crop,
			Catalog:   catalog,
			Session:   session,
			Input:     spec,
			ModelPath: artifacts.ModelPath,
		})
		report.Loaded = append(report.Loaded, crop)
		logger.Info("crop model loaded",
			"crop", crop,
			"model", artifacts.ModelPath,
			"classes", catalog.Len(),
			"layout", spec.Layout.String())
	}

	reg := newRegistry(logger)
	for _, e := range entries {
		reg.add(e)
	}

	logger.Info("model registry ready",
		"models_dir", dir,
		"loaded", report.Loaded,
		"skipped", len(report.Skipped),
		"duration_ms", time.Since(start).Milliseconds())
	return reg, report
}

type runtimeError struct{ err error }

func (e *runtimeError) Error() string { return "onnx runtime unavailable: " + e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

func dedupe(crops []string) []string {
	seen := make(map[string]struct{}, len(crops))
	out := make([]string, 0, len(crops))
	for _, c := range crops {
		c = models.NormalizeCrop(c)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
