package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/leafy/internal/config"
	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/MeKo-Tech/leafy/internal/onnx"
	"github.com/MeKo-Tech/leafy/internal/preprocess"
	"github.com/MeKo-Tech/leafy/internal/registry"
	"github.com/MeKo-Tech/leafy/internal/remote"
	"github.com/MeKo-Tech/leafy/internal/treatment"
)

// appOptions selects the parts of the gateway a command needs.
type appOptions struct {
	// localModels loads the crop models from the models directory.
	localModels bool
	// persist opens the configured history store; otherwise history is
	// kept in memory and discarded on exit.
	persist bool
}

// app is a fully wired gateway and the resources it owns.
type app struct {
	gw       *gateway.Gateway
	registry *registry.Registry
	report   registry.Report
	store    history.Store
	logger   *slog.Logger
}

// newApp wires the gateway from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{logger: logger}

	var (
		store  history.Store
		images *history.ImageStore
		err    error
	)
	if opts.persist {
		store, images, err = history.Open(ctx, cfg.ToHistoryConfig(), logger)
		if err != nil {
			return nil, err
		}
	} else {
		store, images = history.NewMemoryStore(), history.NewMemImageStore()
	}
	a.store = store

	catalog, err := treatment.OpenCatalog(cfg.Treatment.CatalogPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	client := remote.NewClient(cfg.ToRemoteConfig(), logger)
	gwOpts := gateway.Options{
		Preprocessor:   preprocess.New(cfg.ToPreprocessConfig(), logger),
		Remote:         remote.NewDiseaseClassifier(client, cfg.Remote.DiseaseModel, logger),
		Leaf:           remote.NewLeafValidator(client, cfg.Remote.LeafModel, logger),
		Store:          store,
		Images:         images,
		Catalog:        catalog,
		Advisor:        treatment.NewAdvisor(cfg.ToAdvisorConfig(), logger),
		Policy:         cfg.ToPolicy(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		DefaultCrop:    cfg.Inference.DefaultCrop,
		Logger:         logger,
	}

	if opts.localModels {
		a.registry, a.report = registry.Load(cfg.ToRegistryConfig(), logger)
		gwOpts.Models = a.registry
	}

	a.gw, err = gateway.New(gwOpts)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to build gateway: %w", err)
	}
	return a, nil
}

// Close releases model sessions, the runtime and the history store.
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
		errs = append(errs, onnx.ShutdownRuntime())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
