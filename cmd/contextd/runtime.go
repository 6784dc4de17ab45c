package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/config"
	"contextd/internal/control"
	"contextd/internal/improver"
	"contextd/internal/logging"
	"contextd/internal/observer"
	"contextd/internal/schema"
	"contextd/internal/selfmodel"
	"contextd/internal/store"
)

// runtime bundles the wired components shared by the subcommands.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	schema   *schema.Watcher
	obs      *observer.Observer
	analyzer *analyzer.Analyzer
	model    *selfmodel.Builder
	plane    *control.Plane
	improver *improver.Improver
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		path = filepath.Join(home, ".contextd", "config.yaml")
	}
	return config.Load(path)
}

// buildRuntime wires every component. Construction order matters only at the
// end: the improver registers itself as the plane's executor.
func buildRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel)

	obs := observer.New(cfg.AwarenessPath, logger.Named("observer"))
	st, err := store.New(cfg.StorePath,
		store.WithRecorder(obs),
		store.WithLogger(logger.Named("store")),
	)
	if err != nil {
		return nil, err
	}

	watcher := schema.NewWatcher(cfg.SchemaPath, logger.Named("schema"))

	an := analyzer.New(cfg.LM.BaseURL, cfg.LM.Model, cfg.GetLMTimeout(), cfg.LM.Enabled, logger.Named("analyzer"))
	model := selfmodel.New(st, watcher.Catalog, obs, an, cfg.GetDeepCacheTTL(), logger.Named("selfmodel"))

	plane := control.New(obs, control.Policy{
		AutoApproveLow:    cfg.Improver.AutoApproveLow,
		AutoApproveMedium: cfg.Improver.AutoApproveMedium,
		AutoApproveHigh:   cfg.Improver.AutoApproveHigh,
		PendingTTL:        cfg.GetPendingTTL(),
	}, logger.Named("control"))

	imp := improver.New(st, watcher.Catalog, obs, an, plane, model, cfg.GetTickBudget(), logger.Named("improver"))

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		schema:   watcher,
		obs:      obs,
		analyzer: an,
		model:    model,
		plane:    plane,
		improver: imp,
	}, nil
}

// close releases the runtime's background resources.
func (rt *runtime) close() {
	rt.schema.Close()
	_ = rt.logger.Sync()
}
