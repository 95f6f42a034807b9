// Package cli implements the diabetesai command-line interface.
package cli

import (
	"errors"
	"fmt"

	"diabetesai/config"
	"diabetesai/db"
	"diabetesai/explain"
	"diabetesai/logger"
	"diabetesai/ml"
	"diabetesai/monitoring"
	"diabetesai/pipeline"
	"diabetesai/ratelimit"

	"go.uber.org/zap"
)

// App is the shared runtime every front-end command is built on: one
// pipeline over one audit log, model and rate limiter.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Audit    *db.AuditLog
	Model    *ml.Holder
	Limiter  *ratelimit.Limiter
	Metrics  *monitoring.PredictionMetrics
	Pipeline *pipeline.Pipeline

	watcher *ml.Watcher
}

// AppOptions adjusts how NewApp wires the runtime.
type AppOptions struct {
	// Publisher receives every served prediction when set.
	Publisher pipeline.Publisher
	// Watch reloads the model when its file changes.
	Watch bool
	// Logger overrides the logger built from the log config.
	Logger *zap.Logger
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// NewApp opens the audit log, loads the model and builds the pipeline. A model
// that fails to load is logged and left unloaded so health checks report it.
func NewApp(cfg *config.Config, opts AppOptions) (*App, error) {
	log := opts.Logger
	if log == nil {
		var err error
		if log, err = buildLogger(cfg); err != nil {
			return nil, err
		}
	}

	audit, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	holder := ml.NewHolder(nil)
	if model, err := ml.LoadModel(cfg.Model.Type, cfg.Model.Path); err != nil {
		log.Warn("model not loaded", zap.String("path", cfg.Model.Path), zap.Error(err))
	} else {
		holder.Swap(model)
		log.Info("model loaded", zap.String("path", cfg.Model.Path), zap.String("type", model.Type()))
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Limit:         cfg.RateLimit.Limit,
		Window:        cfg.RateLimit.Window(),
		MaxIdentities: cfg.RateLimit.MaxIdentities,
	})
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	metrics := monitoring.NewPredictionMetrics(monitoring.NewMetricsCollector())
	adapter := explain.NewAdapter(holder, holder.Classes, explain.Config{
		TopK:    cfg.Explain.TopK,
		Timeout: cfg.Explain.Timeout(),
	}, log)

	p, err := pipeline.New(pipeline.Options{
		Classifier: holder,
		Explainer:  adapter,
		Limiter:    limiter,
		Audit:      audit,
		Metrics:    metrics,
		Publisher:  opts.Publisher,
		Logger:     log,
		MaxBatch:   cfg.Batch.MaxRows,
	})
	if err != nil {
		audit.Close()
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   log,
		Audit:    audit,
		Model:    holder,
		Limiter:  limiter,
		Metrics:  metrics,
		Pipeline: p,
	}

	if opts.Watch {
		w, err := ml.NewWatcher(holder, cfg.Model.Type, cfg.Model.Path, log)
		if err != nil {
			log.Warn("model watcher disabled", zap.Error(err))
		} else {
			w.Start()
			app.watcher = w
		}
	}
	return app, nil
}

func (a *App) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	errs = append(errs, a.Audit.Close())
	a.Logger.Sync()
	return errors.Join(errs...)
}
