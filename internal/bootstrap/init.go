// AppDependencies build order
//     │
//     ├─ 1. create hot reload manager ──────────────────────┐
//     │                                                      │
//     ├─ 2. check VAD model file ── missing? ──→ return nil, err
//     │                                                      │
//     ├─ 3. create + initialise VAD pool ── failed? ─→ return nil, err
//     │                                                      │
//     ├─ 4. create session manager, start its sweeper        │
//     │                                                      │
//     ├─ 5. create admission pool with a worker-pool factory │
//     │                                                      │
//     ├─ 6. create rate limiter                              │
//     │                                                      │
//     └─ 7. assemble transcribe.Service, return AppDependencies ┘
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lingotrack/transcriber/config"
	"github.com/lingotrack/transcriber/internal/admission"
	"github.com/lingotrack/transcriber/internal/fetch"
	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/middleware"
	"github.com/lingotrack/transcriber/internal/pipeline"
	"github.com/lingotrack/transcriber/internal/progress"
	"github.com/lingotrack/transcriber/internal/sessionmgr"
	"github.com/lingotrack/transcriber/internal/transcribe"
	"github.com/lingotrack/transcriber/internal/vad"
	"github.com/lingotrack/transcriber/internal/worker"
)

// AppDependencies is the root dependency container for the application.
type AppDependencies struct {
	Config       *config.Config
	Sessions     *sessionmgr.Manager
	VADPool      *vad.Pool
	Admission    *admission.Pool
	RateLimiter  *middleware.RateLimiter
	Service      *transcribe.Service
	Progress     *progress.Hub
	HotReloadMgr *config.HotReloadManager
}

// Close tears down every long-lived resource: admission engines first
// (they hold the expensive subprocesses), then the VAD pool, then the
// session sweeper.
func (d *AppDependencies) Close(drainTimeout time.Duration) {
	d.Admission.Shutdown(drainTimeout)
	d.VADPool.Shutdown()
	d.Sessions.Stop()
}

// newWorkerFactory builds the admission.Factory closure: device selection
// for a given mode is a deterministic function of the static config, so
// the factory reads cfg directly rather than threading devices through
// the cache key.
func newWorkerFactory(cfg *config.Config) admission.Factory {
	return func(ctx context.Context, mode admission.Mode, key pipeline.ModelKey) (*admission.Engine, error) {
		devices := cfg.Devices()
		if mode == admission.ModeSingle && len(devices) > 0 {
			devices = devices[:1]
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("bootstrap: no devices configured for mode %s", mode)
		}

		workerCfg := worker.Config{
			BinaryPath:   cfg.Pool.BinaryPath,
			SpawnTimeout: time.Duration(cfg.Pool.SpawnTimeoutS) * time.Second,
			ModelName:    key.ModelName,
			Precision:    key.Precision,
		}
		restart := worker.RestartPolicy{Limit: cfg.Pool.RestartLimit}

		scratchDir := cfg.Session.SessionsRoot + "/.engines"
		pool := worker.NewPool(workerCfg, scratchDir, restart)
		if err := pool.Start(ctx, devices); err != nil {
			return nil, fmt.Errorf("bootstrap: start worker pool for %s/%s: %w", key.ModelName, key.Precision, err)
		}

		logger.Info("engine_built", "mode", mode, "model", key.ModelName, "precision", key.Precision, "devices", devices)
		return &admission.Engine{Mode: mode, ModelKey: key, Pool: pool}, nil
	}
}

// InitApp initializes every core component and returns the dependency
// container. All dependencies are explicitly created from the provided
// configuration; nothing here relies on package-level globals besides the
// logger, which is initialised first so every subsequent step can log.
func InitApp(ctx context.Context, cfg *config.Config, configPath string) (*AppDependencies, error) {
	logger.Info("initializing_components")

	hotReloadMgr := config.NewHotReloadManager(cfg, configPath)
	hotReloadMgr.OnChange(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Logging.Level)
		logger.Info("configuration_reloaded",
			"log_level", newCfg.Logging.Level,
			"max_sessions", newCfg.Admission.MaxSessions,
			"rate_limit_enabled", newCfg.RateLimit.Enabled,
		)
	})
	if err := hotReloadMgr.StartWatching(); err != nil {
		logger.Warn("failed_to_start_config_file_watching", "error", err)
	}

	if _, err := os.Stat(cfg.VAD.ModelPath); os.IsNotExist(err) {
		logger.Error("vad_model_file_not_found", "model_path", cfg.VAD.ModelPath)
		return nil, fmt.Errorf("vad model file not found: %s", cfg.VAD.ModelPath)
	}

	logger.Info("initializing_vad_pool", "pool_size", cfg.VAD.PoolSize)
	vadPool := vad.NewPool(vad.Config{
		ModelPath:         cfg.VAD.ModelPath,
		Threshold:         cfg.VAD.Threshold,
		MinSilenceS:       cfg.VAD.MinSilenceS,
		MinRegionS:        cfg.VAD.MinRegionS,
		BufferSizeSeconds: cfg.VAD.BufferSizeSeconds,
		PoolSize:          cfg.VAD.PoolSize,
	})
	if err := vadPool.Initialize(); err != nil {
		logger.Error("failed_to_initialize_vad_pool", "error", err)
		return nil, fmt.Errorf("failed to initialize vad pool: %w", err)
	}

	logger.Info("initializing_session_manager")
	sessions, err := sessionmgr.NewManager(sessionmgr.Config{
		SessionsRoot:  cfg.Session.SessionsRoot,
		DownloadsRoot: cfg.Session.DownloadsRoot,
		OutputsRoot:   cfg.Session.OutputsRoot,
		SweepInterval: time.Duration(cfg.Session.SweepIntervalS) * time.Second,
		SweepMaxAge:   time.Duration(cfg.Session.SweepMaxAgeS) * time.Second,
	})
	if err != nil {
		logger.Error("failed_to_initialize_session_manager", "error", err)
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	sessions.StartSweeper()

	logger.Info("initializing_admission_pool", "max_sessions", cfg.Admission.MaxSessions)
	admissionPool := admission.NewPool(cfg.Admission.MaxSessions, newWorkerFactory(cfg))

	if cfg.Pool.Preload {
		modelKey := pipeline.ModelKey{ModelName: cfg.Pool.ModelName, Precision: cfg.Pool.Precision}
		mode := admission.ModeSingle
		if len(cfg.Devices()) > 1 {
			mode = admission.ModeParallel
		}
		handle, err := admissionPool.Acquire(ctx, mode, modelKey)
		if err != nil {
			logger.Warn("preload_failed", "error", err)
		} else {
			logger.Info("preload_complete", "mode", mode, "model", modelKey.ModelName)
			handle.Release()
		}
	}

	logger.Info("initializing_rate_limiter",
		"requests_per_second", cfg.RateLimit.RequestsPerSecond,
		"max_connections", cfg.RateLimit.MaxConnections,
	)
	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.Enabled,
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.BurstSize,
		cfg.RateLimit.MaxConnections,
	)

	service := &transcribe.Service{
		Config:    cfg,
		Sessions:  sessions,
		Admission: admissionPool,
		VAD:       vadPool,
		Fetcher:   fetch.NewHTTPFetcher(),
		Converter: nil, // script conversion is an external collaborator; none wired by default
		Progress:  progress.NewHub(cfg.Session.SendQueueSize),
	}

	logger.Info("all_components_initialized_successfully")
	return &AppDependencies{
		Config:       cfg,
		Sessions:     sessions,
		VADPool:      vadPool,
		Admission:    admissionPool,
		RateLimiter:  rateLimiter,
		Service:      service,
		Progress:     service.Progress,
		HotReloadMgr: hotReloadMgr,
	}, nil
}
