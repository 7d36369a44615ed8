package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inkbound/bindery/internal/api"
	"github.com/inkbound/bindery/internal/artifact"
	"github.com/inkbound/bindery/internal/connectors"
	"github.com/inkbound/bindery/internal/job"
	"github.com/inkbound/bindery/internal/pipeline"
	"github.com/inkbound/bindery/internal/policy"
	"github.com/inkbound/bindery/internal/upload"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("bindery exited")
	}
}

func run() error {
	ctx := context.Background()
	logger := log.With().Str("service", "bindery").Logger()

	dataDir := env("DATA_DIR", "./data")
	outputs, err := artifact.NewDir(filepath.Join(dataDir, "outputs"))
	if err != nil {
		return fmt.Errorf("create outputs dir: %w", err)
	}
	chunks, err := upload.NewChunkStore(dataDir)
	if err != nil {
		return fmt.Errorf("create chunk store: %w", err)
	}

	var sessionStore upload.SessionStore
	var jobStore job.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := upload.MigrateSessions(ctx, pool); err != nil {
			return fmt.Errorf("migrate sessions: %w", err)
		}
		if err := job.MigrateJobs(ctx, pool); err != nil {
			return fmt.Errorf("migrate jobs: %w", err)
		}
		sessionStore = upload.NewPGStore(pool)
		jobStore = job.NewPGStore(pool)
		logger.Info().Msg("using postgres-backed stores")
	} else {
		fs, err := upload.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("create session store: %w", err)
		}
		jfs, err := job.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("create job store: %w", err)
		}
		sessionStore = fs
		jobStore = jfs
		logger.Info().Str("data_dir", dataDir).Msg("using filesystem stores")
	}

	conns := connectors.LoadFromEnv(ctx, logger)
	strict := boolEnv("CONNECTOR_STRICT", false)

	uploads := upload.NewManager(upload.ManagerConfig{
		Store:      sessionStore,
		Chunks:     chunks,
		Policy:     policy.FromEnv(),
		Outputs:    outputs,
		ChunkSize:  int64Env("UPLOAD_CHUNK_BYTES", upload.DefaultChunkSize),
		Connectors: conns,
		Strict:     strict,
		Logger:     logger,
	})

	coord, err := job.NewCoordinator(job.CoordinatorConfig{
		Store:        jobStore,
		WorkRoot:     filepath.Join(dataDir, "work"),
		Outputs:      outputs,
		StageTimeout: durationEnv("STAGE_TIMEOUT", job.DefaultStageTimeout),
		Workers:      intEnv("JOB_WORKERS", 4),
		QueueDepth:   intEnv("JOB_QUEUE_DEPTH", 64),
		Connectors:   conns,
		Strict:       strict,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	tools := pipeline.NewRegistry(
		&http.Client{Timeout: durationEnv("MODEL_TIMEOUT", 90*time.Second)},
		os.Getenv("STORYBOARD_MODEL_URL"),
	)

	startReapers(ctx, logger, uploads, coord,
		durationEnv("UPLOAD_TTL", 24*time.Hour),
		durationEnv("JOB_TTL", job.DefaultJobTTL))

	server := api.NewServer(api.ServerConfig{
		Uploads:       uploads,
		Coord:         coord,
		Jobs:          jobStore,
		Tools:         tools,
		Outputs:       outputs,
		Logger:        logger,
		MaxChunkBytes: int64Env("UPLOAD_MAX_CHUNK_BYTES", 0),
	})

	addr := env("LISTEN_ADDR", ":8080")
	logger.Info().Str("addr", addr).Msg("bindery listening")
	return http.ListenAndServe(addr, server.Router())
}

// startReapers runs the session and job TTL sweeps on fixed intervals.
func startReapers(ctx context.Context, logger zerolog.Logger, uploads *upload.Manager, coord *job.Coordinator, uploadTTL, jobTTL time.Duration) {
	interval := durationEnv("REAP_INTERVAL", 10*time.Minute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := uploads.ReapExpired(ctx, uploadTTL); err != nil {
				logger.Warn().Err(err).Msg("upload reap failed")
			}
			if _, err := coord.Sweep(ctx, jobTTL); err != nil {
				logger.Warn().Err(err).Msg("job sweep failed")
			}
		}
	}()
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	return def
}

func intEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func int64Env(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
