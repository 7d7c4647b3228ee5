package main

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"blendfarm/internal/orchestrator"
	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/sandbox"
	"blendfarm/internal/storage"
	"blendfarm/internal/worker"
	"blendfarm/internal/worker/util"
)

func main() {
	ctx := context.Background()

	log := logger.New(logger.Config{
		Level:       util.Env("LOG_LEVEL", "info"),
		Format:      util.Env("LOG_FORMAT", "json"),
		ServiceName: "blendfarm-worker",
		AddSource:   util.BoolEnv("LOG_SOURCE", false),
	})

	dbURL := util.MustEnv("DATABASE_URL")
	redisAddr := util.MustEnv("REDIS_ADDR")
	sandboxAPIURL := util.MustEnv("SANDBOX_API_URL")
	sandboxAPIKey := util.MustEnv("SANDBOX_API_KEY")
	templateID := util.Env("SANDBOX_TEMPLATE_ID", "")
	queueName := util.Env("JOB_QUEUE_NAME", "blendfarm:renders")
	artifactDir := util.Env("ARTIFACT_DIR", "/data/renders")

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	cfg := orchestrator.Config{
		TemplateID:            templateID,
		RenderTimeoutSeconds:  intEnv("RENDER_TIMEOUT_SECONDS", 0),
		InspectTimeoutSeconds: intEnv("INSPECT_TIMEOUT_SECONDS", 0),
		PollInterval:          durationEnv("RENDER_POLL_INTERVAL", 0),
		MaxPolls:              intEnv("RENDER_MAX_POLLS", 0),
		ArtifactDir:           artifactDir,
	}

	deps := worker.Deps{
		Pool:      pool,
		RDB:       rdb,
		Sandboxes: sandbox.NewHTTPClient(sandboxAPIURL, sandboxAPIKey),
		SP:        sp,
		QueueName: queueName,
		Config:    cfg,
		Log:       log,
	}

	log.Info("blendfarm worker started", "queue", queueName)
	if err := worker.Run(ctx, deps); err != nil {
		log.LogFatal("worker stopped", err)
	}
}

// intEnv reads an integer env var; zero means "use the built-in default".
func intEnv(k string, def int) int {
	v := util.Env(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// durationEnv reads a Go duration string, e.g. "2m" or "30s".
func durationEnv(k string, def time.Duration) time.Duration {
	v := util.Env(k, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
