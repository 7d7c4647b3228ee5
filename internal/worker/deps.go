package worker

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"blendfarm/internal/orchestrator"
	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/ports"
	"blendfarm/internal/sandbox"
)

type Deps struct {
	Pool      *pgxpool.Pool
	RDB       *redis.Client
	Sandboxes sandbox.Client
	SP        ports.StorageProvider
	QueueName string
	Config    orchestrator.Config
	Log       *logger.Logger
}
