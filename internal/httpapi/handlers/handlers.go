package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/ports"
	"blendfarm/internal/repositories"
	"blendfarm/internal/sandbox"
)

type Deps struct {
	Pool      *pgxpool.Pool
	RDB       *redis.Client
	SP        ports.StorageProvider
	Sandboxes sandbox.Client
	QueueName string
	Log       *logger.Logger
}

type Handler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	sp        ports.StorageProvider
	sandboxes sandbox.Client
	runs      *repositories.RunRepository
	queueName string
	log       *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		pool:      d.Pool,
		rdb:       d.RDB,
		sp:        d.SP,
		sandboxes: d.Sandboxes,
		runs:      repositories.NewRunRepository(d.Pool),
		queueName: d.QueueName,
		log:       log.WithComponent("httpapi"),
	}
}
