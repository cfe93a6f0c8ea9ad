package handlers

import (
	"context"

	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/coach"
	"github.com/thynklab/thynkbot/internal/config"
	"gorm.io/gorm"
)

// JobQueue enqueues asynchronous coaching turns. Satisfied by
// rabbitmq.Publisher; tests substitute a recording fake.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	CoachSvc    *coach.Service
	Broadcaster alerts.Broadcaster

	// Jobs is nil when the async turn queue is not configured.
	Jobs JobQueue
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *coach.Service, b alerts.Broadcaster, jobs JobQueue) *Handler {
	return &Handler{
		DB:          db,
		Cfg:         cfg,
		CoachSvc:    svc,
		Broadcaster: b,
		Jobs:        jobs,
	}
}
