// Package api implements the control plane's HTTP surface: task and
// worker inspection/management, and the enrollment endpoint Workers use
// to bootstrap their mTLS certificate.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/filipelabs/taskrun/internal/common/apierr"
	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/identity"
	"github.com/filipelabs/taskrun/internal/scheduler"
	"github.com/filipelabs/taskrun/internal/state"
)

// Handler bundles the collaborators every route needs.
type Handler struct {
	store     *state.StateStore
	scheduler *scheduler.Scheduler
	identity  *identity.Store
	log       *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(store *state.StateStore, sched *scheduler.Scheduler, identityStore *identity.Store, log *logger.Logger) *Handler {
	return &Handler{store: store, scheduler: sched, identity: identityStore, log: log}
}

// SetupRoutes registers every route under router.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	router.POST("/tasks", h.CreateTask)
	router.GET("/tasks", h.ListTasks)
	router.GET("/tasks/:id", h.GetTask)
	router.POST("/tasks/:id/cancel", h.CancelTask)
	router.POST("/tasks/:id/continue", h.ContinueTask)

	router.GET("/workers", h.ListWorkers)
	router.GET("/workers/:id", h.GetWorker)

	router.POST("/enroll", h.Enroll)

	router.POST("/admin/bootstrap-tokens", h.IssueBootstrapToken)
}

func respondErr(c *gin.Context, err *apierr.Error) {
	c.JSON(err.HTTPStatus, gin.H{"error": err})
}
