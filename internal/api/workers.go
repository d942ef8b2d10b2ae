package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filipelabs/taskrun/internal/common/apierr"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
)

// GetWorker handles GET /v1/workers/:id.
func (h *Handler) GetWorker(c *gin.Context) {
	w, err := h.store.GetWorker(ids.WorkerId(c.Param("id")))
	if err != nil {
		respondErr(c, apierr.NotFound("worker not found"))
		return
	}
	c.JSON(http.StatusOK, newWorkerDTO(w))
}

// ListWorkers handles GET /v1/workers?agent=&status=.
func (h *Handler) ListWorkers(c *gin.Context) {
	var statusFilter *domain.WorkerStatus
	if raw := c.Query("status"); raw != "" {
		s := domain.WorkerStatus(raw)
		statusFilter = &s
	}

	workers := h.store.ListWorkers(c.Query("agent"), statusFilter)
	dtos := make([]WorkerDTO, 0, len(workers))
	for _, w := range workers {
		dtos = append(dtos, newWorkerDTO(w))
	}
	c.JSON(http.StatusOK, gin.H{"workers": dtos})
}
