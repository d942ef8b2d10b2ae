package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/filipelabs/taskrun/internal/common/apierr"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
	"github.com/filipelabs/taskrun/internal/state"
	"github.com/filipelabs/taskrun/internal/worker"
)

// createTaskRequest is the CreateTask request body (spec.md §6).
type createTaskRequest struct {
	AgentName string            `json:"agent_name" binding:"required"`
	InputJSON string            `json:"input_json"`
	CreatedBy string            `json:"created_by"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// CreateTask handles POST /v1/tasks. Task creation implicitly attempts
// assignment; failure to assign does not fail the request (spec.md §4.3).
func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierr.BadRequest(err.Error()))
		return
	}
	if req.AgentName == "" {
		respondErr(c, apierr.BadRequest("agent_name is required"))
		return
	}

	task := h.store.CreateTask(req.AgentName, req.InputJSON, req.CreatedBy, req.Labels)

	if _, err := h.scheduler.AssignTask(task.Id); err != nil {
		h.log.Info("task created without immediate assignment",
			zap.String("task_id", task.Id.String()), zap.Error(err))
	}

	updated, err := h.store.GetTask(task.Id)
	if err != nil {
		respondErr(c, apierr.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, newTaskDTO(updated))
}

// GetTask handles GET /v1/tasks/:id.
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.store.GetTask(ids.TaskId(c.Param("id")))
	if err != nil {
		respondErr(c, apierr.NotFound("task not found"))
		return
	}
	c.JSON(http.StatusOK, newTaskDTO(task))
}

// ListTasks handles GET /v1/tasks?status=&agent=&limit=.
func (h *Handler) ListTasks(c *gin.Context) {
	var statusFilter *domain.TaskStatus
	if raw := c.Query("status"); raw != "" {
		s := domain.TaskStatus(raw)
		statusFilter = &s
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	tasks := h.store.ListTasks(statusFilter, c.Query("agent"), limit)
	dtos := make([]TaskDTO, 0, len(tasks))
	for _, t := range tasks {
		dtos = append(dtos, newTaskDTO(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": dtos})
}

// CancelTask handles POST /v1/tasks/:id/cancel.
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := ids.TaskId(c.Param("id"))

	targets, err := h.store.CancelTask(taskID)
	switch err {
	case nil:
	case state.ErrNotFound:
		respondErr(c, apierr.NotFound("task not found"))
		return
	case state.ErrAlreadyTerminal:
		respondErr(c, &apierr.Error{Code: "failed_precondition", Message: "task already terminal", HTTPStatus: http.StatusConflict})
		return
	default:
		respondErr(c, apierr.Wrap(err))
		return
	}

	for _, t := range targets {
		h.sendCancelRun(t)
	}

	task, err := h.store.GetTask(taskID)
	if err != nil {
		respondErr(c, apierr.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, newTaskDTO(task))
}

// continueTaskRequest is the ContinueTask request body (spec.md §1,
// "mid-run follow-up prompts").
type continueTaskRequest struct {
	Message string `json:"message" binding:"required"`
}

// ContinueTask handles POST /v1/tasks/:id/continue: appends a follow-up
// user turn to the Task's latest active Run and forwards it to the
// owning Worker.
func (h *Handler) ContinueTask(c *gin.Context) {
	taskID := ids.TaskId(c.Param("id"))

	var req continueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierr.BadRequest(err.Error()))
		return
	}

	target, err := h.store.ContinueRun(taskID, domain.UserMessage(req.Message))
	switch err {
	case nil:
	case state.ErrNotFound:
		respondErr(c, apierr.NotFound("task not found"))
		return
	case state.ErrNoActiveRun:
		respondErr(c, &apierr.Error{Code: "failed_precondition", Message: "task has no active run", HTTPStatus: http.StatusConflict})
		return
	default:
		respondErr(c, apierr.Wrap(err))
		return
	}

	msg := worker.NewServerMessage(worker.ActionContinueRun, worker.ContinueRunPayload{
		RunId: target.RunId.String(),
		Message: worker.ChatMessageFields{
			Role:    domain.ChatRoleUser,
			Content: req.Message,
		},
	})
	h.store.WithWorkerLock(target.WorkerId, func(wk *domain.ConnectedWorker) bool {
		select {
		case wk.Outbound <- msg:
		default:
		}
		return true
	})

	task, err := h.store.GetTask(taskID)
	if err != nil {
		respondErr(c, apierr.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, newTaskDTO(task))
}

// sendCancelRun best-effort enqueues a CancelRun on the owning worker's
// outbound channel. A full or missing channel is not an error (spec.md
// §5: "A CancelRun MAY be lost if the Worker disconnects").
func (h *Handler) sendCancelRun(target state.CancelTarget) {
	msg := worker.NewServerMessage(worker.ActionCancelRun, worker.CancelRunPayload{
		RunId:  target.RunId.String(),
		Reason: "task cancelled",
	})
	h.store.WithWorkerLock(target.WorkerId, func(wk *domain.ConnectedWorker) bool {
		select {
		case wk.Outbound <- msg:
		default:
		}
		return true
	})
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errNotANumber = &apierr.Error{Code: "bad_request", Message: "not a number"}
