package api

import (
	"github.com/filipelabs/taskrun/internal/domain"
)

// TaskDTO is the wire representation of a domain.Task.
type TaskDTO struct {
	Id        string            `json:"id"`
	AgentName string            `json:"agent_name"`
	InputJSON string            `json:"input_json"`
	Status    domain.TaskStatus `json:"status"`
	CreatedBy string            `json:"created_by"`
	CreatedAt string            `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
	Runs      []RunSummaryDTO   `json:"runs"`
}

// RunSummaryDTO is the wire representation of a domain.RunSummary.
type RunSummaryDTO struct {
	RunId        string               `json:"run_id"`
	WorkerId     string               `json:"worker_id"`
	Status       domain.RunStatus     `json:"status"`
	StartedAt    *string              `json:"started_at,omitempty"`
	FinishedAt   *string              `json:"finished_at,omitempty"`
	BackendUsed  *domain.ModelBackend `json:"backend_used,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

func newTaskDTO(t domain.Task) TaskDTO {
	runs := make([]RunSummaryDTO, 0, len(t.Runs))
	for _, r := range t.Runs {
		runs = append(runs, newRunSummaryDTO(r))
	}
	return TaskDTO{
		Id:        t.Id.String(),
		AgentName: t.AgentName,
		InputJSON: t.InputJSON,
		Status:    t.Status,
		CreatedBy: t.CreatedBy,
		CreatedAt: t.CreatedAt.Format(rfc3339),
		Labels:    t.Labels,
		Runs:      runs,
	}
}

func newRunSummaryDTO(r domain.RunSummary) RunSummaryDTO {
	dto := RunSummaryDTO{
		RunId:        r.RunId.String(),
		WorkerId:     r.WorkerId.String(),
		Status:       r.Status,
		BackendUsed:  r.BackendUsed,
		ErrorMessage: r.ErrorMessage,
	}
	if r.StartedAt != nil {
		s := r.StartedAt.Format(rfc3339)
		dto.StartedAt = &s
	}
	if r.FinishedAt != nil {
		s := r.FinishedAt.Format(rfc3339)
		dto.FinishedAt = &s
	}
	return dto
}

// WorkerDTO is the wire representation of a domain.ConnectedWorker.
type WorkerDTO struct {
	WorkerId          string              `json:"worker_id"`
	Hostname          string              `json:"hostname"`
	Version           string              `json:"version"`
	Agents            []domain.AgentSpec  `json:"agents"`
	Status            domain.WorkerStatus `json:"status"`
	ActiveRuns        uint32              `json:"active_runs"`
	MaxConcurrentRuns uint32              `json:"max_concurrent_runs"`
	LastHeartbeat     string              `json:"last_heartbeat"`
	Metrics           map[string]string   `json:"metrics,omitempty"`
}

func newWorkerDTO(w domain.ConnectedWorker) WorkerDTO {
	return WorkerDTO{
		WorkerId:          w.Info.WorkerId.String(),
		Hostname:          w.Info.Hostname,
		Version:           w.Info.Version,
		Agents:            w.Info.Agents,
		Status:            w.Status,
		ActiveRuns:        w.ActiveRuns,
		MaxConcurrentRuns: w.MaxConcurrentRuns,
		LastHeartbeat:     w.LastHeartbeat.Format(rfc3339),
		Metrics:           w.Metrics,
	}
}

const rfc3339 = "2006-01-02T15:04:05.000Z07:00"
