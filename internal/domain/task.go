package domain

import (
	"time"

	"github.com/filipelabs/taskrun/internal/ids"
)

// RunSummary is one attempt to execute a Task on a specific Worker.
type RunSummary struct {
	RunId        ids.RunId
	WorkerId     ids.WorkerId
	Status       RunStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	BackendUsed  *ModelBackend
	ErrorMessage string
}

// NewRunSummary creates a RunSummary in its initial Pending state. The
// Scheduler immediately overrides this to Assigned once the run is
// appended to its Task.
func NewRunSummary(runID ids.RunId, workerID ids.WorkerId) RunSummary {
	return RunSummary{
		RunId:    runID,
		WorkerId: workerID,
		Status:   RunPending,
	}
}

// Task is a user-visible unit of work that produces zero or more Runs.
type Task struct {
	Id          ids.TaskId
	AgentName   string
	InputJSON   string
	Status      TaskStatus
	CreatedBy   string
	CreatedAt   time.Time
	Labels      map[string]string
	Runs        []RunSummary
}

// NewTask creates a Pending Task with no runs.
func NewTask(agentName, inputJSON, createdBy string) *Task {
	return &Task{
		Id:        ids.NewTaskId(),
		AgentName: agentName,
		InputJSON: inputJSON,
		Status:    TaskPending,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Labels:    map[string]string{},
		Runs:      nil,
	}
}

// IsTerminal reports whether the Task's own status is terminal.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// LatestRun returns the most recently appended RunSummary, if any.
func (t *Task) LatestRun() *RunSummary {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[len(t.Runs)-1]
}

// FindRun returns a pointer into t.Runs for the given RunId, if present.
// Callers must hold whatever lock guards the Task while using the pointer.
func (t *Task) FindRun(runID ids.RunId) *RunSummary {
	for i := range t.Runs {
		if t.Runs[i].RunId == runID {
			return &t.Runs[i]
		}
	}
	return nil
}

// DeriveStatus recomputes the Task's status from its Runs, implementing
// the rigorous rule in spec.md §4.2 rather than the original's
// first-terminal-wins heuristic (see DESIGN.md for the rationale).
//
// wasCancelled must be true if the task was ever explicitly cancelled;
// cancellation sticks regardless of what its runs later report.
func DeriveStatus(runs []RunSummary, wasCancelled bool) TaskStatus {
	if wasCancelled {
		return TaskCancelled
	}

	anyRunning := false
	allTerminal := len(runs) > 0
	anyCompleted := false
	allFailed := len(runs) > 0

	for _, r := range runs {
		if r.Status == RunRunning {
			anyRunning = true
		}
		if !r.Status.IsTerminal() {
			allTerminal = false
		}
		if r.Status == RunCompleted {
			anyCompleted = true
		}
		if r.Status != RunFailed {
			allFailed = false
		}
	}

	switch {
	case anyRunning:
		return TaskRunning
	case allTerminal && anyCompleted:
		return TaskCompleted
	case allTerminal && allFailed:
		return TaskFailed
	default:
		return TaskPending
	}
}
