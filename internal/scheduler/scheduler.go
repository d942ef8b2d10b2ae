// Package scheduler implements task-to-worker assignment (spec.md §4.3).
package scheduler

import (
	"errors"
	"time"

	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
	"github.com/filipelabs/taskrun/internal/state"
	"github.com/filipelabs/taskrun/internal/worker"
	"go.uber.org/zap"
)

// ErrNoWorkersAvailable is returned when no ConnectedWorker satisfies the
// selection predicates.
var ErrNoWorkersAvailable = errors.New("no workers available")

// ErrSendFailed is returned when a worker was selected but the
// non-blocking outbound send to it failed.
var ErrSendFailed = errors.New("send to worker failed")

// Scheduler assigns Tasks to Workers. It holds no state of its own beyond
// a handle to the StateStore; all bookkeeping lives there.
type Scheduler struct {
	store *state.StateStore
	log   *logger.Logger
}

// New builds a Scheduler over store.
func New(store *state.StateStore, log *logger.Logger) *Scheduler {
	return &Scheduler{store: store, log: log}
}

// AssignTask implements assign_task(TaskId) -> RunId | NotFound |
// NoWorkersAvailable | SendFailed. Task creation calls this and tolerates
// failure; the Task simply stays Pending (spec.md §4.3).
func (s *Scheduler) AssignTask(taskID ids.TaskId) (ids.RunId, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return "", err
	}

	var chosen *domain.ConnectedWorker
	for _, w := range s.store.SnapshotWorkers() {
		if !w.Info.SupportsAgent(task.AgentName) {
			continue
		}
		if !w.CanAcceptRuns() {
			continue
		}
		chosen = w
		break
	}
	if chosen == nil {
		return "", ErrNoWorkersAvailable
	}

	runID := ids.NewRunId()
	workerID := chosen.Info.WorkerId

	// (a)-(c): create the Assigned RunSummary, append to Task.runs,
	// promote Task to Running, release the task lock — all inside
	// AssignRun, which returns before any worker lock is touched.
	if _, err := s.store.AssignRun(taskID, runID, workerID); err != nil {
		return "", err
	}

	nowMs := time.Now().UTC().UnixMilli()
	msg := worker.NewServerMessage(worker.ActionAssignRun, worker.AssignRunPayload{
		RunId:      string(runID),
		TaskId:     string(taskID),
		AgentName:  task.AgentName,
		InputJSON:  task.InputJSON,
		Labels:     task.Labels,
		IssuedAtMs: nowMs,
	})

	// (d): acquire the worker lock, increment active_runs, attempt a
	// non-blocking send; (e): revert on failure.
	sent := s.store.WithWorkerLock(workerID, func(w *domain.ConnectedWorker) bool {
		w.ActiveRuns++
		select {
		case w.Outbound <- msg:
			return true
		default:
			w.ActiveRuns--
			return false
		}
	})

	if !sent {
		s.store.UnassignRun(taskID, runID)
		s.log.Warn("assign send failed, reverted",
			zap.String("task_id", taskID.String()),
			zap.String("run_id", runID.String()),
			zap.String("worker_id", workerID.String()),
		)
		return "", ErrSendFailed
	}

	return runID, nil
}
