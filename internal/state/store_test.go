package state

import (
	"strings"
	"testing"
	"time"

	"github.com/filipelabs/taskrun/internal/bus"
	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return New(bus.NewStreamBus(), bus.NewUiBus(log), log)
}

func TestCreateTask_StartsPendingWithNoRuns(t *testing.T) {
	s := newTestStore(t)
	task := s.CreateTask("general", "{}", "alice", nil)

	if task.Status != domain.TaskPending {
		t.Fatalf("got status %s, want %s", task.Status, domain.TaskPending)
	}
	if len(task.Runs) != 0 {
		t.Fatalf("got %d runs, want 0", len(task.Runs))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTask(ids.TaskId("missing")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAssignRun_PromotesTaskToRunning(t *testing.T) {
	s := newTestStore(t)
	task := s.CreateTask("general", "{}", "alice", nil)

	updated, err := s.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.TaskRunning {
		t.Fatalf("got status %s, want %s", updated.Status, domain.TaskRunning)
	}
	if len(updated.Runs) != 1 || updated.Runs[0].Status != domain.RunAssigned {
		t.Fatalf("unexpected runs: %+v", updated.Runs)
	}

	taskID, err := s.TaskIDForRun("run-1")
	if err != nil || taskID != task.Id {
		t.Fatalf("side index lookup failed: %v %v", taskID, err)
	}
}

func TestUnassignRun_RevertsToPending(t *testing.T) {
	s := newTestStore(t)
	task := s.CreateTask("general", "{}", "alice", nil)
	s.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))

	s.UnassignRun(task.Id, ids.RunId("run-1"))

	updated, err := s.GetTask(task.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Runs) != 0 {
		t.Fatalf("got %d runs, want 0 after unassign", len(updated.Runs))
	}
	if updated.Status != domain.TaskPending {
		t.Fatalf("got status %s, want %s", updated.Status, domain.TaskPending)
	}
	if _, err := s.TaskIDForRun("run-1"); err != ErrNotFound {
		t.Fatal("expected side index entry to be removed")
	}
}

func TestApplyStatusUpdate_HappyPath(t *testing.T) {
	s := newTestStore(t)
	task := s.CreateTask("general", "{}", "alice", nil)
	s.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))
	s.RegisterWorker(domain.NewWorkerInfo("w1", "host-1"), 1, make(chan interface{}, 1))
	s.WithWorkerLock("w1", func(w *domain.ConnectedWorker) bool { w.ActiveRuns = 1; return true })

	now := time.Now().UTC().UnixMilli()
	s.ApplyStatusUpdate("run-1", domain.RunRunning, "", nil, now)

	task, _ = s.GetTask(task.Id)
	if task.Status != domain.TaskRunning {
		t.Fatalf("got %s, want %s", task.Status, domain.TaskRunning)
	}
	run := task.FindRun("run-1")
	if run.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}

	s.ApplyStatusUpdate("run-1", domain.RunCompleted, "", nil, now+1000)

	task, _ = s.GetTask(task.Id)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("got %s, want %s", task.Status, domain.TaskCompleted)
	}
	run = task.FindRun("run-1")
	if run.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}

	w, _ := s.GetWorker("w1")
	if w.ActiveRuns != 0 {
		t.Fatalf("got active_runs=%d, want 0", w.ActiveRuns)
	}
}

func TestApplyStatusUpdate_IgnoresTerminalUpdateAfterCancel(t *testing.T) {
	s := newTestStore(t)
	task := s.CreateTask("general", "{}", "alice", nil)
	s.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))
	s.RegisterWorker(domain.NewWorkerInfo("w1", "host-1"), 1, make(chan interface{}, 1))

	if _, err := s.CancelTask(task.Id); err != nil {
		t.Fatal(err)
	}

	s.ApplyStatusUpdate("run-1", domain.RunCompleted, "", nil, time.Now().UnixMilli())

	task, _ = s.GetTask(task.Id)
	run := task.FindRun("run-1")
	if run.Status != domain.RunCancelled {
		t.Fatalf("got %s, want cancellation to stick", run.Status)
	}
}

func TestApplyStatusUpdate_UnknownRunIsDropped(t *testing.T) {
	s := newTestStore(t)
	s.ApplyStatusUpdate("nonexistent", domain.RunRunning, "", nil, time.Now().UnixMilli())
}

func TestCancelTask_AlreadyTerminal(t *testing.T) {
	s := newTestStore(t)
	task := s.CreateTask("general", "{}", "alice", nil)
	s.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))
	s.ApplyStatusUpdate("run-1", domain.RunCompleted, "", nil, time.Now().UnixMilli())

	if _, err := s.CancelTask(task.Id); err != ErrAlreadyTerminal {
		t.Fatalf("got %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CancelTask(ids.TaskId("missing")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRegisterDeregisterWorker(t *testing.T) {
	s := newTestStore(t)
	s.RegisterWorker(domain.NewWorkerInfo("w1", "host-1"), 2, make(chan interface{}, 1))

	w, err := s.GetWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.WorkerIdle {
		t.Fatalf("got status %s, want %s", w.Status, domain.WorkerIdle)
	}

	s.DeregisterWorker("w1")
	if _, err := s.GetWorker("w1"); err != ErrNotFound {
		t.Fatal("expected worker to be removed")
	}
	// Idempotent: a second deregister must not panic on the closed channel.
	s.DeregisterWorker("w1")
}

func TestApplyHeartbeat_UnknownWorkerIgnored(t *testing.T) {
	s := newTestStore(t)
	s.ApplyHeartbeat("ghost", domain.WorkerBusy, 1, 2, nil)
	if _, err := s.GetWorker("ghost"); err != ErrNotFound {
		t.Fatal("heartbeat must not retroactively register a worker")
	}
}

func TestAppendOutput_CapsAt50KB(t *testing.T) {
	s := newTestStore(t)
	runID := ids.RunId("run-1")

	chunk := strings.Repeat("a", 40*1024)
	s.AppendOutput(runID, "task-1", 0, chunk, false, 0)
	s.AppendOutput(runID, "task-1", 1, chunk, false, 0)

	out := s.GetOutput(runID)
	if len(out) != maxOutputBytes {
		t.Fatalf("got %d bytes, want exactly %d", len(out), maxOutputBytes)
	}
	if !strings.HasSuffix(out, chunk) {
		t.Fatal("expected the most recent chunk to survive the cap")
	}
}

func TestAppendChat_CapsAtMaxMessages(t *testing.T) {
	s := newTestStore(t)
	runID := ids.RunId("run-1")

	for i := 0; i < maxChatMessages+10; i++ {
		s.AppendChat(runID, "task-1", domain.UserMessage("msg"))
	}

	history := s.GetChatHistory(runID)
	if len(history) != maxChatMessages {
		t.Fatalf("got %d messages, want exactly %d", len(history), maxChatMessages)
	}
}

func TestAppendEvent_PersistsToLog(t *testing.T) {
	s := newTestStore(t)
	event := domain.ExecutionStartedEvent("run-1", "task-1", time.Now().UnixMilli())
	s.AppendEvent(event)

	events := s.GetEvents("run-1")
	if len(events) != 1 || events[0].EventType != domain.EventExecutionStarted {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestListTasks_FiltersByStatusAndAgent(t *testing.T) {
	s := newTestStore(t)
	s.CreateTask("general", "{}", "alice", nil)
	support := s.CreateTask("support_triage", "{}", "bob", nil)
	s.AssignRun(support.Id, ids.RunId("run-1"), ids.WorkerId("w1"))

	running := domain.TaskRunning
	tasks := s.ListTasks(&running, "support_triage", 0)
	if len(tasks) != 1 || tasks[0].Id != support.Id {
		t.Fatalf("unexpected filtered tasks: %+v", tasks)
	}
}
