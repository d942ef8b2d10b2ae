// Package state implements the control plane's in-memory StateStore: the
// Task and Worker registries, per-Run output/event/chat buffers, and the
// run_id -> task_id side index that keeps StatusUpdate application O(1).
//
// Durable persistence is out of scope (spec.md §1 Non-goals); a future
// collaborator could back this interface with a database without changing
// any caller.
package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/filipelabs/taskrun/internal/bus"
	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
)

// ErrNotFound is returned when a Task, Run, or Worker id is unknown.
var ErrNotFound = errors.New("not found")

// ErrAlreadyTerminal is returned by CancelTask on a Task whose status is
// already terminal.
var ErrAlreadyTerminal = errors.New("already terminal")

const (
	// maxOutputBytes is the per-Run output buffer cap; the oldest bytes
	// are dropped on overflow (spec.md §4.1, §8).
	maxOutputBytes = 50 * 1024

	// maxChatMessages is the per-Run chat history cap.
	maxChatMessages = 100
)

// CancelTarget identifies a worker that must receive a CancelRun message
// as the result of a CancelTask call.
type CancelTarget struct {
	WorkerId ids.WorkerId
	RunId    ids.RunId
}

// outputBuffer is a byte ring that keeps at most maxOutputBytes, dropping
// the oldest bytes on overflow.
type outputBuffer struct {
	data []byte
}

func (b *outputBuffer) append(content string) {
	b.data = append(b.data, content...)
	if overflow := len(b.data) - maxOutputBytes; overflow > 0 {
		b.data = b.data[overflow:]
	}
}

func (b *outputBuffer) String() string {
	return string(b.data)
}

// taskEntry bundles a Task with the bookkeeping the store needs that isn't
// part of the public domain.Task shape.
type taskEntry struct {
	task         *domain.Task
	wasCancelled bool
}

// StateStore is the process-wide registry described by spec.md §4.2. Each
// top-level map is guarded by its own mutex; lock order when more than one
// is held is tasks -> workers -> tokens (identity.TokenStore owns the
// token map and is never locked from here, but callers composing both
// must respect the same order).
type StateStore struct {
	tasksMu sync.RWMutex
	tasks   map[ids.TaskId]*taskEntry
	runTask map[ids.RunId]ids.TaskId

	workersMu sync.RWMutex
	workers   map[ids.WorkerId]*domain.ConnectedWorker

	buffersMu sync.RWMutex
	outputs   map[ids.RunId]*outputBuffer
	events    map[ids.RunId][]domain.RunEvent
	chats     map[ids.RunId][]domain.ChatMessage

	streamBus *bus.StreamBus
	uiBus     *bus.UiBus
	log       *logger.Logger
}

// New builds an empty StateStore wired to the given buses.
func New(streamBus *bus.StreamBus, uiBus *bus.UiBus, log *logger.Logger) *StateStore {
	return &StateStore{
		tasks:     make(map[ids.TaskId]*taskEntry),
		runTask:   make(map[ids.RunId]ids.TaskId),
		workers:   make(map[ids.WorkerId]*domain.ConnectedWorker),
		outputs:   make(map[ids.RunId]*outputBuffer),
		events:    make(map[ids.RunId][]domain.RunEvent),
		chats:     make(map[ids.RunId][]domain.ChatMessage),
		streamBus: streamBus,
		uiBus:     uiBus,
		log:       log,
	}
}

// CreateTask inserts a new Pending Task with no runs.
func (s *StateStore) CreateTask(agentName, inputJSON, createdBy string, labels map[string]string) *domain.Task {
	task := domain.NewTask(agentName, inputJSON, createdBy)
	if labels != nil {
		task.Labels = labels
	}

	s.tasksMu.Lock()
	s.tasks[task.Id] = &taskEntry{task: task}
	s.tasksMu.Unlock()

	s.uiBus.Publish(bus.UiNotification{
		Kind:        bus.UiTaskCreated,
		TaskCreated: &bus.TaskCreatedPayload{TaskId: task.Id, Agent: task.AgentName},
	})

	return task
}

// GetTask returns a copy of the Task with id, or ErrNotFound.
func (s *StateStore) GetTask(id ids.TaskId) (domain.Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	entry, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return cloneTask(entry.task), nil
}

// ListTasks returns copies of all Tasks matching the optional filters, in
// unspecified order that can differ between calls, truncated to limit (0
// means unlimited); which matching Tasks survive the limit is not defined.
func (s *StateStore) ListTasks(statusFilter *domain.TaskStatus, agentFilter string, limit int) []domain.Task {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	var out []domain.Task
	for _, entry := range s.tasks {
		if statusFilter != nil && entry.task.Status != *statusFilter {
			continue
		}
		if agentFilter != "" && entry.task.AgentName != agentFilter {
			continue
		}
		out = append(out, cloneTask(entry.task))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CancelTask flips a Task and all of its active Runs to Cancelled and
// returns the (worker, run) pairs that need a CancelRun delivered. The
// caller must send CancelRun on each worker's outbound channel only after
// this call returns, since the task lock is released before it returns.
func (s *StateStore) CancelTask(id ids.TaskId) ([]CancelTarget, error) {
	now := time.Now().UTC()

	s.tasksMu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.tasksMu.Unlock()
		return nil, ErrNotFound
	}
	if entry.task.IsTerminal() {
		s.tasksMu.Unlock()
		return nil, ErrAlreadyTerminal
	}

	var targets []CancelTarget
	for i := range entry.task.Runs {
		run := &entry.task.Runs[i]
		if run.Status.IsTerminal() {
			continue
		}
		run.Status = domain.RunCancelled
		run.FinishedAt = &now
		targets = append(targets, CancelTarget{WorkerId: run.WorkerId, RunId: run.RunId})
	}
	entry.wasCancelled = true
	entry.task.Status = domain.DeriveStatus(entry.task.Runs, true)
	taskID := entry.task.Id
	s.tasksMu.Unlock()

	for _, t := range targets {
		s.decrementActiveRuns(t.WorkerId)
		s.streamBus.Publish(t.RunId, bus.StreamEvent{
			StatusUpdate: &bus.StreamStatusUpdate{Status: domain.RunCancelled, TimestampMs: now.UnixMilli()},
		})
		s.streamBus.ScheduleCleanup(t.RunId)
		s.uiBus.Publish(bus.UiNotification{
			Kind:             bus.UiRunStatusChanged,
			RunStatusChanged: &bus.RunStatusChangedPayload{RunId: t.RunId, TaskId: taskID, Status: domain.RunCancelled},
		})
	}
	s.uiBus.Publish(bus.UiNotification{
		Kind:              bus.UiTaskStatusChanged,
		TaskStatusChanged: &bus.TaskStatusChangedPayload{TaskId: taskID, Status: domain.TaskCancelled},
	})

	return targets, nil
}

// AssignRun appends a new Assigned RunSummary to the named Task and
// promotes the Task to Running. It is used by the Scheduler, which owns
// the rest of the assignment atomicity contract (spec.md §4.3).
func (s *StateStore) AssignRun(taskID ids.TaskId, runID ids.RunId, workerID ids.WorkerId) (domain.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	entry, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}

	run := domain.NewRunSummary(runID, workerID)
	run.Status = domain.RunAssigned
	entry.task.Runs = append(entry.task.Runs, run)
	entry.task.Status = domain.TaskRunning
	s.runTask[runID] = taskID

	return cloneTask(entry.task), nil
}

// UnassignRun removes the Assigned RunSummary added by a since-failed
// AssignRun attempt (Scheduler's SendFailed revert path) and recomputes
// the Task's status.
func (s *StateStore) UnassignRun(taskID ids.TaskId, runID ids.RunId) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	entry, ok := s.tasks[taskID]
	if !ok {
		return
	}
	kept := entry.task.Runs[:0]
	for _, r := range entry.task.Runs {
		if r.RunId == runID {
			continue
		}
		kept = append(kept, r)
	}
	entry.task.Runs = kept
	entry.task.Status = domain.DeriveStatus(entry.task.Runs, entry.wasCancelled)
	delete(s.runTask, runID)
}

// ApplyStatusUpdate advances the RunSummary identified by runID and
// recomputes the owning Task's status, per the transition table in
// spec.md §4.1. Updates for unknown runs, and any update (terminal or
// not) on a Run already Cancelled, are silently dropped.
func (s *StateStore) ApplyStatusUpdate(runID ids.RunId, newStatus domain.RunStatus, errorMessage string, backendUsed *domain.ModelBackend, nowMs int64) {
	now := time.UnixMilli(nowMs).UTC()

	s.tasksMu.Lock()
	taskID, ok := s.runTask[runID]
	if !ok {
		s.tasksMu.Unlock()
		s.log.Warn("status update for unknown run, dropping")
		return
	}
	entry := s.tasks[taskID]
	run := entry.task.FindRun(runID)
	if run == nil {
		s.tasksMu.Unlock()
		s.log.Warn("status update for run missing from its task, dropping")
		return
	}

	if run.Status == domain.RunCancelled {
		s.tasksMu.Unlock()
		return
	}

	if (run.Status == domain.RunPending || run.Status == domain.RunAssigned) && newStatus == domain.RunRunning {
		run.StartedAt = &now
	}
	run.Status = newStatus
	if newStatus.IsTerminal() {
		run.FinishedAt = &now
		if backendUsed != nil {
			run.BackendUsed = backendUsed
		}
		if errorMessage != "" {
			run.ErrorMessage = errorMessage
		}
	}
	entry.task.Status = domain.DeriveStatus(entry.task.Runs, entry.wasCancelled)
	workerID := run.WorkerId
	taskStatus := entry.task.Status
	s.tasksMu.Unlock()

	if newStatus.IsTerminal() {
		s.decrementActiveRuns(workerID)
	}

	s.streamBus.Publish(runID, bus.StreamEvent{
		StatusUpdate: &bus.StreamStatusUpdate{Status: newStatus, ErrorMessage: errorMessage, TimestampMs: nowMs},
	})
	s.uiBus.Publish(bus.UiNotification{
		Kind:             bus.UiRunStatusChanged,
		RunStatusChanged: &bus.RunStatusChangedPayload{RunId: runID, TaskId: taskID, Status: newStatus},
	})
	s.uiBus.Publish(bus.UiNotification{
		Kind:              bus.UiTaskStatusChanged,
		TaskStatusChanged: &bus.TaskStatusChangedPayload{TaskId: taskID, Status: taskStatus},
	})
	if newStatus.IsTerminal() {
		s.streamBus.ScheduleCleanup(runID)
	}
}

func (s *StateStore) decrementActiveRuns(workerID ids.WorkerId) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	if w.ActiveRuns > 0 {
		w.ActiveRuns--
	}
}

// RegisterWorker inserts a new ConnectedWorker for a worker that just sent
// Hello; it replaces any previous entry for the same WorkerId.
func (s *StateStore) RegisterWorker(info domain.WorkerInfo, maxConcurrentRuns uint32, outbound chan interface{}) {
	now := time.Now().UTC()

	s.workersMu.Lock()
	s.workers[info.WorkerId] = &domain.ConnectedWorker{
		Info:              info,
		Status:            domain.WorkerIdle,
		ActiveRuns:        0,
		MaxConcurrentRuns: maxConcurrentRuns,
		LastHeartbeat:     now,
		Metrics:           map[string]string{},
		Outbound:          outbound,
	}
	s.workersMu.Unlock()

	s.uiBus.Publish(bus.UiNotification{
		Kind: bus.UiWorkerConnected,
		WorkerConnected: &bus.WorkerConnectedPayload{
			WorkerId: info.WorkerId,
			Hostname: info.Hostname,
			Agents:   info.Agents,
		},
	})
}

// DeregisterWorker removes the ConnectedWorker for id, if present, closing
// its outbound channel. Safe to call more than once for the same id.
func (s *StateStore) DeregisterWorker(id ids.WorkerId) {
	s.workersMu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.workersMu.Unlock()

	if !ok {
		return
	}
	close(w.Outbound)

	s.uiBus.Publish(bus.UiNotification{
		Kind:               bus.UiWorkerDisconnected,
		WorkerDisconnected: &bus.WorkerDisconnectedPayload{WorkerId: id},
	})
}

// ApplyHeartbeat updates status/counters/last_heartbeat for a known
// worker. A heartbeat for an unknown WorkerId is logged and ignored; the
// store never registers a worker retroactively from a heartbeat.
func (s *StateStore) ApplyHeartbeat(workerID ids.WorkerId, status domain.WorkerStatus, activeRuns, maxConcurrentRuns uint32, metrics map[string]string) {
	s.workersMu.Lock()
	w, ok := s.workers[workerID]
	if !ok {
		s.workersMu.Unlock()
		s.log.Warn("heartbeat for unknown worker, dropping")
		return
	}
	w.Status = status
	w.ActiveRuns = activeRuns
	w.MaxConcurrentRuns = maxConcurrentRuns
	if metrics != nil {
		w.Metrics = metrics
	}
	w.LastHeartbeat = time.Now().UTC()
	s.workersMu.Unlock()

	s.uiBus.Publish(bus.UiNotification{
		Kind: bus.UiWorkerHeartbeat,
		WorkerHeartbeat: &bus.WorkerHeartbeatPayload{
			WorkerId:   workerID,
			Status:     status,
			ActiveRuns: activeRuns,
		},
	})
}

// GetWorker returns a copy of the ConnectedWorker for id, or ErrNotFound.
func (s *StateStore) GetWorker(id ids.WorkerId) (domain.ConnectedWorker, error) {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()

	w, ok := s.workers[id]
	if !ok {
		return domain.ConnectedWorker{}, ErrNotFound
	}
	return cloneWorker(w), nil
}

// ListWorkers returns copies of every ConnectedWorker matching the
// optional filters.
func (s *StateStore) ListWorkers(agentFilter string, statusFilter *domain.WorkerStatus) []domain.ConnectedWorker {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()

	var out []domain.ConnectedWorker
	for _, w := range s.workers {
		if agentFilter != "" && !w.Info.SupportsAgent(agentFilter) {
			continue
		}
		if statusFilter != nil && w.Status != *statusFilter {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	return out
}

// WithWorkerLock runs fn with the given worker's lock held and the
// ConnectedWorker pointer live, used by the Scheduler to perform the
// increment-then-send step of assignment atomically (spec.md §4.3).
func (s *StateStore) WithWorkerLock(id ids.WorkerId, fn func(w *domain.ConnectedWorker) bool) bool {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return false
	}
	return fn(w)
}

// SnapshotWorkers returns the live ConnectedWorker pointers in a stable
// order (sorted by WorkerId), used only by the Scheduler's selection
// pass. Callers must not mutate fields outside of WithWorkerLock.
func (s *StateStore) SnapshotWorkers() []*domain.ConnectedWorker {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()

	out := make([]*domain.ConnectedWorker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.WorkerId < out[j].Info.WorkerId })
	return out
}

// AppendOutput appends content to a Run's output buffer, capped at 50 KB
// with oldest-bytes-dropped overflow, and publishes it on the StreamBus
// and UiBus.
func (s *StateStore) AppendOutput(runID ids.RunId, taskID ids.TaskId, seq uint64, content string, isFinal bool, nowMs int64) {
	s.buffersMu.Lock()
	buf, ok := s.outputs[runID]
	if !ok {
		buf = &outputBuffer{}
		s.outputs[runID] = buf
	}
	buf.append(content)
	s.buffersMu.Unlock()

	s.streamBus.Publish(runID, bus.StreamEvent{
		OutputChunk: &bus.StreamOutputChunk{Seq: seq, Content: content, IsFinal: isFinal, TimestampMs: nowMs},
	})
	s.uiBus.Publish(bus.UiNotification{
		Kind:           bus.UiRunOutputChunk,
		RunOutputChunk: &bus.RunOutputChunkPayload{RunId: runID, TaskId: taskID, Content: content},
	})
}

// GetOutput returns the buffered output for runID, or "" if none.
func (s *StateStore) GetOutput(runID ids.RunId) string {
	s.buffersMu.RLock()
	defer s.buffersMu.RUnlock()

	buf, ok := s.outputs[runID]
	if !ok {
		return ""
	}
	return buf.String()
}

// AppendEvent persists a RunEvent to its Run's event log and emits a UI
// notification.
func (s *StateStore) AppendEvent(event domain.RunEvent) {
	s.buffersMu.Lock()
	s.events[event.RunId] = append(s.events[event.RunId], event)
	s.buffersMu.Unlock()

	s.uiBus.Publish(bus.UiNotification{
		Kind:     bus.UiRunEvent,
		RunEvent: &bus.RunEventPayload{RunId: event.RunId, TaskId: event.TaskId, EventType: event.EventType},
	})
}

// GetEvents returns the event log for runID.
func (s *StateStore) GetEvents(runID ids.RunId) []domain.RunEvent {
	s.buffersMu.RLock()
	defer s.buffersMu.RUnlock()
	return append([]domain.RunEvent(nil), s.events[runID]...)
}

// AppendChat appends a ChatMessage to a Run's history, evicting the
// oldest message once the cap is exceeded, and emits a UI notification.
func (s *StateStore) AppendChat(runID ids.RunId, taskID ids.TaskId, msg domain.ChatMessage) {
	s.buffersMu.Lock()
	history := append(s.chats[runID], msg)
	if overflow := len(history) - maxChatMessages; overflow > 0 {
		history = history[overflow:]
	}
	s.chats[runID] = history
	s.buffersMu.Unlock()

	s.uiBus.Publish(bus.UiNotification{
		Kind:        bus.UiChatMessage,
		ChatMessage: &bus.ChatMessagePayload{RunId: runID, TaskId: taskID, Role: msg.Role, Content: msg.Content},
	})
}

// GetChatHistory returns the chat history for runID.
func (s *StateStore) GetChatHistory(runID ids.RunId) []domain.ChatMessage {
	s.buffersMu.RLock()
	defer s.buffersMu.RUnlock()
	return append([]domain.ChatMessage(nil), s.chats[runID]...)
}

// ErrNoActiveRun is returned by ContinueRun when the Task has no Run that
// can accept a follow-up prompt.
var ErrNoActiveRun = errors.New("no active run")

// ContinueRun resolves taskID's latest active Run and records msg against
// its chat history, returning the {WorkerId, RunId} pair the caller (the
// API handler) forwards a ContinueRun message to.
func (s *StateStore) ContinueRun(taskID ids.TaskId, msg domain.ChatMessage) (CancelTarget, error) {
	s.tasksMu.RLock()
	entry, ok := s.tasks[taskID]
	if !ok {
		s.tasksMu.RUnlock()
		return CancelTarget{}, ErrNotFound
	}
	run := entry.task.LatestRun()
	if run == nil || !run.Status.IsActive() {
		s.tasksMu.RUnlock()
		return CancelTarget{}, ErrNoActiveRun
	}
	target := CancelTarget{WorkerId: run.WorkerId, RunId: run.RunId}
	s.tasksMu.RUnlock()

	s.AppendChat(target.RunId, taskID, msg)
	return target, nil
}

// TaskIDForRun resolves the owning TaskId for a RunId via the side index,
// or ErrNotFound.
func (s *StateStore) TaskIDForRun(runID ids.RunId) (ids.TaskId, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	taskID, ok := s.runTask[runID]
	if !ok {
		return "", ErrNotFound
	}
	return taskID, nil
}

func cloneTask(t *domain.Task) domain.Task {
	cp := *t
	cp.Runs = append([]domain.RunSummary(nil), t.Runs...)
	cp.Labels = cloneStringMap(t.Labels)
	return cp
}

func cloneWorker(w *domain.ConnectedWorker) domain.ConnectedWorker {
	cp := *w
	cp.Info.Agents = append([]domain.AgentSpec(nil), w.Info.Agents...)
	cp.Info.Labels = cloneStringMap(w.Info.Labels)
	cp.Metrics = cloneStringMap(w.Metrics)
	return cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
