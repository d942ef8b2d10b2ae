package bus

import (
	"sync"

	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
	"go.uber.org/zap"

	"github.com/filipelabs/taskrun/internal/common/logger"
)

// uiSubChanCapacity is the per-subscriber buffer depth for the UiBus.
const uiSubChanCapacity = 256

// UiNotification is a coarse, process-wide event intended for UI/devtools
// dashboards; it is never used for correctness-bearing observation by
// Workers or the Scheduler (spec.md §4.5).
type UiNotification struct {
	Kind UiNotificationKind

	WorkerConnected    *WorkerConnectedPayload
	WorkerDisconnected *WorkerDisconnectedPayload
	WorkerHeartbeat    *WorkerHeartbeatPayload
	TaskCreated        *TaskCreatedPayload
	TaskStatusChanged  *TaskStatusChangedPayload
	RunStatusChanged   *RunStatusChangedPayload
	RunOutputChunk     *RunOutputChunkPayload
	RunEvent           *RunEventPayload
	ChatMessage        *ChatMessagePayload
}

// UiNotificationKind discriminates the UiNotification variants.
type UiNotificationKind string

const (
	UiWorkerConnected    UiNotificationKind = "worker_connected"
	UiWorkerDisconnected UiNotificationKind = "worker_disconnected"
	UiWorkerHeartbeat    UiNotificationKind = "worker_heartbeat"
	UiTaskCreated        UiNotificationKind = "task_created"
	UiTaskStatusChanged  UiNotificationKind = "task_status_changed"
	UiRunStatusChanged   UiNotificationKind = "run_status_changed"
	UiRunOutputChunk     UiNotificationKind = "run_output_chunk"
	UiRunEvent           UiNotificationKind = "run_event"
	UiChatMessage        UiNotificationKind = "chat_message"
)

type WorkerConnectedPayload struct {
	WorkerId ids.WorkerId
	Hostname string
	Agents   []domain.AgentSpec
}

type WorkerDisconnectedPayload struct {
	WorkerId ids.WorkerId
}

type WorkerHeartbeatPayload struct {
	WorkerId   ids.WorkerId
	Status     domain.WorkerStatus
	ActiveRuns uint32
}

type TaskCreatedPayload struct {
	TaskId ids.TaskId
	Agent  string
}

type TaskStatusChangedPayload struct {
	TaskId ids.TaskId
	Status domain.TaskStatus
}

type RunStatusChangedPayload struct {
	RunId  ids.RunId
	TaskId ids.TaskId
	Status domain.RunStatus
}

type RunOutputChunkPayload struct {
	RunId   ids.RunId
	TaskId  ids.TaskId
	Content string
}

type RunEventPayload struct {
	RunId     ids.RunId
	TaskId    ids.TaskId
	EventType domain.RunEventType
}

type ChatMessagePayload struct {
	RunId   ids.RunId
	TaskId  ids.TaskId
	Role    domain.ChatRole
	Content string
}

// UiBus is the single process-wide broadcast channel described in
// spec.md §4.5: bounded per-subscriber buffers, lagged subscribers
// dropped oldest-first with a warning, producers never block.
type UiBus struct {
	mu   sync.Mutex
	subs []chan UiNotification
	log  *logger.Logger
}

// NewUiBus builds an empty UiBus.
func NewUiBus(log *logger.Logger) *UiBus {
	return &UiBus{log: log.WithFields(zap.String("component", "ui-bus"))}
}

// Subscribe returns a fresh bounded channel of UiNotifications.
func (b *UiBus) Subscribe() <-chan UiNotification {
	ch := make(chan UiNotification, uiSubChanCapacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers n to every current subscriber. A subscriber whose
// buffer is full has its oldest buffered notification dropped to make
// room, so producers never block.
func (b *UiBus) Publish(n UiNotification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// Drop the oldest buffered notification, then retry once.
			select {
			case <-ch:
				b.log.Warn("ui bus subscriber lagging, dropped oldest notification")
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
}
