// Package worker implements the mTLS-authenticated bidirectional stream
// between the control plane and a connected Worker: the wire envelope,
// the per-connection session that demuxes it into StateStore/bus calls,
// and the TLS listener that authenticates incoming connections.
package worker

import (
	"encoding/json"
	"time"

	"github.com/filipelabs/taskrun/internal/domain"
)

// Action names the payload carried by a ClientMessage or ServerMessage,
// adapted from the generic envelope+action+raw-payload pattern used
// elsewhere in this codebase's WebSocket handling, specialized to the
// worker-stream's fixed C→S / S→C message set (spec.md §6).
type Action string

const (
	ActionHello        Action = "hello"
	ActionHeartbeat    Action = "heartbeat"
	ActionStatusUpdate Action = "status_update"
	ActionOutputChunk  Action = "output_chunk"
	ActionEvent        Action = "event"
	ActionChatMessage  Action = "chat_message"

	ActionAssignRun  Action = "assign_run"
	ActionCancelRun  Action = "cancel_run"
	ActionContinueRun Action = "continue_run"
	ActionAck        Action = "ack"
)

// ClientMessage is one envelope received from a Worker.
type ClientMessage struct {
	Action    Action          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ServerMessage is one envelope sent to a Worker.
type ServerMessage struct {
	Action    Action      `json:"action"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewServerMessage builds a ServerMessage stamped with the current time.
func NewServerMessage(action Action, payload interface{}) ServerMessage {
	return ServerMessage{Action: action, Payload: payload, Timestamp: time.Now().UTC()}
}

// ParsePayload decodes m's raw payload into v.
func (m *ClientMessage) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// HelloPayload is the Hello{info} message a Worker sends exactly once,
// as the first message on a new session.
type HelloPayload struct {
	Info domain.WorkerInfo `json:"info"`
}

// HeartbeatPayload is the periodic Heartbeat message.
type HeartbeatPayload struct {
	WorkerId          string            `json:"worker_id"`
	Status            domain.WorkerStatus `json:"status"`
	ActiveRuns        uint32            `json:"active_runs"`
	MaxConcurrentRuns uint32            `json:"max_concurrent_runs"`
	TimestampMs       int64             `json:"timestamp_ms"`
	Metrics           map[string]string `json:"metrics"`
}

// StatusUpdatePayload advances the matching RunSummary's status.
type StatusUpdatePayload struct {
	RunId        string               `json:"run_id"`
	Status       domain.RunStatus     `json:"status"`
	ErrorMessage string               `json:"error_message,omitempty"`
	BackendUsed  *domain.ModelBackend `json:"backend_used,omitempty"`
	TimestampMs  int64                `json:"timestamp_ms"`
}

// OutputChunkPayload appends to a Run's output buffer.
type OutputChunkPayload struct {
	RunId       string            `json:"run_id"`
	Seq         uint64            `json:"seq"`
	Content     string            `json:"content"`
	IsFinal     bool              `json:"is_final"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TimestampMs int64             `json:"timestamp_ms"`
}

// EventPayload carries one RunEvent as reported by the Worker.
type EventPayload struct {
	Id          string              `json:"id"`
	RunId       string              `json:"run_id"`
	TaskId      string              `json:"task_id"`
	EventType   domain.RunEventType `json:"event_type"`
	TimestampMs int64               `json:"timestamp_ms"`
	Metadata    map[string]string   `json:"metadata"`
}

// ChatMessagePayload appends one turn to a Run's chat history.
type ChatMessagePayload struct {
	RunId   string              `json:"run_id"`
	Message ChatMessageFields   `json:"message"`
}

// ChatMessageFields is the nested {role, content, timestamp_ms} structure
// of a RunChatMessage, per spec.md §6.
type ChatMessageFields struct {
	Role        domain.ChatRole `json:"role"`
	Content     string          `json:"content"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// AssignRunPayload instructs a Worker to begin executing a Run.
type AssignRunPayload struct {
	RunId       string            `json:"run_id"`
	TaskId      string            `json:"task_id"`
	AgentName   string            `json:"agent_name"`
	InputJSON   string            `json:"input_json"`
	Labels      map[string]string `json:"labels,omitempty"`
	IssuedAtMs  int64             `json:"issued_at_ms"`
	DeadlineMs  int64             `json:"deadline_ms,omitempty"`
}

// CancelRunPayload requests cooperative cancellation of a Run.
type CancelRunPayload struct {
	RunId  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// ContinueRunPayload carries a follow-up user turn within an existing
// session.
type ContinueRunPayload struct {
	RunId   string            `json:"run_id"`
	Message ChatMessageFields `json:"message"`
}

// AckPayload is an optional acknowledgement; not required for correctness.
type AckPayload struct {
	AckType string `json:"ack_type"`
	RefId   string `json:"ref_id"`
}
