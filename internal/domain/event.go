package domain

import (
	"strconv"

	"github.com/filipelabs/taskrun/internal/ids"
)

// RunEvent is an append-only, structured lifecycle event for a Run.
type RunEvent struct {
	Id          ids.EventId
	RunId       ids.RunId
	TaskId      ids.TaskId
	EventType   RunEventType
	TimestampMs int64
	Metadata    map[string]string
}

func newRunEvent(runID ids.RunId, taskID ids.TaskId, eventType RunEventType, nowMs int64) RunEvent {
	return RunEvent{
		Id:          ids.NewEventId(),
		RunId:       runID,
		TaskId:      taskID,
		EventType:   eventType,
		TimestampMs: nowMs,
		Metadata:    map[string]string{},
	}
}

// ExecutionStartedEvent builds an ExecutionStarted RunEvent.
func ExecutionStartedEvent(runID ids.RunId, taskID ids.TaskId, nowMs int64) RunEvent {
	return newRunEvent(runID, taskID, EventExecutionStarted, nowMs)
}

// SessionInitializedEvent builds a SessionInitialized RunEvent, recording
// the model session id (used later for ContinueRun) and model name.
func SessionInitializedEvent(runID ids.RunId, taskID ids.TaskId, sessionID, model string, nowMs int64) RunEvent {
	e := newRunEvent(runID, taskID, EventSessionInitialized, nowMs)
	if sessionID != "" {
		e.Metadata["session_id"] = sessionID
	}
	if model != "" {
		e.Metadata["model"] = model
	}
	return e
}

// ToolRequestedEvent builds a ToolRequested RunEvent.
func ToolRequestedEvent(runID ids.RunId, taskID ids.TaskId, toolName string, nowMs int64) RunEvent {
	e := newRunEvent(runID, taskID, EventToolRequested, nowMs)
	e.Metadata["tool_name"] = toolName
	return e
}

// ToolCompletedEvent builds a ToolCompleted RunEvent.
func ToolCompletedEvent(runID ids.RunId, taskID ids.TaskId, isError bool, nowMs int64) RunEvent {
	e := newRunEvent(runID, taskID, EventToolCompleted, nowMs)
	e.Metadata["is_error"] = strconv.FormatBool(isError)
	return e
}

// OutputGeneratedEvent builds an OutputGenerated RunEvent.
func OutputGeneratedEvent(runID ids.RunId, taskID ids.TaskId, summary string, nowMs int64) RunEvent {
	e := newRunEvent(runID, taskID, EventOutputGenerated, nowMs)
	if summary != "" {
		e.Metadata["summary"] = summary
	}
	return e
}

// ExecutionCompletedEvent builds an ExecutionCompleted RunEvent.
func ExecutionCompletedEvent(runID ids.RunId, taskID ids.TaskId, durationMs int64, nowMs int64) RunEvent {
	e := newRunEvent(runID, taskID, EventExecutionCompleted, nowMs)
	if durationMs > 0 {
		e.Metadata["duration_ms"] = strconv.FormatInt(durationMs, 10)
	}
	return e
}

// ExecutionFailedEvent builds an ExecutionFailed RunEvent.
func ExecutionFailedEvent(runID ids.RunId, taskID ids.TaskId, errMsg string, nowMs int64) RunEvent {
	e := newRunEvent(runID, taskID, EventExecutionFailed, nowMs)
	if errMsg != "" {
		e.Metadata["error"] = errMsg
	}
	return e
}
