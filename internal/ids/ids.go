// Package ids defines the opaque identifier newtypes used throughout the
// control plane: TaskId, RunId, WorkerId, EventId.
package ids

import "github.com/google/uuid"

// TaskId identifies a Task.
type TaskId string

// RunId identifies a Run.
type RunId string

// WorkerId identifies a Worker.
type WorkerId string

// EventId identifies a RunEvent.
type EventId string

// NewTaskId generates a random TaskId.
func NewTaskId() TaskId { return TaskId(uuid.New().String()) }

// NewRunId generates a random RunId.
func NewRunId() RunId { return RunId(uuid.New().String()) }

// NewWorkerId generates a random WorkerId.
func NewWorkerId() WorkerId { return WorkerId(uuid.New().String()) }

// NewEventId generates a random EventId.
func NewEventId() EventId { return EventId(uuid.New().String()) }

func (t TaskId) String() string   { return string(t) }
func (r RunId) String() string    { return string(r) }
func (w WorkerId) String() string { return string(w) }
func (e EventId) String() string  { return string(e) }
