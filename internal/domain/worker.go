package domain

import (
	"time"

	"github.com/filipelabs/taskrun/internal/ids"
)

// WorkerInfo is the self-description a Worker sends in its Hello message.
type WorkerInfo struct {
	WorkerId ids.WorkerId      `json:"worker_id"`
	Hostname string            `json:"hostname"`
	Version  string            `json:"version"`
	Agents   []AgentSpec       `json:"agents"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// NewWorkerInfo builds a WorkerInfo with empty agent/label sets.
func NewWorkerInfo(workerID ids.WorkerId, hostname string) WorkerInfo {
	return WorkerInfo{
		WorkerId: workerID,
		Hostname: hostname,
		Version:  BuildVersion,
		Agents:   nil,
		Labels:   map[string]string{},
	}
}

// SupportsAgent reports whether the worker advertised the named agent.
func (w WorkerInfo) SupportsAgent(name string) bool {
	for _, a := range w.Agents {
		if a.Name == name {
			return true
		}
	}
	return false
}

// GetAgent returns the AgentSpec for name, if advertised.
func (w WorkerInfo) GetAgent(name string) (AgentSpec, bool) {
	for _, a := range w.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// BuildVersion is reported in WorkerInfo.Version when a worker self-builds
// one is not otherwise available; it is overridden by ldflags in release
// builds of the worker binary, which lives outside this module's scope.
const BuildVersion = "dev"

// ConnectedWorker is the StateStore's live record of an authenticated
// worker session. It is exclusively owned by the StateStore; the
// WorkerSession holds the Outbound sender for the lifetime of the stream
// and the StateStore removes the entry on any termination path.
type ConnectedWorker struct {
	Info              WorkerInfo
	Status            WorkerStatus
	ActiveRuns        uint32
	MaxConcurrentRuns uint32
	LastHeartbeat     time.Time
	Metrics           map[string]string

	// Outbound is the channel a WorkerSession drains to deliver
	// ServerMessages to the worker. Capacity 32 per spec.md §4.1/§5.
	Outbound chan interface{}
}

// CanAcceptRuns reports whether this worker's status allows new runs and
// it has spare capacity (ActiveRuns below MaxConcurrentRuns).
func (c *ConnectedWorker) CanAcceptRuns() bool {
	return c.Status.CanAcceptRuns() && c.ActiveRuns < c.MaxConcurrentRuns
}
