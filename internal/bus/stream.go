// Package bus implements the control plane's two fan-out broadcast
// primitives: the per-Run StreamBus and the process-wide UiBus.
package bus

import (
	"sync"
	"time"

	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
)

// StreamEvent is one ordered event published for a single Run, carrying
// either a status transition or an output chunk (spec.md §4.4).
type StreamEvent struct {
	StatusUpdate *StreamStatusUpdate
	OutputChunk  *StreamOutputChunk
}

// StreamStatusUpdate mirrors a RunStatus transition.
type StreamStatusUpdate struct {
	Status       domain.RunStatus
	ErrorMessage string
	TimestampMs  int64
}

// StreamOutputChunk mirrors one OutputChunk message from a Worker.
type StreamOutputChunk struct {
	Seq         uint64
	Content     string
	IsFinal     bool
	TimestampMs int64
}

// streamSubChanCapacity is the per-subscriber buffer depth; slow
// subscribers are dropped rather than allowed to block producers.
const streamSubChanCapacity = 32

// streamCleanupGrace is how long a per-Run channel set survives after the
// Run reaches a terminal status, so late subscribers still observe the
// final events (spec.md §4.1, §4.4).
const streamCleanupGrace = 5 * time.Second

type streamSubscriber struct {
	ch     chan StreamEvent
	active bool
}

// StreamBus is the per-Run multi-subscriber broadcast described in
// spec.md §4.4, grounded on the teacher's WebSocket Hub (per-task client
// registry, bounded per-client send channel, drop-on-full semantics)
// generalized from connection objects to plain channels.
type StreamBus struct {
	mu   sync.Mutex
	runs map[ids.RunId][]*streamSubscriber
}

// NewStreamBus builds an empty StreamBus.
func NewStreamBus() *StreamBus {
	return &StreamBus{
		runs: make(map[ids.RunId][]*streamSubscriber),
	}
}

// Subscribe returns a fresh bounded channel of StreamEvents for runID.
func (b *StreamBus) Subscribe(runID ids.RunId) <-chan StreamEvent {
	sub := &streamSubscriber{ch: make(chan StreamEvent, streamSubChanCapacity), active: true}

	b.mu.Lock()
	b.runs[runID] = append(b.runs[runID], sub)
	b.mu.Unlock()

	return sub.ch
}

// Publish delivers event to every current subscriber of runID. A
// subscriber whose buffer is full is dropped from the subscription set
// rather than blocking the publisher.
func (b *StreamBus) Publish(runID ids.RunId, event StreamEvent) {
	b.mu.Lock()
	subs := b.runs[runID]
	var kept []*streamSubscriber
	for _, s := range subs {
		select {
		case s.ch <- event:
			kept = append(kept, s)
		default:
			close(s.ch)
		}
	}
	b.runs[runID] = kept
	b.mu.Unlock()
}

// ScheduleCleanup arranges for RemoveChannel(runID) to run after the
// terminal-status grace window. It is fire-and-forget; callers invoke it
// once, when a Run first reaches a terminal status.
func (b *StreamBus) ScheduleCleanup(runID ids.RunId) {
	time.AfterFunc(streamCleanupGrace, func() {
		b.RemoveChannel(runID)
	})
}

// RemoveChannel closes every subscriber channel for runID and forgets the
// subscription set.
func (b *StreamBus) RemoveChannel(runID ids.RunId) {
	b.mu.Lock()
	subs := b.runs[runID]
	delete(b.runs, runID)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}
