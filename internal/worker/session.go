package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
	"github.com/filipelabs/taskrun/internal/state"
)

// outboundCapacity is the worker outbound channel's bound (spec.md §4.1,
// §5). Senders never block on it: when it is full an AssignRun fails
// (the Scheduler reverts the assignment) and a CancelRun or ContinueRun
// is dropped. A full channel does not end the session.
const outboundCapacity = 32

// Conn is the minimal surface Session needs from a transport connection,
// satisfied by *websocket.Conn; narrowed for testability.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one authenticated Worker's bidirectional stream. Its CN (and
// therefore WorkerId) has already been extracted and verified by the TLS
// listener before the Session is constructed.
type Session struct {
	conn     Conn
	workerID ids.WorkerId
	store    *state.StateStore
	log      *logger.Logger

	outbound chan interface{}

	closeOnce sync.Once
}

// NewSession builds a Session for a connection whose client certificate CN
// resolved to workerID.
func NewSession(conn Conn, workerID ids.WorkerId, store *state.StateStore, log *logger.Logger) *Session {
	return &Session{
		conn:     conn,
		workerID: workerID,
		store:    store,
		log:      log.WithWorkerID(workerID.String()),
		outbound: make(chan interface{}, outboundCapacity),
	}
}

// Run drives the session until either direction fails or ctx is
// cancelled, then performs idempotent cleanup. It blocks until the
// session ends.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })

	err := g.Wait()
	s.cleanup()
	return err
}

// readLoop processes inbound ClientMessages in arrival order. The first
// message must be Hello; any other message first is a protocol
// violation that terminates the session.
func (s *Session) readLoop(ctx context.Context) error {
	helloReceived := false

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if !helloReceived {
			if msg.Action != ActionHello {
				return fmt.Errorf("expected hello, got %s", msg.Action)
			}
			if err := s.handleHello(msg); err != nil {
				return err
			}
			helloReceived = true
			continue
		}

		if err := s.dispatch(msg); err != nil {
			s.log.Warn("dropping malformed message", zap.String("action", string(msg.Action)), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Session) dispatch(msg ClientMessage) error {
	switch msg.Action {
	case ActionHeartbeat:
		return s.handleHeartbeat(msg)
	case ActionStatusUpdate:
		return s.handleStatusUpdate(msg)
	case ActionOutputChunk:
		return s.handleOutputChunk(msg)
	case ActionEvent:
		return s.handleEvent(msg)
	case ActionChatMessage:
		return s.handleChatMessage(msg)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

func (s *Session) handleHello(msg ClientMessage) error {
	var p HelloPayload
	if err := msg.ParsePayload(&p); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if p.Info.WorkerId == "" {
		return fmt.Errorf("hello: missing worker info")
	}
	if p.Info.WorkerId != s.workerID {
		return fmt.Errorf("hello: claimed worker id %q does not match certificate CN worker id %q", p.Info.WorkerId, s.workerID)
	}

	maxConcurrentRuns := uint32(1)
	s.store.RegisterWorker(p.Info, maxConcurrentRuns, s.outbound)
	return nil
}

func (s *Session) handleHeartbeat(msg ClientMessage) error {
	var p HeartbeatPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	if ids.WorkerId(p.WorkerId) != s.workerID {
		return fmt.Errorf("heartbeat worker id %q does not match session", p.WorkerId)
	}
	s.store.ApplyHeartbeat(s.workerID, p.Status, p.ActiveRuns, p.MaxConcurrentRuns, p.Metrics)
	return nil
}

func (s *Session) handleStatusUpdate(msg ClientMessage) error {
	var p StatusUpdatePayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	nowMs := p.TimestampMs
	if nowMs == 0 {
		nowMs = time.Now().UTC().UnixMilli()
	}
	s.store.ApplyStatusUpdate(ids.RunId(p.RunId), p.Status, p.ErrorMessage, p.BackendUsed, nowMs)
	return nil
}

func (s *Session) handleOutputChunk(msg ClientMessage) error {
	var p OutputChunkPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	runID := ids.RunId(p.RunId)
	taskID, err := s.store.TaskIDForRun(runID)
	if err != nil {
		s.log.Warn("output chunk for unknown run, dropping", zap.String("run_id", p.RunId))
		return nil
	}
	nowMs := p.TimestampMs
	if nowMs == 0 {
		nowMs = time.Now().UTC().UnixMilli()
	}
	s.store.AppendOutput(runID, taskID, p.Seq, p.Content, p.IsFinal, nowMs)
	return nil
}

func (s *Session) handleEvent(msg ClientMessage) error {
	var p EventPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	event := domain.RunEvent{
		Id:          ids.EventId(p.Id),
		RunId:       ids.RunId(p.RunId),
		TaskId:      ids.TaskId(p.TaskId),
		EventType:   p.EventType,
		TimestampMs: p.TimestampMs,
		Metadata:    p.Metadata,
	}
	if event.Id == "" {
		event.Id = ids.NewEventId()
	}
	s.store.AppendEvent(event)
	return nil
}

func (s *Session) handleChatMessage(msg ClientMessage) error {
	var p ChatMessagePayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}
	runID := ids.RunId(p.RunId)
	taskID, err := s.store.TaskIDForRun(runID)
	if err != nil {
		s.log.Warn("chat message for unknown run, dropping", zap.String("run_id", p.RunId))
		return nil
	}
	chat := domain.ChatMessage{
		Role:        p.Message.Role,
		Content:     p.Message.Content,
		TimestampMs: p.Message.TimestampMs,
	}
	s.store.AppendChat(runID, taskID, chat)
	return nil
}

// writeLoop drains the outbound channel to the connection in enqueue
// order. A write failure or channel close ends the session.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.outbound:
			if !ok {
				return fmt.Errorf("outbound channel closed")
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// cleanup idempotently deregisters the worker and closes the connection.
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		s.store.DeregisterWorker(s.workerID)
		_ = s.conn.Close()
	})
}
