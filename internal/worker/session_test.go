package worker

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/filipelabs/taskrun/internal/bus"
	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
	"github.com/filipelabs/taskrun/internal/state"
)

// fakeConn is an in-memory Conn driven entirely by queued ClientMessages;
// it lets Session tests run without a real network or TLS stack. Reads
// block once the queue is drained until finish() is called, so tests can
// observe state produced mid-session before the connection EOFs.
type fakeConn struct {
	reads  chan ClientMessage
	writes chan interface{}
	closed bool
}

func newFakeConn(msgs ...ClientMessage) *fakeConn {
	reads := make(chan ClientMessage, len(msgs)+1)
	for _, m := range msgs {
		reads <- m
	}
	return &fakeConn{reads: reads, writes: make(chan interface{}, 16)}
}

func (c *fakeConn) finish() { close(c.reads) }

func (c *fakeConn) ReadJSON(v interface{}) error {
	msg, ok := <-c.reads
	if !ok {
		return io.EOF
	}
	*(v.(*ClientMessage)) = msg
	return nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case c.writes <- v:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func rawPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestState(t *testing.T) *state.StateStore {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return state.New(bus.NewStreamBus(), bus.NewUiBus(log), log)
}

func testSessionLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func TestSession_RequiresHelloFirst(t *testing.T) {
	conn := newFakeConn(ClientMessage{
		Action:  ActionHeartbeat,
		Payload: rawPayload(t, HeartbeatPayload{WorkerId: "w1"}),
	})
	conn.finish()
	store := newTestState(t)
	s := NewSession(conn, ids.WorkerId("w1"), store, testSessionLogger(t))

	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "expected hello") {
		t.Fatalf("got %v, want a hello-required error", err)
	}
}

func TestSession_RejectsMismatchedWorkerId(t *testing.T) {
	conn := newFakeConn(ClientMessage{
		Action: ActionHello,
		Payload: rawPayload(t, HelloPayload{Info: domain.WorkerInfo{
			WorkerId: ids.WorkerId("w2"),
			Hostname: "host-2",
		}}),
	})
	conn.finish()
	store := newTestState(t)
	s := NewSession(conn, ids.WorkerId("w1"), store, testSessionLogger(t))

	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "claimed worker id") {
		t.Fatalf("got %v, want a worker id mismatch error", err)
	}
}

func TestSession_MalformedMessageIsDroppedNotFatal(t *testing.T) {
	conn := newFakeConn(
		ClientMessage{
			Action: ActionHello,
			Payload: rawPayload(t, HelloPayload{Info: domain.WorkerInfo{
				WorkerId: ids.WorkerId("w1"),
				Hostname: "host-1",
			}}),
		},
		ClientMessage{Action: "not_a_real_action", Payload: rawPayload(t, map[string]string{"x": "y"})},
		ClientMessage{
			Action: ActionEvent,
			Payload: rawPayload(t, EventPayload{
				RunId:     "run-x",
				TaskId:    "task-x",
				EventType: domain.EventExecutionStarted,
			}),
		},
	)
	conn.finish()
	store := newTestState(t)
	s := NewSession(conn, ids.WorkerId("w1"), store, testSessionLogger(t))

	_ = s.Run(context.Background())

	events := store.GetEvents(ids.RunId("run-x"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (the event after the malformed message should still be dispatched)", len(events))
	}
}

func TestSession_HelloRegistersWorker(t *testing.T) {
	conn := newFakeConn(ClientMessage{
		Action: ActionHello,
		Payload: rawPayload(t, HelloPayload{Info: domain.WorkerInfo{
			WorkerId: ids.WorkerId("w1"),
			Hostname: "host-1",
		}}),
	})
	store := newTestState(t)
	s := NewSession(conn, ids.WorkerId("w1"), store, testSessionLogger(t))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	registered := false
	for i := 0; i < 200; i++ {
		if _, err := store.GetWorker(ids.WorkerId("w1")); err == nil {
			registered = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !registered {
		t.Fatal("expected hello to register the worker before the read queue drained")
	}

	conn.finish()
	<-done
}
