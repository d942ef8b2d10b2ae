package bus

import (
	"testing"

	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func TestUiBus_PublishDeliversToAllSubscribers(t *testing.T) {
	b := NewUiBus(testLogger(t))
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(UiNotification{Kind: UiTaskCreated, TaskCreated: &TaskCreatedPayload{TaskId: ids.TaskId("t1")}})

	for _, ch := range []<-chan UiNotification{a, c} {
		select {
		case n := <-ch:
			if n.Kind != UiTaskCreated {
				t.Fatalf("got kind %s, want %s", n.Kind, UiTaskCreated)
			}
		default:
			t.Fatal("expected a buffered notification")
		}
	}
}

func TestUiBus_LaggedSubscriberDropsOldest(t *testing.T) {
	b := NewUiBus(testLogger(t))
	sub := b.Subscribe()

	for i := 0; i < uiSubChanCapacity+10; i++ {
		b.Publish(UiNotification{Kind: UiWorkerHeartbeat, WorkerHeartbeat: &WorkerHeartbeatPayload{
			WorkerId: ids.WorkerId("w1"), Status: domain.WorkerIdle, ActiveRuns: uint32(i),
		}})
	}

	if len(sub) != uiSubChanCapacity {
		t.Fatalf("got %d buffered, want exactly %d (bus never blocks producers)", len(sub), uiSubChanCapacity)
	}

	last := UiNotification{}
	for len(sub) > 0 {
		last = <-sub
	}
	if last.WorkerHeartbeat.ActiveRuns != uint32(uiSubChanCapacity+9) {
		t.Fatalf("expected the most recent notification to survive, got active_runs=%d", last.WorkerHeartbeat.ActiveRuns)
	}
}
