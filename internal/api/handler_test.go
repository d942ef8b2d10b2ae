package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/filipelabs/taskrun/internal/bus"
	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/domain"
	"github.com/filipelabs/taskrun/internal/ids"
	"github.com/filipelabs/taskrun/internal/scheduler"
	"github.com/filipelabs/taskrun/internal/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *state.StateStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	store := state.New(bus.NewStreamBus(), bus.NewUiBus(log), log)
	sched := scheduler.New(store, log)
	h := NewHandler(store, sched, nil, log)

	r := gin.New()
	group := r.Group("/v1")
	SetupRoutes(group, h)
	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateTask_MissingAgentNameIsBadRequest(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/tasks", createTaskRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateTask_SucceedsWithoutAnAvailableWorker(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/tasks", createTaskRequest{
		AgentName: "general",
		InputJSON: "{}",
		CreatedBy: "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var dto TaskDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &dto); err != nil {
		t.Fatal(err)
	}
	if dto.Status != domain.TaskPending {
		t.Fatalf("got status %s, want %s (no worker available)", dto.Status, domain.TaskPending)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/v1/tasks/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetTask_Found(t *testing.T) {
	r, store := newTestRouter(t)
	task := store.CreateTask("general", "{}", "alice", nil)

	rec := doJSON(t, r, http.MethodGet, "/v1/tasks/"+task.Id.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestListTasks_FiltersByAgent(t *testing.T) {
	r, store := newTestRouter(t)
	store.CreateTask("general", "{}", "alice", nil)
	store.CreateTask("support_triage", "{}", "bob", nil)

	rec := doJSON(t, r, http.MethodGet, "/v1/tasks?agent=support_triage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Tasks []TaskDTO `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].AgentName != "support_triage" {
		t.Fatalf("unexpected filtered tasks: %+v", body.Tasks)
	}
}

func TestCancelTask_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/tasks/nonexistent/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCancelTask_AlreadyTerminalIsConflict(t *testing.T) {
	r, store := newTestRouter(t)
	task := store.CreateTask("general", "{}", "alice", nil)
	store.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))
	store.ApplyStatusUpdate("run-1", domain.RunCompleted, "", nil, 0)

	rec := doJSON(t, r, http.MethodPost, "/v1/tasks/"+task.Id.String()+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestCancelTask_Succeeds(t *testing.T) {
	r, store := newTestRouter(t)
	task := store.CreateTask("general", "{}", "alice", nil)

	rec := doJSON(t, r, http.MethodPost, "/v1/tasks/"+task.Id.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var dto TaskDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &dto); err != nil {
		t.Fatal(err)
	}
	if dto.Status != domain.TaskCancelled {
		t.Fatalf("got status %s, want %s", dto.Status, domain.TaskCancelled)
	}
}

func TestContinueTask_NoActiveRunIsConflict(t *testing.T) {
	r, store := newTestRouter(t)
	task := store.CreateTask("general", "{}", "alice", nil)

	rec := doJSON(t, r, http.MethodPost, "/v1/tasks/"+task.Id.String()+"/continue", continueTaskRequest{Message: "keep going"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want %d: %s", rec.Code, http.StatusConflict, rec.Body.String())
	}
}

func TestContinueTask_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/tasks/nonexistent/continue", continueTaskRequest{Message: "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestContinueTask_Succeeds(t *testing.T) {
	r, store := newTestRouter(t)
	task := store.CreateTask("general", "{}", "alice", nil)
	outbound := make(chan interface{}, 1)
	store.RegisterWorker(domain.NewWorkerInfo("w1", "host-1"), 1, outbound)
	store.AssignRun(task.Id, ids.RunId("run-1"), ids.WorkerId("w1"))
	store.ApplyStatusUpdate("run-1", domain.RunRunning, "", nil, 0)

	rec := doJSON(t, r, http.MethodPost, "/v1/tasks/"+task.Id.String()+"/continue", continueTaskRequest{Message: "keep going"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	history := store.GetChatHistory(ids.RunId("run-1"))
	if len(history) != 1 || history[0].Content != "keep going" {
		t.Fatalf("unexpected chat history: %+v", history)
	}

	select {
	case <-outbound:
	default:
		t.Fatal("expected a ContinueRun message on the worker's outbound channel")
	}
}

func TestGetWorker_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/v1/workers/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListWorkers_FiltersByStatus(t *testing.T) {
	r, store := newTestRouter(t)
	store.RegisterWorker(domain.NewWorkerInfo("w1", "host-1"), 1, make(chan interface{}, 1))

	rec := doJSON(t, r, http.MethodGet, "/v1/workers?status=IDLE", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Workers []WorkerDTO `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Workers) != 1 || body.Workers[0].WorkerId != "w1" {
		t.Fatalf("unexpected filtered workers: %+v", body.Workers)
	}
}

func TestEnroll_NoCAConfiguredIsUnavailable(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/enroll", enrollRequest{BootstrapToken: "x", CSR: "y"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestIssueBootstrapToken_NoCAConfiguredIsUnavailable(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/admin/bootstrap-tokens", issueTokenRequest{TTLSeconds: 60})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHealth(t *testing.T) {
	r := gin.New()
	r.GET("/health", Health)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
}
