package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotewiz/remotewiz/internal/adapters"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/db"
	"github.com/remotewiz/remotewiz/internal/engine"
	"github.com/remotewiz/remotewiz/internal/events/bus"
	"github.com/remotewiz/remotewiz/internal/gateway"
	"github.com/remotewiz/remotewiz/internal/store"
	"github.com/remotewiz/remotewiz/internal/uploads"
)

type fakeControl struct {
	mu         sync.Mutex
	kicks      int
	cancelled  []string
	resolved   []string
	cancelErr  error
	resolveErr error
}

func (f *fakeControl) Kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks++
}

func (f *fakeControl) CancelTask(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return f.cancelErr
}

func (f *fakeControl) ResolveApproval(_ context.Context, approvalID, _ string, approve bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	verdict := "deny"
	if approve {
		verdict = "approve"
	}
	f.resolved = append(f.resolved, approvalID+":"+verdict)
	return f.resolveErr
}

type testServer struct {
	srv     *Server
	store   *store.Store
	control *fakeControl
	bus     bus.EventBus
	cfg     *config.Config
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	conn, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	st, err := store.New(conn, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Engine.MaxQueuedPerProject = 5
	cfg.Uploads.Root = filepath.Join(t.TempDir(), "uploads")
	cfg.Uploads.MaxBytes = 1 << 20
	if mutate != nil {
		mutate(cfg)
	}

	projects := map[string]*config.Project{
		"alpha": {Alias: "alpha", CanonicalPath: t.TempDir()},
		"beta":  {Alias: "beta", CanonicalPath: t.TempDir()},
	}

	eventBus := bus.NewMemoryEventBus(log)
	registry := adapters.NewRegistry()
	dispatcher := adapters.NewDispatcher(registry, eventBus, log)

	um, err := uploads.NewManager(cfg, st, log)
	require.NoError(t, err)

	control := &fakeControl{}
	gw := gateway.New(cfg, st, control, projects, um, dispatcher, log)

	srv, err := NewServer(cfg, gw, registry, eventBus, log)
	require.NoError(t, err)

	// Tests drive the router directly instead of calling Start, so the hub
	// and the bus bridge are brought up here.
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(hubCtx)
	sub := BridgeBusEvents(eventBus, srv.hub, log)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return &testServer{srv: srv, store: st, control: control, bus: eventBus, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) doRaw(t *testing.T, method, path, rawBody string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(rawBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), "body: %s", w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeJSON(t, w, &body)
	return body.Error.Code
}

func createTaskBody(project, prompt string) CreateTaskRequest {
	return CreateTaskRequest{Project: project, Prompt: prompt, ThreadID: "thread-1", ActorID: "tester"}
}

func TestCreateTaskAccepted(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "ship it"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp CreateTaskResponse
	decodeJSON(t, w, &resp)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "queued", resp.Status)

	row, err := ts.store.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "ship it", row.Prompt)
	assert.Equal(t, AdapterTag, row.Adapter)

	ts.control.mu.Lock()
	assert.Equal(t, 1, ts.control.kicks)
	ts.control.mu.Unlock()
}

func TestCreateTaskUnknownProject(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("nope", "x"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_project", errorCode(t, w))
}

func TestCreateTaskRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.doRaw(t, http.MethodPost, "/api/v1/tasks",
		`{"project":"alpha","prompt":"x","thread_id":"t","sneaky":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorCode(t, w))
}

func TestCreateTaskEmptyBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTaskQueueFull(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Engine.MaxQueuedPerProject = 1 })

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "one"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "two"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "queue_full", errorCode(t, w))
}

func TestCreateTaskProjectFromBinding(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/threads/thread-7/binding",
		BindThreadRequest{Project: "beta", ActorID: "tester"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := CreateTaskRequest{Prompt: "use the binding", ThreadID: "thread-7"}
	w = ts.do(t, http.MethodPost, "/api/v1/tasks", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp CreateTaskResponse
	decodeJSON(t, w, &resp)
	row, err := ts.store.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "beta", row.Project)

	// No binding and no project is a client error.
	w = ts.do(t, http.MethodPost, "/api/v1/tasks",
		CreateTaskRequest{Prompt: "lost", ThreadID: "unbound"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "hello"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var created CreateTaskResponse
	decodeJSON(t, w, &created)

	w = ts.do(t, http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeJSON(t, w, &task)
	assert.Equal(t, created.TaskID, task.ID)
	assert.Equal(t, "queued", task.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTaskToleratesEmptyBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/t-9/cancel", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ts.control.mu.Lock()
	assert.Equal(t, []string{"t-9"}, ts.control.cancelled)
	ts.control.mu.Unlock()
}

func TestCancelTaskErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.control.cancelErr = engine.ErrNotCancellable
	w := ts.do(t, http.MethodPost, "/api/v1/tasks/t-1/cancel", CancelTaskRequest{ActorID: "tester"})
	assert.Equal(t, http.StatusConflict, w.Code)

	ts.control.cancelErr = store.ErrTaskNotFound
	w = ts.do(t, http.MethodPost, "/api/v1/tasks/t-1/cancel", CancelTaskRequest{ActorID: "tester"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveApproval(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/approvals/a-1",
		ResolveApprovalRequest{Action: "maybe", ActorID: "tester"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/a-1",
		ResolveApprovalRequest{Action: "approve", ActorID: "tester"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ts.control.mu.Lock()
	assert.Equal(t, []string{"a-1:approve"}, ts.control.resolved)
	ts.control.mu.Unlock()

	ts.control.resolveErr = engine.ErrApprovalResolved
	w = ts.do(t, http.MethodPost, "/api/v1/approvals/a-1",
		ResolveApprovalRequest{Action: "deny"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBindingRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/threads/thread-3/binding", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/threads/thread-3/binding",
		BindThreadRequest{Project: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/threads/thread-3/binding",
		BindThreadRequest{Project: "alpha", ActorID: "tester"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/threads/thread-3/binding", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var binding struct {
		ThreadID string `json:"thread_id"`
		Project  string `json:"project"`
		Adapter  string `json:"adapter"`
	}
	decodeJSON(t, w, &binding)
	assert.Equal(t, "thread-3", binding.ThreadID)
	assert.Equal(t, "alpha", binding.Project)
	assert.Equal(t, AdapterTag, binding.Adapter)
}

func TestHistoriesAndQueue(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "first"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/threads/thread-1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var byThread struct {
		Tasks []struct {
			ID string `json:"id"`
		} `json:"tasks"`
	}
	decodeJSON(t, w, &byThread)
	assert.Len(t, byThread.Tasks, 1)

	w = ts.do(t, http.MethodGet, "/api/v1/projects/alpha/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/projects/alpha/tasks?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/projects/nope/tasks", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/queue", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "a"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Entries []struct {
			Action  string `json:"action"`
			Project string `json:"project"`
		} `json:"entries"`
	}
	decodeJSON(t, w, &audit)
	require.NotEmpty(t, audit.Entries)
	assert.Equal(t, "task_created", audit.Entries[0].Action)

	w = ts.do(t, http.MethodGet, "/api/v1/audit?project=alpha", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/audit?project=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBudgetEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "spend"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var created CreateTaskResponse
	decodeJSON(t, w, &created)

	claimed, err := ts.store.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.store.MarkDone(ctx, claimed.ID, "done", 42))

	w = ts.do(t, http.MethodGet, "/api/v1/budget?project=alpha", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Project    string `json:"project"`
		TokensUsed int    `json:"tokens_used"`
	}
	decodeJSON(t, w, &report)
	assert.Equal(t, "alpha", report.Project)
	assert.Equal(t, 42, report.TokensUsed)

	w = ts.do(t, http.MethodGet, "/api/v1/budget", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/budget?project=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func pngBytes() []byte {
	sig := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	return append(sig, make([]byte, 64)...)
}

func multipartBody(t *testing.T, scope, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("scope", scope))

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	body, contentType := multipartBody(t, "task-1", "shot.png", "image/png", pngBytes())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/uploads", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp UploadResponse
	decodeJSON(t, w, &resp)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "shot.png", resp.OriginalName)
	// The response must not leak the server-side location.
	assert.NotContains(t, w.Body.String(), ts.cfg.Uploads.Root)
}

func TestUploadEndpointRejects(t *testing.T) {
	ts := newTestServer(t, nil)

	// Unlisted content type.
	body, contentType := multipartBody(t, "task-1", "tool.zip", "application/zip",
		[]byte{'P', 'K', 0x03, 0x04, 0, 0, 0, 0})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/uploads", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code, w.Body.String())

	// Missing scope field.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "shot.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown project.
	body, contentType = multipartBody(t, "task-1", "shot.png", "image/png", pngBytes())
	req = httptest.NewRequest(http.MethodPost, "/api/v1/projects/nope/uploads", body)
	req.Header.Set("Content-Type", contentType)
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.AuthToken = "sekrit" })

	w := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	decodeJSON(t, w, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "remotewiz", health.Service)
}

func TestBearerAuth(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.AuthToken = "sekrit" })

	w := ts.do(t, http.MethodGet, "/api/v1/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// WebSocket clients cannot set headers from a browser; the token may
	// ride the query string instead.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/queue?token=sekrit", nil)
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", want)
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	return env.Event, env.Data
}

func TestWebSocketPushesTaskUpdates(t *testing.T) {
	ts := newTestServer(t, nil)
	server := httptest.NewServer(ts.srv.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	waitForClients(t, ts.srv.hub, 1)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks", createTaskBody("alpha", "notify me"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var created CreateTaskResponse
	decodeJSON(t, w, &created)

	event, data := readFrame(t, conn)
	assert.Equal(t, "task.update", event)

	var update struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, created.TaskID, update.TaskID)
	assert.Equal(t, "queued", update.Status)
}

func TestWebSocketBridgesApprovalResolved(t *testing.T) {
	ts := newTestServer(t, nil)
	server := httptest.NewServer(ts.srv.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	waitForClients(t, ts.srv.hub, 1)

	ev := bus.NewEvent("approval.resolved", "engine", map[string]interface{}{
		"approval_id": "a-1",
		"approved":    true,
	})
	require.NoError(t, ts.bus.Publish(context.Background(), bus.SubjectApprovalResolved, ev))

	event, data := readFrame(t, conn)
	assert.Equal(t, "approval.resolved", event)
	assert.Contains(t, string(data), "a-1")
}

func TestWebSocketClientCleanupOnClose(t *testing.T) {
	ts := newTestServer(t, nil)
	server := httptest.NewServer(ts.srv.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	waitForClients(t, ts.srv.hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, ts.srv.hub, 0)
}
