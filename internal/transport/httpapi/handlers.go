package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/remotewiz/remotewiz/internal/common/errors"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/gateway"
	"github.com/remotewiz/remotewiz/internal/uploads"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// defaultActor is recorded in the audit trail when a request names nobody.
const defaultActor = "web-client"

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler implements the REST and WebSocket endpoints over the gateway.
type Handler struct {
	gw  *gateway.Gateway
	hub *Hub
	cfg *config.Config
	log *logger.Logger
}

// NewHandler builds the endpoint set.
func NewHandler(gw *gateway.Gateway, hub *Hub, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		gw:  gw,
		hub: hub,
		cfg: cfg,
		log: log.WithFields(zap.String("component", "httpapi")),
	}
}

// CreateTask enqueues a prompt.
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := bindStrict(c, &req); err != nil {
		h.respondErr(c, err)
		return
	}

	// An omitted project falls back to the thread's binding, the same
	// shortcut chat adapters rely on.
	if req.Project == "" && req.ThreadID != "" {
		binding, err := h.gw.GetBinding(c.Request.Context(), req.ThreadID)
		if err != nil {
			h.respondErr(c, err)
			return
		}
		if binding != nil {
			req.Project = binding.Project
		}
	}
	if req.Project == "" {
		h.respondErr(c, apperrors.ValidationError("project", "must be set or the thread must be bound"))
		return
	}

	task, err := h.gw.EnqueueTask(c.Request.Context(), taskInput(req))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusAccepted, CreateTaskResponse{
		TaskID: task.ID,
		Status: string(task.Status),
	})
}

// GetTask returns one task.
// GET /api/v1/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.gw.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask aborts a task. The body is optional.
// POST /api/v1/tasks/:id/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	var req CancelTaskRequest
	if err := decodeStrict(c, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.respondErr(c, err)
		return
	}

	if err := h.gw.CancelTask(c.Request.Context(), c.Param("id"), actor(req.ActorID)); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "task_id": c.Param("id")})
}

// ResolveApproval applies an operator verdict to a pending approval.
// POST /api/v1/approvals/:id
func (h *Handler) ResolveApproval(c *gin.Context) {
	var req ResolveApprovalRequest
	if err := bindStrict(c, &req); err != nil {
		h.respondErr(c, err)
		return
	}

	err := h.gw.ResolveApproval(c.Request.Context(), c.Param("id"), actor(req.ActorID), req.Action)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "action": req.Action})
}

// GetQueue returns aggregate queue depths.
// GET /api/v1/queue
func (h *Handler) GetQueue(c *gin.Context) {
	status, err := h.gw.GetQueueStatus(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetProjects lists configured projects.
// GET /api/v1/projects
func (h *Handler) GetProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": h.gw.GetProjects()})
}

// BindThread pins a thread to a project.
// POST /api/v1/threads/:id/binding
func (h *Handler) BindThread(c *gin.Context) {
	var req BindThreadRequest
	if err := bindStrict(c, &req); err != nil {
		h.respondErr(c, err)
		return
	}

	err := h.gw.BindThread(c.Request.Context(), c.Param("id"), req.Project, AdapterTag, actor(req.ActorID))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": c.Param("id"), "project": req.Project})
}

// GetBinding returns the thread's binding.
// GET /api/v1/threads/:id/binding
func (h *Handler) GetBinding(c *gin.Context) {
	binding, err := h.gw.GetBinding(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if binding == nil {
		h.respondErr(c, apperrors.NotFound("binding", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, binding)
}

// GetThreadTasks returns a thread's task history, newest first.
// GET /api/v1/threads/:id/tasks
func (h *Handler) GetThreadTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondErr(c, err)
		return
	}
	tasks, err := h.gw.GetThreadTaskHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetProjectTasks returns a project's task history, newest first.
// GET /api/v1/projects/:alias/tasks
func (h *Handler) GetProjectTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondErr(c, err)
		return
	}
	tasks, err := h.gw.GetProjectTaskHistory(c.Request.Context(), c.Param("alias"), limit)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetAudit returns journal entries, optionally scoped to a project.
// GET /api/v1/audit?project=&limit=
func (h *Handler) GetAudit(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondErr(c, err)
		return
	}
	entries, err := h.gw.GetAudit(c.Request.Context(), c.Query("project"), limit)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GetBudget reports today's token spend.
// GET /api/v1/budget?project=
func (h *Handler) GetBudget(c *gin.Context) {
	report, err := h.gw.GetBudgetToday(c.Request.Context(), c.Query("project"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// UploadFile accepts one multipart file for a project scope.
// POST /api/v1/projects/:alias/uploads
func (h *Handler) UploadFile(c *gin.Context) {
	// Reject runaway bodies before multipart parsing buffers them. The
	// extra megabyte covers part headers and field overhead.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Uploads.MaxBytes+1<<20)

	scope := c.PostForm("scope")
	if scope == "" {
		h.respondErr(c, apperrors.ValidationError("scope", "must not be empty"))
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.respondErr(c, apperrors.BadRequest("multipart field 'file' is required"))
		return
	}
	file, err := header.Open()
	if err != nil {
		h.respondErr(c, apperrors.Wrap(err, "failed to open uploaded file"))
		return
	}
	defer file.Close()

	ref, err := h.gw.CreateUploadReference(c.Request.Context(), uploads.SaveRequest{
		Project:      c.Param("alias"),
		Scope:        scope,
		OriginalName: header.Filename,
		DeclaredType: header.Header.Get("Content-Type"),
		Actor:        actor(c.PostForm("actor_id")),
		Data:         file,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, UploadResponse{ID: ref.ID, OriginalName: ref.OriginalName})
}

// ServeWS upgrades the connection and attaches it to the hub.
// GET /api/v1/ws
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(uuid.NewString(), conn, h.hub, h.log)
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// Health reports liveness.
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "remotewiz",
		"ws_clients": h.hub.ClientCount(),
	})
}

// errEmptyBody marks an absent request body for endpoints that allow one.
var errEmptyBody = errors.New("empty request body")

// decodeStrict decodes a JSON body rejecting unknown fields, so typos fail
// loudly instead of being ignored. An absent body yields errEmptyBody.
func decodeStrict(c *gin.Context, dst interface{}) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return apperrors.ValidationError("request", err.Error())
	}
	return nil
}

// bindStrict is decodeStrict for endpoints that require a body.
func bindStrict(c *gin.Context, dst interface{}) error {
	err := decodeStrict(c, dst)
	if errors.Is(err, errEmptyBody) {
		return apperrors.ValidationError("request", "body must not be empty")
	}
	return err
}

func (h *Handler) respondErr(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{"code": appErr.Code, "message": appErr.Message},
	})
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.ValidationError(name, "must be an integer")
	}
	return n, nil
}

func actor(actorID string) string {
	if actorID == "" {
		return defaultActor
	}
	return actorID
}

// taskInput maps the wire request onto the gateway contract. The adapter
// tag is always ours; updates for this task must come back to this
// surface.
func taskInput(req CreateTaskRequest) v1.TaskInput {
	return v1.TaskInput{
		Project:         req.Project,
		Prompt:          req.Prompt,
		ThreadID:        req.ThreadID,
		Adapter:         AdapterTag,
		ContinueSession: req.ContinueSession,
		ActorID:         actor(req.ActorID),
	}
}
