package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trafficops/offense-workflow/internal/application/coordinator"
	"github.com/trafficops/offense-workflow/internal/application/workflow"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	domainwf "github.com/trafficops/offense-workflow/internal/domain/workflow"
)

const (
	// HeaderIdempotencyKey carries the caller's idempotency key
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from the ledger
	HeaderReplayed = "Idempotent-Replayed"

	retryAfterSeconds = 1
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	coordinator coordinator.Coordinator
	engine      workflow.WorkflowEngine
	healthCheck HealthCheck
	logger      Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	coord coordinator.Coordinator,
	engine workflow.WorkflowEngine,
	healthCheck HealthCheck,
	logger Logger,
) *Handlers {
	return &Handlers{
		coordinator: coord,
		engine:      engine,
		healthCheck: healthCheck,
		logger:      logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *apperr.Error `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RegisterRequest is the body of POST /api/v1/workflows/:kind
type RegisterRequest struct {
	EntityID       string `json:"entity_id" binding:"required"`
	LinkedEntityID string `json:"linked_entity_id"`
}

// EventRequest is the body of POST /api/v1/workflows/:kind/:entityId/events
type EventRequest struct {
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// InstanceResponse is an instance with the events it currently accepts
type InstanceResponse struct {
	*entity.WorkflowInstance
	PermittedEvents []domainwf.Event `json:"permitted_events"`
	Terminal        bool             `json:"terminal"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Health check failed", "error", err)
			response.Status = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, Response{
				Success: false,
				Data:    response,
				Error:   apperr.Wrap(apperr.CodePersistenceUnavailable, err, "service unhealthy"),
			})
			return
		}
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    response,
	})
}

// RegisterInstance handles POST /api/v1/workflows/:kind
func (h *Handlers) RegisterInstance(c *gin.Context) {
	kind, ok := h.kindParam(c)
	if !ok {
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid request body"))
		return
	}

	instance, err := h.engine.Register(c.Request.Context(), kind, req.EntityID, req.LinkedEntityID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    h.describe(instance),
	})
}

// GetInstance handles GET /api/v1/workflows/:kind/:entityId
func (h *Handlers) GetInstance(c *gin.Context) {
	kind, ok := h.kindParam(c)
	if !ok {
		return
	}

	instance, err := h.engine.GetInstance(c.Request.Context(), kind, c.Param("entityId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    h.describe(instance),
	})
}

// GetHistory handles GET /api/v1/workflows/:kind/:entityId/history
func (h *Handlers) GetHistory(c *gin.Context) {
	kind, ok := h.kindParam(c)
	if !ok {
		return
	}
	entityID := c.Param("entityId")

	if _, err := h.engine.GetInstance(c.Request.Context(), kind, entityID); err != nil {
		h.fail(c, err)
		return
	}

	records, err := h.engine.History(c.Request.Context(), kind, entityID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []*entity.TransitionHistory{}
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    records,
	})
}

// SubmitEvent handles POST /api/v1/workflows/:kind/:entityId/events
func (h *Handlers) SubmitEvent(c *gin.Context) {
	kind, ok := h.kindParam(c)
	if !ok {
		return
	}

	key := c.GetHeader(HeaderIdempotencyKey)
	if key == "" {
		h.fail(c, apperr.New(apperr.CodeInvalidRequest, "%s header is required", HeaderIdempotencyKey))
		return
	}

	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid request body"))
		return
	}

	result, err := h.coordinator.Handle(c.Request.Context(), coordinator.Request{
		Kind:           kind,
		EntityID:       c.Param("entityId"),
		Event:          domainwf.ParseEvent(req.Event),
		IdempotencyKey: key,
		Payload:        req.Payload,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	if result.Replayed {
		c.Header(HeaderReplayed, "true")
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    result,
	})
}

func (h *Handlers) kindParam(c *gin.Context) (domainwf.Kind, bool) {
	kind, err := domainwf.ParseKind(c.Param("kind"))
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, err, "unknown workflow kind"))
		return "", false
	}
	return kind, true
}

func (h *Handlers) describe(instance *entity.WorkflowInstance) InstanceResponse {
	resp := InstanceResponse{
		WorkflowInstance: instance,
		PermittedEvents:  []domainwf.Event{},
		Terminal:         instance.Kind.IsTerminal(instance.State),
	}
	if table, err := domainwf.TableFor(instance.Kind); err == nil {
		if events := table.PermittedEvents(instance.State); events != nil {
			resp.PermittedEvents = events
		}
	}
	return resp
}

// fail writes err as a structured error response
func (h *Handlers) fail(c *gin.Context, err error) {
	appErr := apperr.From(err)
	status := StatusFor(appErr.Code)

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.Request.URL.Path, "code", appErr.Code, "error", err)
	}
	if appErr.Code == apperr.CodeLedgerInProgress {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if apperr.IsReplayed(err) {
		c.Header(HeaderReplayed, "true")
	}

	c.JSON(status, Response{
		Success: false,
		Error:   appErr,
	})
}

// StatusFor maps an error code to an HTTP status
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidRequest:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeIllegalTransition,
		apperr.CodeConcurrentModification,
		apperr.CodeLedgerInProgress,
		apperr.CodeAlreadyExists,
		apperr.CodeLeaseLost:
		return http.StatusConflict
	case apperr.CodeIdempotencyKeyConflict:
		return http.StatusUnprocessableEntity
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodePersistenceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
