package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/routing"
	"order-routing/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router is the routing surface exposed over HTTP.
type Router interface {
	RouteOrder(ctx context.Context, orderID int64, opts routing.RouteOptions) (*routing.RoutingResult, error)
	HandleVendorResponse(ctx context.Context, acceptanceID, response, actorID string) (*routing.RoutingResult, error)
	TriggerFallback(ctx context.Context, orderID int64, actorID string) (*routing.RoutingResult, error)
	GetRoutingLogs(ctx context.Context, orderID int64) ([]models.RoutingLogEntry, error)
	GetVendorAcceptanceStatus(ctx context.Context, orderID int64) (*routing.RoutingResult, error)
}

// Inbox stores webhook deliveries for asynchronous processing.
type Inbox interface {
	Ingest(ctx context.Context, source, eventID string, payload []byte) (*models.WebhookEvent, error)
}

// DeadLetters lists and replays dead-lettered jobs.
type DeadLetters interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error)
	ReplayDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error)
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	router         Router
	inbox          Inbox
	deadLetters    DeadLetters
	allowedOrigins []string
	checks         []readinessCheck
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(router Router, inbox Inbox, deadLetters DeadLetters, allowedOrigins []string) *Handler {
	return &Handler{
		router:         router,
		inbox:          inbox,
		deadLetters:    deadLetters,
		allowedOrigins: allowedOrigins,
		logger:         util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency probed by /ready.
func (h *Handler) AddReadinessCheck(name string, check func(context.Context) error) {
	h.checks = append(h.checks, readinessCheck{name: name, check: check})
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(h.allowedOrigins))
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders/:id/route", h.routeOrder)
		v1.POST("/orders/:id/fallback", h.triggerFallback)
		v1.GET("/orders/:id/routing-logs", h.getRoutingLogs)
		v1.GET("/orders/:id/acceptance-status", h.getAcceptanceStatus)
		v1.POST("/acceptances/:id/respond", h.respond)
		v1.POST("/webhooks/:source", h.ingestWebhook)
		v1.GET("/dead-letters", h.listDeadLetters)
		v1.POST("/dead-letters/:id/replay", h.replayDeadLetter)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowHeaders("Authorization", "Idempotency-Key", "X-Event-ID")
	return cors.New(cfg)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports not ready while any registered dependency fails its probe.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for _, rc := range h.checks {
		if err := rc.check(ctx); err != nil {
			failing[rc.name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"failing": failing,
			"time":    time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type routeRequest struct {
	AllowSplit       bool   `json:"allow_split"`
	OverrideVendorID int64  `json:"override_vendor_id"`
	OverrideBy       string `json:"override_by"`
	OverrideReason   string `json:"override_reason"`
}

// routeOrder starts vendor assignment. The body is optional.
func (h *Handler) routeOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req routeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	result, err := h.router.RouteOrder(c.Request.Context(), orderID, routing.RouteOptions{
		AllowSplit:       req.AllowSplit,
		OverrideVendorID: req.OverrideVendorID,
		OverrideBy:       req.OverrideBy,
		OverrideReason:   req.OverrideReason,
	})
	if err != nil {
		h.writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type respondRequest struct {
	Response string `json:"response" binding:"required"`
	ActorID  string `json:"actor_id" binding:"required"`
}

func (h *Handler) respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.router.HandleVendorResponse(c.Request.Context(), c.Param("id"), req.Response, req.ActorID)
	if err != nil {
		h.writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type fallbackRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

func (h *Handler) triggerFallback(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req fallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.router.TriggerFallback(c.Request.Context(), orderID, req.ActorID)
	if err != nil {
		h.writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getRoutingLogs(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	logs, err := h.router.GetRoutingLogs(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"logs":     logs,
	})
}

func (h *Handler) getAcceptanceStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	result, err := h.router.GetVendorAcceptanceStatus(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ingestWebhook stores the raw body and answers 202; processing happens in the
// background. The delivery id comes from X-Event-ID or Idempotency-Key.
func (h *Handler) ingestWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	eventID := c.GetHeader("X-Event-ID")
	if eventID == "" {
		eventID = c.GetHeader("Idempotency-Key")
	}

	ev, err := h.inbox.Ingest(c.Request.Context(), c.Param("source"), eventID, body)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"event_id": ev.ID,
		"status":   ev.Status,
	})
}

func (h *Handler) listDeadLetters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "limit must be between 1 and 500",
		})
		return
	}
	jobs, err := h.deadLetters.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, apperrors.Transient("Handler.listDeadLetters", err), nil)
		return
	}
	if jobs == nil {
		jobs = []models.DeadLetterJob{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": jobs})
}

func (h *Handler) replayDeadLetter(c *gin.Context) {
	job, err := h.deadLetters.ReplayDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, job)
		return
	}
	c.JSON(http.StatusOK, job)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConcurrencyConflict:
		return http.StatusConflict
	case apperrors.KindNoEligibleVendor, apperrors.KindPermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError answers with the mapped status. state, when present, is the current
// state the caller raced against.
func (h *Handler) writeError(c *gin.Context, err error, state any) {
	status := statusFor(err)
	body := gin.H{
		"error": err.Error(),
		"kind":  apperrors.KindOf(err).String(),
	}
	if state != nil && !isNilPointer(state) {
		body["state"] = state
	}
	if status == http.StatusServiceUnavailable {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *routing.RoutingResult:
		return p == nil
	case *models.DeadLetterJob:
		return p == nil
	}
	return false
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
