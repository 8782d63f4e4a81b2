package recon

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reconciliation operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/runs", h.TriggerRun)
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/stats", h.Stats)
	r.GET("/runs/:id", h.GetRun)
	r.DELETE("/runs/:id", h.DeleteRun)
	r.GET("/runs/:id/export.csv", h.ExportRun)
	r.GET("/jobs/:id", h.GetJob)
}

// TriggerRequest is the POST /v1/runs payload.
type TriggerRequest struct {
	AppTransactions     []Transaction    `json:"appTransactions"`
	GatewayTransactions []Transaction    `json:"gatewayTransactions"`
	Tolerance           *ToleranceConfig `json:"tolerance,omitempty"`
	Mode                Mode             `json:"mode,omitempty"`
	County              string           `json:"county,omitempty"`
	PeriodStart         *time.Time       `json:"periodStart,omitempty"`
	PeriodEnd           *time.Time       `json:"periodEnd,omitempty"`
}

// TriggerRun handles POST /v1/runs
func (h *Handler) TriggerRun(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON with appTransactions and gatewayTransactions",
		})
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeSync
	}

	result, err := h.service.Trigger(c.Request.Context(), TriggerInput{
		AppTxns:     req.AppTransactions,
		GatewayTxns: req.GatewayTransactions,
		Tolerance:   req.Tolerance,
		Mode:        mode,
		ActorID:     c.GetHeader("X-Actor-ID"),
		County:      req.County,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidMode), errors.Is(err, ErrInvalidTransaction):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrQueueFull):
			status = http.StatusTooManyRequests
			code = "queue_full"
		case errors.Is(err, ErrQueueStopped):
			status = http.StatusServiceUnavailable
			code = "queue_unavailable"
		case errors.Is(err, ErrMatchingFailed):
			status = http.StatusUnprocessableEntity
			code = "matching_failed"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	if result.Queued {
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": result.JobID,
			"queued": true,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": result.Run})
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	filter := RunFilter{
		Status: RunStatus(c.Query("status")),
		County: c.Query("county"),
		Cursor: c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	var ok bool
	if filter.From, ok = parseTimeQuery(c, "from"); !ok {
		return
	}
	if filter.To, ok = parseTimeQuery(c, "to"); !ok {
		return
	}

	runs, next, err := h.service.ListRuns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"runs":  runs,
		"count": len(runs),
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/:id
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No reconciliation run with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// DeleteRun handles DELETE /v1/runs/:id
func (h *Handler) DeleteRun(c *gin.Context) {
	if err := h.service.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No reconciliation run with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "run deleted"})
}

// ExportRun handles GET /v1/runs/:id/export.csv
func (h *Handler) ExportRun(c *gin.Context) {
	id := c.Param("id")
	status := ItemStatus(c.Query("status"))
	switch status {
	case "", StatusMatched, StatusAmountMismatch, StatusUnmatchedApp, StatusUnmatchedGateway:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": fmt.Sprintf("unknown item status %q", status),
		})
		return
	}

	// Resolve the run first so a missing id fails as JSON, not half a CSV.
	run, err := h.service.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No reconciliation run with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s.csv", run.RunNumber))
	c.Status(http.StatusOK)

	if _, err := h.service.ExportCSV(c.Request.Context(), id, status, c.Writer); err != nil {
		// Headers are gone; the truncated body is all we can signal with.
		_ = c.Error(err)
	}
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.service.Job(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation job with this id",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Stats handles GET /v1/runs/stats
func (h *Handler) Stats(c *gin.Context) {
	var ok bool
	var from, to *time.Time
	if from, ok = parseTimeQuery(c, "from"); !ok {
		return
	}
	if to, ok = parseTimeQuery(c, "to"); !ok {
		return
	}

	report, err := h.service.Stats(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": report})
}

// parseTimeQuery reads an optional RFC 3339 query parameter. On a malformed
// value it writes the 400 response and returns ok=false.
func parseTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": fmt.Sprintf("%s must be RFC 3339", name),
		})
		return nil, false
	}
	return &t, true
}
