package handler

import (
	"context"
	"io"
	"net/http"

	"maklerportal_backend/internal/reconciliation/service"
	"maklerportal_backend/internal/reconciliation/transport"
	"maklerportal_backend/platform/httpkit"
	"maklerportal_backend/platform/logger"
	"maklerportal_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Runner executes one reconciliation pass.
type Runner interface {
	Run(ctx context.Context, opts service.RunOptions) (service.RunSummary, error)
}

// Handler handles HTTP requests for reconciliation runs.
type Handler struct {
	svc Runner
	val *validator.Validator
	log *logger.Logger
}

// New creates a new reconciliation handler.
func New(svc Runner, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{svc: svc, val: val, log: log}
}

// RegisterRoutes registers the reconciliation routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/runs", h.TriggerRun)
}

// TriggerRun executes a reconciliation pass synchronously and returns its
// summary. The body is optional; when present it may scope the pass to one
// lead or one property grouping.
func (h *Handler) TriggerRun(c *gin.Context) {
	var req transport.TriggerRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}

	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	opts, err := req.ToRunOptions()
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, "leadId must be a UUID")
		return
	}

	caller, ok := httpkit.MustGetCaller(c)
	if !ok {
		return
	}
	h.log.Info("reconciliation run triggered", "caller", caller.Subject)

	summary, err := h.svc.Run(c.Request.Context(), opts)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.RunResponse{Run: summary})
}
