package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/observer"
	"go-workflow-status/internal/port/inbound"
)

type JobHandler struct {
	relay  inbound.StatusRelayUseCase
	logger logger.Logger
}

type ObserveJobRequest struct {
	Resilient   *bool `json:"resilient"`
	IntervalMS  int   `json:"interval_ms" binding:"omitempty,min=100"`
	MaxAttempts int   `json:"max_attempts" binding:"omitempty,min=1,max=10000"`
}

func NewJobHandler(relay inbound.StatusRelayUseCase, logger logger.Logger) *JobHandler {
	return &JobHandler{
		relay:  relay,
		logger: logger.WithField("handler", "job"),
	}
}

// Observe starts observing a job. It answers 201 for a new observation and
// 200 when the job is already being observed.
func (h *JobHandler) Observe(c *gin.Context) {
	var req ObserveJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Debugf("invalid observe request: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid observe request"})
			return
		}
	}

	view, created, err := h.relay.Observe(c.Request.Context(), inbound.ObserveCommand{
		JobID:       c.Param("jobId"),
		Resilient:   req.Resilient,
		Interval:    time.Duration(req.IntervalMS) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, view)
}

func (h *JobHandler) Get(c *gin.Context) {
	view, err := h.relay.Job(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *JobHandler) Cancel(c *gin.Context) {
	if err := h.relay.Cancel(c.Request.Context(), c.Param("jobId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) WatchDocument(c *gin.Context) {
	docID := c.Param("docId")
	if err := h.relay.WatchDocument(c.Request.Context(), docID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": docID, "watching": true})
}

func (h *JobHandler) UnwatchDocument(c *gin.Context) {
	if err := h.relay.UnwatchDocument(c.Request.Context(), c.Param("docId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) Transport(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.Transport(c.Request.Context()))
}

func (h *JobHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, observer.ErrEmptyJobID), errors.Is(err, observer.ErrEmptyDocID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, inbound.ErrJobNotFound), errors.Is(err, inbound.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, observer.ErrRegistryClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay is shutting down"})
	default:
		h.logger.Errorf("request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
