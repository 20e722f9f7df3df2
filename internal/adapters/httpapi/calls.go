package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

type CallController struct {
	svc     *app.CallService
	limiter *CallRateLimiter
}

func NewCallController(svc *app.CallService, limiter *CallRateLimiter) *CallController {
	return &CallController{svc: svc, limiter: limiter}
}

type initiateRequest struct {
	RecipientID string          `json:"recipient_id" binding:"required"`
	CallType    domain.CallType `json:"call_type"`
}

type endRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

func caller(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString("client_token"))
}

func (ctl *CallController) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid recipient_id"})
		return
	}
	if req.CallType == "" {
		req.CallType = domain.CallVoice
	}
	if req.CallType != domain.CallVoice && req.CallType != domain.CallVideo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_type must be voice or video"})
		return
	}

	uid := caller(c)
	if !ctl.limiter.Allow(uid) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many call attempts"})
		return
	}

	sess, err := ctl.svc.Initiate(c.Request.Context(), uid, domain.UserID(req.RecipientID), req.CallType)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (ctl *CallController) Get(c *gin.Context) {
	sess, err := ctl.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (ctl *CallController) Ongoing(c *gin.Context) {
	sessions, err := ctl.svc.Ongoing(c.Request.Context(), caller(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": sessions})
}

func (ctl *CallController) Accept(c *gin.Context) {
	sess, err := ctl.svc.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (ctl *CallController) Reject(c *gin.Context) {
	sess, err := ctl.svc.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (ctl *CallController) End(c *gin.Context) {
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	sess, err := ctl.svc.End(c.Request.Context(), c.Param("id"), req.DurationSeconds)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (ctl *CallController) History(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := ctl.svc.Recorder().List(c.Request.Context(), caller(c), limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (ctl *CallController) MarkHistoryRead(c *gin.Context) {
	if err := ctl.svc.Recorder().MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// abortWith maps the service error taxonomy onto HTTP statuses.
func abortWith(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must be non-negative"})
	case errors.Is(err, core.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, core.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "call state changed, refresh and retry"})
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrHistoryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.Error().Err(err).Str("module", "httpapi").Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
