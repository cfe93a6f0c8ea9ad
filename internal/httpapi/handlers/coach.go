package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/thynklab/thynkbot/internal/coach"
	"github.com/thynklab/thynkbot/internal/common"
	"gorm.io/gorm"
)

// failCoachErr maps coach domain errors onto the response envelope. Lock and
// flight rejections are 409s with distinct business codes so the client can
// render the right blocked state.
func failCoachErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, coach.ErrBlankMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message is blank")
	case errors.Is(err, coach.ErrBadCode):
		common.Fail(c, http.StatusForbidden, 40301, "incorrect code")
	case errors.Is(err, coach.ErrWrongState):
		common.Fail(c, http.StatusConflict, 40901, "not valid in current lock state")
	case errors.Is(err, coach.ErrAuthLocked):
		common.Fail(c, http.StatusConflict, 40902, "access code required")
	case errors.Is(err, coach.ErrSafetyLocked):
		common.Fail(c, http.StatusConflict, 40903, "safety lock active")
	case errors.Is(err, coach.ErrBudgetExceeded):
		common.Fail(c, http.StatusConflict, 40904, "ai budget reached")
	case errors.Is(err, coach.ErrTurnInFlight):
		common.Fail(c, http.StatusConflict, 40905, "a turn is already in flight")
	default:
		log.Printf("coach handler error: %v", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type createSessionReq struct {
	Stage    string `json:"stage"`
	Room     string `json:"room"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	provider := req.Provider
	if provider == "" {
		provider = h.Cfg.AIProvider
	}

	sess, err := h.CoachSvc.CreateSession(c.Request.Context(), req.Stage, req.Room, provider, req.Model)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}
	common.OK(c, sess)
}

type codeReq struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) UnlockSession(c *gin.Context) {
	var req codeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sess, err := h.CoachSvc.Unlock(c.Request.Context(), c.Param("session_id"), req.Code)
	if err != nil {
		failCoachErr(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) OverrideSession(c *gin.Context) {
	var req codeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sess, err := h.CoachSvc.Override(c.Request.Context(), c.Param("session_id"), req.Code)
	if err != nil {
		failCoachErr(c, err)
		return
	}
	common.OK(c, sess)
}

type sendMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.CoachSvc.RunTurn(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		failCoachErr(c, err)
		return
	}

	if res.Locked {
		common.OK(c, gin.H{
			"session_id": req.SessionID,
			"locked":     true,
			"incident":   res.Incident,
		})
		return
	}
	common.OK(c, gin.H{
		"session_id":      req.SessionID,
		"reply":           res.Reply,
		"message_id":      res.AssistantMsgID,
		"fallback":        res.Fallback,
		"spend":           res.Spend,
		"budget_exceeded": res.BudgetExceeded,
	})
}

func (h *Handler) SendMessageAsync(c *gin.Context) {
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async turns not configured")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	// reject unknown sessions before queueing
	if _, err := h.CoachSvc.GetSession(c.Request.Context(), req.SessionID); err != nil {
		failCoachErr(c, err)
		return
	}

	job := &coach.Job{
		ID:             ulid.Make().String(),
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         coach.JobQueued,
	}
	job, created, err := h.CoachSvc.CreateJobOrGetExisting(c.Request.Context(), job)
	if err != nil {
		log.Printf("[SendMessageAsync] create job session=%s err=%v", req.SessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	// Republish when an idempotent retry finds the job still queued: the
	// first attempt may have created the row and then failed to publish.
	// The worker skips completed jobs, so a duplicate delivery is harmless.
	if created || job.Status == coach.JobQueued {
		if err := h.Jobs.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("[SendMessageAsync] publish job=%s err=%v", job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "failed to enqueue job")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.CoachSvc.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40005, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, job)
}

func (h *Handler) ListMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	if _, err := h.CoachSvc.GetSession(c.Request.Context(), sessionID); err != nil {
		failCoachErr(c, err)
		return
	}

	msgs, err := h.CoachSvc.ListMessages(c.Request.Context(), sessionID, limit, beforeID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) GetUsage(c *gin.Context) {
	spend, ceiling, state, err := h.CoachSvc.Usage(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failCoachErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"spend":           spend,
		"budget_limit":    ceiling,
		"budget_exceeded": coach.BudgetExceeded(spend, ceiling),
		"lock_state":      state,
	})
}
