package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/thynklab/thynkbot/internal/common"
	"gorm.io/gorm"
)

func (h *Handler) ListIncidents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	incs, err := h.CoachSvc.ListIncidents(c.Request.Context(), c.Query("room"), limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list incidents")
		return
	}
	common.OK(c, gin.H{"incidents": incs})
}

func (h *Handler) DismissIncident(c *gin.Context) {
	if err := h.CoachSvc.DismissIncident(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40006, "incident not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"dismissed": c.Param("id")})
}
