package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thynklab/thynkbot/internal/auth"
	"github.com/thynklab/thynkbot/internal/common"
	"github.com/thynklab/thynkbot/internal/httpapi/middleware"
	"github.com/thynklab/thynkbot/internal/models"
	"gorm.io/gorm"
)

type registerTeacherReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h *Handler) RegisterTeacher(c *gin.Context) {
	var req registerTeacherReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	teacher := models.Teacher{
		Email:        req.Email,
		PasswordHash: hash,
		SchoolName:   h.Cfg.SchoolName,
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&teacher).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create account (maybe email already exists)")
		return
	}

	token, err := auth.SignJWT(teacher.ID, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"teacher": teacher, "token": token})
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var teacher models.Teacher
	err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", req.Email).First(&teacher).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if !auth.CheckPassword(teacher.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
		return
	}

	token, err := auth.SignJWT(teacher.ID, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"token": token})
}

func (h *Handler) Me(c *gin.Context) {
	v, ok := c.Get(middleware.TeacherIDKey)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	id, _ := v.(uint64)

	var teacher models.Teacher
	if err := h.DB.WithContext(c.Request.Context()).First(&teacher, id).Error; err != nil {
		common.Fail(c, http.StatusNotFound, 40007, "account not found")
		return
	}
	common.OK(c, teacher)
}
