package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accessdomain "github.com/smallbiznis/examly/internal/access/domain"
	entitlementdomain "github.com/smallbiznis/examly/internal/entitlement/domain"
)

type accessResponse struct {
	ExamID       int64                      `json:"exam_id"`
	ExamType     string                     `json:"exam_type"`
	Allowed      bool                       `json:"allowed"`
	Kind         string                     `json:"kind,omitempty"`
	ReasonCode   string                     `json:"reason_code,omitempty"`
	Entitlements entitlementdomain.Snapshot `json:"entitlements"`
}

type examRequest struct {
	ExamID int64 `json:"exam_id"`
}

func (s *Server) CheckAccess(c *gin.Context) {
	examID, err := strconv.ParseInt(strings.TrimSpace(c.Query("exam_id")), 10, 64)
	if err != nil || examID <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.accessSvc.Check(c.Request.Context(), callerIdentity(c), examID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := accessResponse{
		ExamID:       result.Exam.ID,
		ExamType:     string(result.Exam.ExamType),
		Allowed:      result.Decision.Allowed(),
		Entitlements: result.Entitlements,
	}
	switch d := result.Decision.(type) {
	case accessdomain.Allow:
		resp.Kind = string(d.Kind)
	case accessdomain.Deny:
		resp.ReasonCode = string(d.Reason)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) StartAttempt(c *gin.Context) {
	var req examRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ExamID <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	attempt, err := s.accessSvc.StartAttempt(c.Request.Context(), callerIdentity(c), req.ExamID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": attempt})
}

func (s *Server) CompleteAttempt(c *gin.Context) {
	attemptID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	attempt, err := s.accessSvc.CompleteAttempt(c.Request.Context(), callerIdentity(c), attemptID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attempt})
}

func (s *Server) OpenOral(c *gin.Context) {
	var req examRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ExamID <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	opening, err := s.accessSvc.OpenOral(c.Request.Context(), callerIdentity(c), req.ExamID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"allowed": true, "slot": opening.Slot}
	if allow, ok := opening.Decision.(accessdomain.Allow); ok {
		resp["kind"] = string(allow.Kind)
	}
	c.JSON(http.StatusOK, resp)
}
