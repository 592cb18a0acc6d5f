package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type billPeriodRequest struct {
	PeriodStart time.Time `json:"period_start" binding:"required"`
	PeriodEnd   time.Time `json:"period_end" binding:"required"`
}

// BillPeriod aggregates unbilled operations in the window. A window with
// nothing to bill answers 200 with null data.
func (s *Server) BillPeriod(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req billPeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.BillUsage(c.Request.Context(), userID, req.PeriodStart.UTC(), req.PeriodEnd.UTC())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if resp == nil {
		c.JSON(http.StatusOK, gin.H{"data": nil})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListBillingRecords(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	resp, err := s.billingSvc.History(c.Request.Context(), userID, n)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) BillingSummary(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	resp, err := s.billingSvc.Summary(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
