package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/meterly/internal/observability/logger"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	"github.com/smallbiznis/meterly/pkg/db/pagination"
)

const defaultStatsWindow = 30 * 24 * time.Hour

// ExecuteOperation runs one metered operation. Handler failures come back
// as 200 with status "failed"; quota exhaustion is 402.
func (s *Server) ExecuteOperation(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req operationdomain.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userID
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()
	c.Set(obslogger.OperationTypeKey, strings.TrimSpace(req.Type))

	resp, err := s.operationSvc.Execute(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListOperations(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var query struct {
		pagination.Pagination
		Type   string `form:"type"`
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.operationSvc.List(c.Request.Context(), operationdomain.ListOperationsRequest{
		UserID:     userID,
		Type:       strings.TrimSpace(query.Type),
		Status:     strings.TrimSpace(query.Status),
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Operations,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetOperation(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	id, ok := parseSnowflakeID(c.Param("id"))
	if !ok {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid operation id"))
		return
	}

	resp, err := s.operationSvc.Get(c.Request.Context(), userID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) OperationStats(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	since, err := parseOptionalTime(c.Query("since"))
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}
	if since == nil {
		from := s.clock.Now().Add(-defaultStatsWindow)
		since = &from
	}

	resp, err := s.operationSvc.Stats(c.Request.Context(), userID, *since)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
