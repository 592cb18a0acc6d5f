package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterly/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
)

type tierRequest struct {
	Tier string `json:"tier"`
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateSubscriptionRequest{
		UserID: userID,
		Tier:   req.Tier,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ChangeTier(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.ChangeTier(c.Request.Context(), userID, tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), userID, req.AtPeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetUsage(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.GetUsage(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
