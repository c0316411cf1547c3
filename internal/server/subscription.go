package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
)

func (s *Server) StartSubscription(c *gin.Context) {
	var req subscriptiondomain.StartSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	sub, err := s.subscriptionSvc.Start(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (s *Server) GetSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) GetActiveSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetActive(c.Request.Context(), subscriptiondomain.GetActiveRequest{
		UserID: c.Query("user_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) ChangePlan(c *gin.Context) {
	var req subscriptiondomain.ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	req.SubscriptionID = c.Param("id")

	sub, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req subscriptiondomain.CancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
			return
		}
	}
	req.SubscriptionID = c.Param("id")

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Reactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) RebuildSubscriptionItems(c *gin.Context) {
	if err := s.subscriptionSvc.RebuildItems(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) SubscriptionChangeHistory(c *gin.Context) {
	resp, err := s.subscriptionSvc.GetChangeHistory(c.Request.Context(), subscriptiondomain.ListChangeLogRequest{
		SubscriptionID: c.Param("id"),
		PageToken:      c.Query("page_token"),
		PageSize:       pageSizeParam(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
