package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

func (s *Server) RegisterWebhookEndpoint(c *gin.Context) {
	var req webhookdomain.RegisterEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	endpoint, err := s.webhookSvc.RegisterEndpoint(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, endpoint)
}

func (s *Server) ListWebhookEndpoints(c *gin.Context) {
	endpoints, err := s.webhookSvc.ListEndpoints(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

func (s *Server) RevokeWebhookEndpoint(c *gin.Context) {
	if err := s.webhookSvc.RevokeEndpoint(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (s *Server) ListWebhookDeliveries(c *gin.Context) {
	deliveries, err := s.webhookSvc.ListDeliveries(c.Request.Context(), c.Param("id"), limitParam(c, 50))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

// RedeliverWebhooks re-sends the most recent failed delivery of each message
// to the endpoint.
func (s *Server) RedeliverWebhooks(c *gin.Context) {
	count, err := s.webhookSvc.RedeliverFailed(c.Request.Context(), c.Param("id"), limitParam(c, 50))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"redelivered": count})
}
