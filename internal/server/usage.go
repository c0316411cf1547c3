package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

type trackUsageResponse struct {
	Record    usagedomain.UsageRecord `json:"record"`
	Duplicate bool                    `json:"duplicate"`
	Remaining *int64                  `json:"remaining,omitempty"`
	Overage   int64                   `json:"overage"`
}

// TrackUsage checks quota and records consumption in one call. A denied
// call records nothing and surfaces as 429.
func (s *Server) TrackUsage(c *gin.Context) {
	var req usagedomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	result, err := s.usageSvc.EnforceAndTrack(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, trackUsageResponse{
		Record:    result.Record,
		Duplicate: result.Duplicate,
		Remaining: result.Remaining,
		Overage:   result.Overage,
	})
}

// RecordUsage logs consumption that was authorized elsewhere, a batch
// import or an offline meter. No quota decision is made.
func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	result, err := s.usageSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, trackUsageResponse{
		Record:    result.Record,
		Duplicate: result.Duplicate,
		Remaining: result.Remaining,
		Overage:   result.Overage,
	})
}

func (s *Server) RecentUsage(c *gin.Context) {
	resp, err := s.usageSvc.GetRecentUsage(c.Request.Context(), usagedomain.ListUsageRequest{
		UserID:     c.Query("user_id"),
		FeatureKey: c.Query("feature_key"),
		PageToken:  c.Query("page_token"),
		PageSize:   pageSizeParam(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
