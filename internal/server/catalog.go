package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func planIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("id", "invalid_plan", "malformed plan id"))
		return 0, false
	}
	return id, true
}

func (s *Server) GetPlan(c *gin.Context) {
	planID, ok := planIDParam(c)
	if !ok {
		return
	}

	plan, err := s.catalogSvc.GetPlan(c.Request.Context(), planID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, plan)
}

func (s *Server) ListPlanFeatures(c *gin.Context) {
	planID, ok := planIDParam(c)
	if !ok {
		return
	}

	features, err := s.catalogSvc.ListPlanFeatures(c.Request.Context(), planID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"features": features})
}

func (s *Server) GetPlanPrice(c *gin.Context) {
	planID, ok := planIDParam(c)
	if !ok {
		return
	}

	price, err := s.catalogSvc.CurrentPrice(c.Request.Context(), planID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, price)
}

func (s *Server) GetFeature(c *gin.Context) {
	feature, err := s.catalogSvc.GetFeatureByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, feature)
}
