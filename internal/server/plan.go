package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
)

func (s *Server) CreatePlan(c *gin.Context) {
	var req plandomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	plan, err := s.planSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, plan)
}

// GetPlan resolves the path parameter as a snowflake ID first and falls
// back to the plan code, so both /v1/plans/175928847299117063 and
// /v1/plans/pro work.
func (s *Server) GetPlan(c *gin.Context) {
	key := c.Param("id")

	plan, err := s.planSvc.Get(c.Request.Context(), key)
	if errors.Is(err, plandomain.ErrPlanNotFound) {
		plan, err = s.planSvc.GetByCode(c.Request.Context(), key)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, plan)
}

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.planSvc.ListActive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plans": plans})
}
