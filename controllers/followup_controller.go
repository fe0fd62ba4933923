package controllers

import (
	"net/http"
	"strconv"
	"time"

	"campaign_dispatcher/services"

	"github.com/gin-gonic/gin"
)

// overdueGrace is how long past its trigger time a follow-up may sit
// before it counts as stuck in the diagnostics.
const overdueGrace = 10 * time.Minute

// FollowupController exposes follow-up scheduling and diagnostics.
type FollowupController struct {
	service *services.FollowupService
}

func NewFollowupController(service *services.FollowupService) *FollowupController {
	return &FollowupController{service: service}
}

// Status reports scheduled and overdue trigger counts.
func (c *FollowupController) Status(ctx *gin.Context) {
	scheduled, overdue, err := c.service.Stats(overdueGrace)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"scheduled": scheduled,
		"overdue":   overdue,
	})
}

// Due lists customers whose follow-up timer has elapsed.
func (c *FollowupController) Due(ctx *gin.Context) {
	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	due, err := c.service.DueCustomers(limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"count": len(due), "customers": due})
}

// Schedule arms the stage 1 follow-up for a customer.
func (c *FollowupController) Schedule(ctx *gin.Context) {
	if err := c.service.ScheduleNext(ctx.Param("id")); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"scheduled": true})
}

// MarkReplied records a customer reply, cancelling the pending stage and
// re-arming stage 1.
func (c *FollowupController) MarkReplied(ctx *gin.Context) {
	if err := c.service.MarkReplied(ctx.Param("id")); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"replied": true})
}
