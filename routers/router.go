package routers

import (
	"campaign_dispatcher/controllers"

	"github.com/gin-gonic/gin"
)

// MapRoutes maps every dispatch and follow-up route onto the engine.
func MapRoutes(
	router *gin.Engine,
	campaigns *controllers.CampaignController,
	followups *controllers.FollowupController,
) {
	// Campaign runs and job bookkeeping
	router.POST("/campaigns/:id/run", campaigns.RunCampaign)
	router.GET("/jobs/:id/progress", campaigns.JobProgress)
	router.POST("/jobs/:id/retry", campaigns.RetryJob)
	router.GET("/stats/jobs", campaigns.OverallStats)

	// Worker pool management
	router.GET("/workers/status", campaigns.WorkerStatus)
	router.POST("/workers/start", campaigns.StartWorkers)
	router.POST("/workers/stop", campaigns.StopWorkers)

	// Follow-up scheduling and diagnostics
	followupGroup := router.Group("/followups")
	{
		followupGroup.GET("/status", followups.Status)
		followupGroup.GET("/due", followups.Due)
		followupGroup.POST("/customers/:id/schedule", followups.Schedule)
		followupGroup.POST("/customers/:id/replied", followups.MarkReplied)
	}
}
