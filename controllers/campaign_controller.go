package controllers

import (
	"log"
	"net/http"

	"campaign_dispatcher/repository"
	"campaign_dispatcher/services"

	"github.com/gin-gonic/gin"
)

// CampaignController exposes campaign runs, job progress and the worker
// pool over HTTP.
type CampaignController struct {
	publisher  *services.BatchPublisher
	manager    *services.WorkerManager
	jobs       repository.JobRepositoryInterface
	numWorkers int
}

func NewCampaignController(
	publisher *services.BatchPublisher,
	manager *services.WorkerManager,
	jobs repository.JobRepositoryInterface,
	numWorkers int,
) *CampaignController {
	return &CampaignController{
		publisher:  publisher,
		manager:    manager,
		jobs:       jobs,
		numWorkers: numWorkers,
	}
}

type runCampaignRequest struct {
	BatchSize  int `json:"batch_size"`
	BatchDelay int `json:"batch_delay"`
}

// RunCampaign enqueues a full campaign run and returns the new job id.
func (c *CampaignController) RunCampaign(ctx *gin.Context) {
	campaignID := ctx.Param("id")

	var req runCampaignRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 100
	}
	if req.BatchDelay < 0 {
		req.BatchDelay = 0
	}

	jobID, result, err := c.publisher.EnqueueCampaignRun(campaignID, req.BatchSize, req.BatchDelay)
	if err != nil {
		log.Printf("[API] Failed to enqueue campaign %s: %v", campaignID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"job_id":         jobID,
		"queued":         result.Success,
		"publish_failed": result.Failure,
		"failed_tasks":   result.FailedTasks,
	})
}

// JobProgress reports the aggregated delivery counts for one job.
func (c *CampaignController) JobProgress(ctx *gin.Context) {
	progress, err := c.publisher.Progress(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, progress)
}

// RetryJob re-publishes every non-success entry of a job.
func (c *CampaignController) RetryJob(ctx *gin.Context) {
	var req runCampaignRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 100
	}

	result, err := c.publisher.RetryStuck(ctx.Param("id"), req.BatchSize, req.BatchDelay)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// OverallStats aggregates delivery counts across all jobs.
func (c *CampaignController) OverallStats(ctx *gin.Context) {
	stats, err := c.jobs.OverallStats()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// WorkerStatus reports the pool snapshot.
func (c *CampaignController) WorkerStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.manager.Status())
}

type startWorkersRequest struct {
	NumWorkers int `json:"num_workers"`
}

// StartWorkers starts the pool if it isn't running.
func (c *CampaignController) StartWorkers(ctx *gin.Context) {
	var req startWorkersRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.NumWorkers <= 0 {
		req.NumWorkers = c.numWorkers
	}

	started, err := c.manager.EnsureWorkersRunning(req.NumWorkers)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"started": started, "status": c.manager.Status()})
}

type stopWorkersRequest struct {
	Force bool `json:"force"`
}

// StopWorkers stops the pool.
func (c *CampaignController) StopWorkers(ctx *gin.Context) {
	var req stopWorkersRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	c.manager.StopWorkers(req.Force)
	ctx.JSON(http.StatusOK, gin.H{"stopped": true, "status": c.manager.Status()})
}
