package services

import (
	"fmt"
	"log"
	"time"

	"campaign_dispatcher/models"
	"campaign_dispatcher/repository"

	"github.com/google/uuid"
)

// TaskPublisher is the queue surface the publisher needs.
type TaskPublisher interface {
	Publish(task models.DispatchTask) error
}

// WorkerEnsurer starts the worker pool when new work arrives.
type WorkerEnsurer interface {
	EnsureWorkersRunning(n int) (bool, error)
}

// BatchPublisher enqueues campaign runs in throttled rounds and tracks
// per-job progress.
type BatchPublisher struct {
	queue      TaskPublisher
	campaigns  repository.CampaignRepositoryInterface
	jobs       repository.JobRepositoryInterface
	statuses   repository.StatusRepositoryInterface
	workers    WorkerEnsurer
	numWorkers int

	// Progress ETA assumes this steady throughput.
	throughputPerMinute int

	// sleep is swappable in tests
	sleep func(time.Duration)
}

func NewBatchPublisher(
	queue TaskPublisher,
	campaigns repository.CampaignRepositoryInterface,
	jobs repository.JobRepositoryInterface,
	statuses repository.StatusRepositoryInterface,
	workers WorkerEnsurer,
	numWorkers int,
	throughputPerMinute int,
) *BatchPublisher {
	return &BatchPublisher{
		queue:               queue,
		campaigns:           campaigns,
		jobs:                jobs,
		statuses:            statuses,
		workers:             workers,
		numWorkers:          numWorkers,
		throughputPerMinute: throughputPerMinute,
		sleep:               time.Sleep,
	}
}

// PublishBatch writes tasks to the queue in rounds of batchSize, sleeping
// batchDelay seconds between rounds but not after the last one. A rejected
// publish is counted and carried in FailedTasks, never silently dropped.
func (p *BatchPublisher) PublishBatch(tasks []models.DispatchTask, batchSize, batchDelay int) models.BatchResult {
	result := models.BatchResult{}
	if len(tasks) == 0 {
		return result
	}
	if batchSize <= 0 {
		batchSize = len(tasks)
	}

	rounds := (len(tasks) + batchSize - 1) / batchSize
	for round := 0; round < rounds; round++ {
		start := round * batchSize
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}

		for _, task := range tasks[start:end] {
			if err := p.queue.Publish(task); err != nil {
				log.Printf("[BATCH_PUBLISHER] Failed to publish task %s: %v", task.MessageID(), err)
				result.Failure++
				result.FailedTasks = append(result.FailedTasks, task)
				continue
			}
			result.Success++
		}

		if round < rounds-1 && batchDelay > 0 {
			p.sleep(time.Duration(batchDelay) * time.Second)
		}
	}

	log.Printf("[BATCH_PUBLISHER] Published %d/%d tasks in %d rounds (%d failures)",
		result.Success, len(tasks), rounds, result.Failure)
	return result
}

// EnqueueCampaignRun creates a job for the campaign, seeds pending status
// rows for every recipient, publishes the tasks in throttled rounds and
// wakes the worker pool. Returns the new job id with the publish outcome.
func (p *BatchPublisher) EnqueueCampaignRun(campaignID string, batchSize, batchDelay int) (string, models.BatchResult, error) {
	campaign, err := p.campaigns.GetByID(campaignID)
	if err != nil {
		return "", models.BatchResult{}, err
	}

	recipients, err := p.campaigns.ListRecipients(campaignID)
	if err != nil {
		return "", models.BatchResult{}, err
	}
	if len(recipients) == 0 {
		return "", models.BatchResult{}, fmt.Errorf("campaign %s has no recipients", campaignID)
	}

	job := &models.Job{ID: uuid.New().String(), CampaignID: campaignID}
	if err := p.jobs.Create(job); err != nil {
		return "", models.BatchResult{}, fmt.Errorf("failed to create job: %w", err)
	}

	statuses := make([]models.DeliveryStatus, 0, len(recipients))
	tasks := make([]models.DispatchTask, 0, len(recipients))
	for _, rec := range recipients {
		statuses = append(statuses, models.DeliveryStatus{
			JobID:       job.ID,
			TargetID:    rec.ID,
			TargetType:  models.TargetTypeRecipient,
			PhoneNumber: rec.PhoneNumber,
		})
		tasks = append(tasks, models.DispatchTask{
			JobID:       job.ID,
			CampaignID:  campaignID,
			TargetType:  models.TargetTypeRecipient,
			TargetID:    rec.ID,
			MessageType: campaign.MessageType,
			Content:     campaign.Content,
			BatchSize:   batchSize,
			BatchDelay:  batchDelay,
		})
	}

	if err := p.statuses.BulkInsertPending(job.ID, statuses); err != nil {
		return "", models.BatchResult{}, fmt.Errorf("failed to seed status rows: %w", err)
	}

	result := p.PublishBatch(tasks, batchSize, batchDelay)

	failed := make(map[string]bool, len(result.FailedTasks))
	for _, t := range result.FailedTasks {
		failed[t.TargetID] = true
	}
	for _, t := range tasks {
		if failed[t.TargetID] {
			continue
		}
		if err := p.statuses.MarkQueued(job.ID, t.TargetID); err != nil {
			log.Printf("[BATCH_PUBLISHER] Failed to mark %s queued: %v", t.MessageID(), err)
		}
	}

	if err := p.campaigns.UpdateLastJobID(campaignID, job.ID); err != nil {
		log.Printf("[BATCH_PUBLISHER] Failed to update campaign last_job_id: %v", err)
	}

	if p.workers != nil {
		if started, err := p.workers.EnsureWorkersRunning(p.numWorkers); err != nil {
			log.Printf("[BATCH_PUBLISHER] Failed to ensure workers: %v", err)
		} else if started {
			log.Printf("[BATCH_PUBLISHER] Worker pool started for job %s", job.ID)
		}
	}

	return job.ID, result, nil
}

// Progress aggregates the delivery status counts for one job.
func (p *BatchPublisher) Progress(jobID string) (*models.CampaignProgress, error) {
	if _, err := p.jobs.GetByID(jobID); err != nil {
		return nil, err
	}

	counts, err := p.statuses.Counts(jobID)
	if err != nil {
		return nil, err
	}

	progress := &models.CampaignProgress{
		JobID:   jobID,
		Pending: counts[models.StatusPending] + counts[models.StatusQueued],
		Success: counts[models.StatusSuccess],
		Failure: counts[models.StatusFailure],
	}
	progress.Processed = progress.Success + progress.Failure
	progress.Total = progress.Processed + progress.Pending

	if progress.Total > 0 {
		progress.ProgressPercent = float64(progress.Processed) / float64(progress.Total) * 100
	}
	if progress.Processed > 0 {
		progress.SuccessRate = float64(progress.Success) / float64(progress.Processed) * 100
	}
	if p.throughputPerMinute > 0 {
		progress.EstimatedRemainingMinutes = float64(progress.Pending) / float64(p.throughputPerMinute)
	}
	return progress, nil
}

// RetryStuck resets every non-success entry of a job to queued and
// re-publishes it as a fresh task. The reset happens before the publish:
// once a task is on the queue a running worker may deliver it at any
// moment, and a status write after that point could bury the outcome.
// Publish failures are counted, not retried; their rows stay queued and
// a later retry picks them up again.
func (p *BatchPublisher) RetryStuck(jobID string, batchSize, batchDelay int) (*models.RetryResult, error) {
	job, err := p.jobs.GetByID(jobID)
	if err != nil {
		return nil, err
	}
	campaign, err := p.campaigns.GetByID(job.CampaignID)
	if err != nil {
		return nil, err
	}

	stuck, err := p.statuses.ListNonSuccess(jobID)
	if err != nil {
		return nil, err
	}

	result := &models.RetryResult{}
	tasks := make([]models.DispatchTask, 0, len(stuck))
	for _, s := range stuck {
		if err := p.statuses.ResetToQueued(jobID, s.TargetID); err != nil {
			log.Printf("[BATCH_PUBLISHER] Failed to reset status for %s:%s: %v", jobID, s.TargetID, err)
		}
		tasks = append(tasks, models.DispatchTask{
			JobID:       jobID,
			CampaignID:  job.CampaignID,
			TargetType:  s.TargetType,
			TargetID:    s.TargetID,
			MessageType: campaign.MessageType,
			Content:     campaign.Content,
			BatchSize:   batchSize,
			BatchDelay:  batchDelay,
		})
	}

	batch := p.PublishBatch(tasks, batchSize, batchDelay)
	result.Retried = batch.Success
	result.Failed = batch.Failure

	if p.workers != nil && result.Retried > 0 {
		if _, err := p.workers.EnsureWorkersRunning(p.numWorkers); err != nil {
			log.Printf("[BATCH_PUBLISHER] Failed to ensure workers: %v", err)
		}
	}

	return result, nil
}
