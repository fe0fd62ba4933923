// =====================================================================================
// DISPATCH WORKER: DURABLE QUEUE CONSUMER FOR CAMPAIGN DELIVERY
// =====================================================================================
// - One goroutine per worker, each with its own channel and prefetch=1.
// - Manual ack after the delivery status row is written (at-least-once).
//   If the status write itself fails, the delivery is nacked with requeue
//   so the broker replays it once the store is back.
// - A delivery failure is terminal: the status row records it and the
//   message is acked. Retries are an operator action, never automatic.
// - Malformed payloads are nacked without requeue and land in the DLQ.
// =====================================================================================

package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"campaign_dispatcher/models"
	"campaign_dispatcher/repository"
	"campaign_dispatcher/services"
	"campaign_dispatcher/utils"

	"github.com/streadway/amqp"
)

// errStatusPersist marks an attempt whose outcome could not be written to
// the status store. The delivery must go back to the broker so redelivery
// re-runs the attempt through the idempotent upsert.
var errStatusPersist = errors.New("delivery status not persisted")

// DispatchWorker processes dispatch tasks from the durable queue.
type DispatchWorker struct {
	queue     *utils.QueueClient
	gateway   services.MessageSender
	campaigns repository.CampaignRepositoryInterface
	customers repository.CustomerRepositoryInterface
	jobs      repository.JobRepositoryInterface
	statuses  repository.StatusRepositoryInterface
	archive   services.ArchiveWriter
}

func NewDispatchWorker(
	queue *utils.QueueClient,
	gateway services.MessageSender,
	campaigns repository.CampaignRepositoryInterface,
	customers repository.CustomerRepositoryInterface,
	jobs repository.JobRepositoryInterface,
	statuses repository.StatusRepositoryInterface,
	archive services.ArchiveWriter,
) *DispatchWorker {
	return &DispatchWorker{
		queue:     queue,
		gateway:   gateway,
		campaigns: campaigns,
		customers: customers,
		jobs:      jobs,
		statuses:  statuses,
		archive:   archive,
	}
}

// Spawn starts one worker goroutine consuming from the dispatch queue.
// The returned channel closes when the worker exits. Matches the
// services.WorkerSpawner signature.
func (w *DispatchWorker) Spawn(ctx context.Context, workerID int) (<-chan struct{}, error) {
	ch, err := w.queue.WorkerChannel()
	if err != nil {
		return nil, err
	}

	consumerTag := fmt.Sprintf("dispatch-worker-%d", workerID)
	msgs, err := ch.Consume(
		utils.DispatchQueueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consumer %s: %w", consumerTag, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ch.Close()

		log.Printf("[WORKER %d] Started", workerID)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[WORKER %d] Context cancelled, exiting", workerID)
				return
			case d, ok := <-msgs:
				if !ok {
					log.Printf("[WORKER %d] Delivery channel closed, exiting", workerID)
					return
				}
				w.handleDelivery(ctx, workerID, d)
			}
		}
	}()
	return done, nil
}

func (w *DispatchWorker) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery) {
	var task models.DispatchTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		log.Printf("[WORKER %d] Malformed task payload, sending to DLQ: %v", workerID, err)
		d.Nack(false, false)
		return
	}
	if task.JobID == "" || task.TargetID == "" {
		log.Printf("[WORKER %d] Task missing job_id or target_id, sending to DLQ", workerID)
		d.Nack(false, false)
		return
	}

	err := w.process(ctx, workerID, task)
	if err != nil {
		log.Printf("[WORKER %d] Task %s failed: %v", workerID, task.MessageID(), err)
	}

	// A delivery whose outcome never reached the status store must not be
	// acked: that would erase the attempt from both the queue and the
	// database. Requeue it and let the idempotent upsert absorb the replay.
	if errors.Is(err, errStatusPersist) {
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Printf("[WORKER %d] Failed to requeue %s: %v", workerID, task.MessageID(), nackErr)
		}
		return
	}

	// The status row is written by now; acking here keeps redelivery
	// limited to crashes between gateway call and status write, which the
	// upsert absorbs.
	if ackErr := d.Ack(false); ackErr != nil {
		log.Printf("[WORKER %d] Failed to ack %s: %v", workerID, task.MessageID(), ackErr)
	}
}

// process executes one delivery attempt. The finalize defer guarantees a
// status row and an archive entry exist for every consumed task, even if
// the attempt panics after the gateway call.
func (w *DispatchWorker) process(ctx context.Context, workerID int, task models.DispatchTask) (retErr error) {
	workerName := fmt.Sprintf("worker-%d", workerID)

	phone, err := w.resolvePhone(task)
	if err != nil {
		status := &models.DeliveryStatus{
			JobID:        task.JobID,
			TargetID:     task.TargetID,
			TargetType:   task.TargetType,
			Status:       models.StatusFailure,
			ErrorCode:    "target_not_found",
			ErrorMessage: err.Error(),
		}
		now := time.Now()
		status.ProcessedAt = &now
		if upErr := w.statuses.Upsert(status); upErr != nil {
			log.Printf("[WORKER %d] Failed to upsert status for %s: %v", workerID, task.MessageID(), upErr)
			return fmt.Errorf("%w: %v", errStatusPersist, upErr)
		}
		return err
	}

	status := &models.DeliveryStatus{
		JobID:       task.JobID,
		TargetID:    task.TargetID,
		TargetType:  task.TargetType,
		PhoneNumber: phone,
		Status:      models.StatusFailure,
	}
	attempt := models.NewDeliveryAttemptLog(task, phone)

	defer func() {
		now := time.Now()
		status.ProcessedAt = &now
		if err := w.statuses.Upsert(status); err != nil {
			log.Printf("[WORKER %d] Failed to upsert status for %s: %v", workerID, task.MessageID(), err)
			retErr = fmt.Errorf("%w: %v", errStatusPersist, err)
		}
		w.archive.Append(ctx, attempt)
		if err := w.jobs.TouchLastTriggered(task.JobID, workerName); err != nil {
			log.Printf("[WORKER %d] Failed to touch job %s: %v", workerID, task.JobID, err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			status.ErrorCode = "panic"
			status.ErrorMessage = fmt.Sprintf("%v", r)
			attempt.MarkFailed(0, "panic", status.ErrorMessage, 0)
			retErr = fmt.Errorf("panic while processing %s: %v", task.MessageID(), r)
		}
	}()

	payload := services.RenderPayload(task, phone)
	attempt.RequestPayload = payload

	start := time.Now()
	result, err := w.gateway.Send(ctx, payload)
	elapsed := time.Since(start)

	if err != nil {
		var gwErr *services.GatewayError
		switch {
		case errors.As(err, &gwErr):
			status.ErrorCode = gwErr.Code
			status.ErrorMessage = gwErr.Message
			attempt.MarkFailed(gwErr.HTTPStatus, gwErr.Code, gwErr.Message, elapsed)
		case errors.Is(err, models.ErrNoCredential):
			status.ErrorCode = "no_credential"
			status.ErrorMessage = err.Error()
			attempt.MarkFailed(0, "no_credential", err.Error(), elapsed)
			log.Printf("[WORKER %d] ⚠️ No gateway credential available, deliveries will keep failing", workerID)
		default:
			status.ErrorCode = "transport_error"
			status.ErrorMessage = err.Error()
			attempt.MarkFailed(0, "transport_error", err.Error(), elapsed)
		}
		return err
	}

	status.Status = models.StatusSuccess
	attempt.MarkSuccess(result.HTTPStatus, result.GatewayMessageID, result.ResponseBody, elapsed)
	if result.HTTPStatus != http.StatusOK {
		log.Printf("[WORKER %d] Delivered %s (http %d)", workerID, task.MessageID(), result.HTTPStatus)
	}
	return nil
}

func (w *DispatchWorker) resolvePhone(task models.DispatchTask) (string, error) {
	switch task.TargetType {
	case models.TargetTypeCustomer:
		customer, err := w.customers.GetByID(task.TargetID)
		if err != nil {
			return "", err
		}
		return customer.WaID, nil
	default:
		recipient, err := w.campaigns.GetRecipient(task.TargetID)
		if err != nil {
			return "", err
		}
		return recipient.PhoneNumber, nil
	}
}
