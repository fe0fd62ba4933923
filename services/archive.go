package services

import (
	"context"
	"log"
	"time"

	"campaign_dispatcher/models"
	"campaign_dispatcher/utils"
)

const deliveryAttemptsCollection = "delivery_attempts"

// ArchiveWriter appends delivery attempt documents to the archive.
type ArchiveWriter interface {
	Append(ctx context.Context, entry *models.DeliveryAttemptLog)
}

// DeliveryArchive stores per-attempt gateway request/response detail in
// MongoDB. The archive is best effort: a write failure is logged and never
// blocks the delivery pipeline.
type DeliveryArchive struct{}

func NewDeliveryArchive() *DeliveryArchive {
	return &DeliveryArchive{}
}

func (a *DeliveryArchive) Append(ctx context.Context, entry *models.DeliveryAttemptLog) {
	coll := utils.GetCollection(deliveryAttemptsCollection)
	if coll == nil {
		log.Println("[ARCHIVE] MongoDB not initialized, skipping attempt log")
		return
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := coll.InsertOne(timeoutCtx, entry); err != nil {
		log.Printf("[ARCHIVE] Failed to store attempt log for %s:%s: %v", entry.JobID, entry.TargetID, err)
	}
}

var _ ArchiveWriter = (*DeliveryArchive)(nil)
