package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"campaign_dispatcher/repository"
)

// Locker is the distributed lock surface the scheduler needs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

const (
	followupLockPrefix = "followup_lock:"
	dueBatchLimit      = 100
	errorBackoff       = 30 * time.Second
)

// FollowupScheduler polls for due customers on a fixed tick and executes
// at most one transition per customer per pass. A per-customer lock keeps
// concurrent scheduler instances from double-sending; a lock miss is a
// skip, not an error. The loop survives any pass-level failure.
type FollowupScheduler struct {
	service   *FollowupService
	customers repository.CustomerRepositoryInterface
	lock      Locker
	lockTTL   time.Duration
	interval  time.Duration
}

func NewFollowupScheduler(
	service *FollowupService,
	customers repository.CustomerRepositoryInterface,
	lock Locker,
	lockTTL time.Duration,
	interval time.Duration,
) *FollowupScheduler {
	return &FollowupScheduler{
		service:   service,
		customers: customers,
		lock:      lock,
		lockTTL:   lockTTL,
		interval:  interval,
	}
}

// Run blocks until ctx is cancelled.
func (s *FollowupScheduler) Run(ctx context.Context) {
	log.Printf("[FOLLOWUP_SCHEDULER] Started (interval %s, lock TTL %s)", s.interval, s.lockTTL)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[FOLLOWUP_SCHEDULER] Stopped")
			return
		case <-ticker.C:
		}

		if err := s.runPass(ctx); err != nil {
			log.Printf("[FOLLOWUP_SCHEDULER] Pass failed: %v. Backing off %s", err, errorBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

// runPass processes one batch of due customers. Panics are contained so a
// bad row can never kill the scheduler loop.
func (s *FollowupScheduler) runPass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler pass panicked: %v", r)
		}
	}()

	due, err := s.customers.ListDue(time.Now(), dueBatchLimit)
	if err != nil {
		return fmt.Errorf("failed to list due customers: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	log.Printf("[FOLLOWUP_SCHEDULER] %d customers due", len(due))

	for i := range due {
		s.processCandidate(ctx, due[i].ID)
	}
	return nil
}

// processCandidate takes the per-customer lock, re-reads the row under it
// and executes one transition. The re-read matters: another instance may
// have already handled this customer between the due query and the lock.
func (s *FollowupScheduler) processCandidate(ctx context.Context, customerID string) {
	key := followupLockPrefix + customerID
	token, err := s.lock.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		log.Printf("[FOLLOWUP_SCHEDULER] Lock acquire failed for %s: %v", customerID, err)
		return
	}
	if token == "" {
		// Another instance holds it
		return
	}
	defer func() {
		if err := s.lock.Release(ctx, key, token); err != nil {
			log.Printf("[FOLLOWUP_SCHEDULER] Lock release failed for %s: %v", customerID, err)
		}
	}()

	customer, err := s.customers.GetByID(customerID)
	if err != nil {
		log.Printf("[FOLLOWUP_SCHEDULER] Failed to re-fetch customer %s: %v", customerID, err)
		return
	}

	if err := s.service.ProcessCustomer(ctx, customer); err != nil {
		log.Printf("[FOLLOWUP_SCHEDULER] Failed to process customer %s: %v", customerID, err)
	}
}
