package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"campaign_dispatcher/models"
	"campaign_dispatcher/repository"
)

// Template names for the two follow-up stages
const (
	FollowUp1Template = "follow_up_1"
	FollowUp2Template = "follow_up_2"
)

type followupAction int

const (
	actionNone followupAction = iota
	actionSendStage1
	actionSendStage2
	actionClearSkip
)

func (a followupAction) String() string {
	switch a {
	case actionSendStage1:
		return "send_stage1"
	case actionSendStage2:
		return "send_stage2"
	case actionClearSkip:
		return "clear_skip"
	default:
		return "none"
	}
}

// MessageSender delivers one rendered payload through the gateway.
type MessageSender interface {
	Send(ctx context.Context, payload map[string]interface{}) (*SendResult, error)
}

// FollowupService owns the customer follow-up funnel: stage 1 fires D1
// after the last interaction, stage 2 fires D2 after stage 1, and any
// customer reply in between cancels the rest of the funnel.
type FollowupService struct {
	customers repository.CustomerRepositoryInterface
	sender    MessageSender
	d1        time.Duration
	d2        time.Duration

	// now is swappable in tests
	now func() time.Time
}

func NewFollowupService(customers repository.CustomerRepositoryInterface, sender MessageSender, d1, d2 time.Duration) *FollowupService {
	return &FollowupService{
		customers: customers,
		sender:    sender,
		d1:        d1,
		d2:        d2,
		now:       time.Now,
	}
}

// planTransition decides what to do for one customer without side effects.
//
// The stage a pending timer belongs to is read off the stage label: an
// empty label means the armed timer is stage 1, follow_up_1_sent means
// stage 2. The send moment that armed the timer is derived from the timer
// itself (next - delay), which is what the reply guard compares
// last_interaction_time against.
func (s *FollowupService) planTransition(c *models.Customer, now time.Time) followupAction {
	if c.NextFollowupTime == nil {
		return actionNone
	}
	if now.Before(*c.NextFollowupTime) {
		return actionNone
	}

	switch c.LastMessageType {
	case "":
		// Stage 1 pending. A reply after it was armed cancels it.
		armedAt := c.NextFollowupTime.Add(-s.d1)
		if c.LastInteractionTime != nil && c.LastInteractionTime.After(armedAt) {
			return actionClearSkip
		}
		return actionSendStage1

	case models.StageFollowUp1Sent:
		// Stage 2 pending. A reply after the stage 1 send cancels it.
		stage1SentAt := c.NextFollowupTime.Add(-s.d2)
		if c.LastInteractionTime != nil && c.LastInteractionTime.After(stage1SentAt) {
			return actionClearSkip
		}
		return actionSendStage2

	default:
		// Terminal stage with a leftover timer: clear it.
		return actionClearSkip
	}
}

// ProcessCustomer plans and executes at most one transition for the
// customer. Callers hold the per-customer lock.
func (s *FollowupService) ProcessCustomer(ctx context.Context, c *models.Customer) error {
	now := s.now()
	action := s.planTransition(c, now)

	switch action {
	case actionNone:
		return nil

	case actionClearSkip:
		log.Printf("[FOLLOWUP] Customer %s replied or is terminal, clearing trigger", c.ID)
		return s.customers.UpdateFollowupState(c.ID, "", nil)

	case actionSendStage1:
		if err := s.sendTemplate(ctx, c.WaID, FollowUp1Template); err != nil {
			return fmt.Errorf("stage 1 send failed for %s: %w", c.ID, err)
		}
		next := now.Add(s.d2)
		log.Printf("[FOLLOWUP] Sent stage 1 to customer %s, stage 2 armed for %s", c.ID, next.Format(time.RFC3339))
		return s.customers.UpdateFollowupState(c.ID, models.StageFollowUp1Sent, &next)

	case actionSendStage2:
		if err := s.sendTemplate(ctx, c.WaID, FollowUp2Template); err != nil {
			return fmt.Errorf("stage 2 send failed for %s: %w", c.ID, err)
		}
		log.Printf("[FOLLOWUP] Sent stage 2 to customer %s, funnel complete", c.ID)
		return s.customers.UpdateFollowupState(c.ID, models.StageFollowUp2Sent, nil)
	}
	return nil
}

func (s *FollowupService) sendTemplate(ctx context.Context, waID, template string) error {
	payload := RenderPayload(models.DispatchTask{
		MessageType: "template",
		Content:     template,
	}, waID)
	_, err := s.sender.Send(ctx, payload)
	return err
}

// ScheduleNext arms stage 1 for the customer at now + D1.
func (s *FollowupService) ScheduleNext(customerID string) error {
	next := s.now().Add(s.d1)
	return s.customers.UpdateFollowupState(customerID, "", &next)
}

// MarkReplied records a customer reply: the pending stage is cancelled,
// the stage label cleared and stage 1 re-armed from the reply moment.
func (s *FollowupService) MarkReplied(customerID string) error {
	now := s.now()
	if err := s.customers.UpdateLastInteraction(customerID, now); err != nil {
		return err
	}
	next := now.Add(s.d1)
	return s.customers.UpdateFollowupState(customerID, "", &next)
}

// DueCustomers lists customers whose timer has elapsed (diagnostics).
func (s *FollowupService) DueCustomers(limit int) ([]models.Customer, error) {
	return s.customers.ListDue(s.now(), limit)
}

// Stats reports scheduled and overdue trigger counts (diagnostics).
func (s *FollowupService) Stats(grace time.Duration) (scheduled, overdue int, err error) {
	scheduled, err = s.customers.CountScheduled()
	if err != nil {
		return 0, 0, err
	}
	overdue, err = s.customers.CountOverdue(s.now(), grace)
	if err != nil {
		return 0, 0, err
	}
	return scheduled, overdue, nil
}
