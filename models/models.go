package models

import (
	"errors"
	"time"
)

// Target types a dispatch task can address
const (
	TargetTypeRecipient = "recipient"
	TargetTypeCustomer  = "customer"
)

// DeliveryStatus values for a (job, target) pair
const (
	StatusPending = "pending"
	StatusQueued  = "queued"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Follow-up stage labels stored on the customer row
const (
	StageFollowUp1Sent = "follow_up_1_sent"
	StageFollowUp2Sent = "follow_up_2_sent"
)

// ErrPublishRejected marks a queue write that was refused by the broker.
// The task never entered the queue, so it is safe to re-publish.
var ErrPublishRejected = errors.New("queue publish rejected")

// ErrNoCredential means no usable gateway credential exists at all.
// This is the only worker-side failure that surfaces to the caller.
var ErrNoCredential = errors.New("no gateway credential available")

// DispatchTask is one unit of dispatch work for one recipient within one job.
// Immutable once published; consumed by exactly one worker per delivery
// attempt (at-least-once overall).
type DispatchTask struct {
	JobID       string `json:"job_id"`
	CampaignID  string `json:"campaign_id"`
	TargetType  string `json:"target_type"` // "recipient" | "customer"
	TargetID    string `json:"target_id"`
	MessageType string `json:"message_type"` // "template" | "text"
	Content     string `json:"content"`
	BatchSize   int    `json:"batch_size"`
	BatchDelay  int    `json:"batch_delay"` // seconds between publish rounds
}

// MessageID returns the stable dedup identity of the task.
func (t DispatchTask) MessageID() string {
	return t.JobID + ":" + t.TargetID
}

// Job is one execution run of a campaign, grouping many tasks.
type Job struct {
	ID                string
	CampaignID        string
	CreatedAt         time.Time
	LastTriggeredTime *time.Time
	LastAttemptedBy   string
}

// DeliveryStatus is the per-(job, target) delivery bookkeeping row.
// Unique on (JobID, TargetID); all writes are upserts so queue redelivery
// can never produce duplicates.
type DeliveryStatus struct {
	JobID        string
	TargetID     string
	TargetType   string
	PhoneNumber  string
	Status       string
	ErrorCode    string
	ErrorMessage string
	RetryCount   int
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// Campaign holds the message template and the recipient set for a blast.
type Campaign struct {
	ID          string
	Name        string
	MessageType string // "template" | "text"
	Content     string
	LastJobID   string
	CreatedAt   time.Time
}

// Recipient is one entry of a campaign's audience list.
type Recipient struct {
	ID          string
	CampaignID  string
	PhoneNumber string
	Name        string
}

// Customer carries the embedded follow-up trigger state.
// Invariant: a non-nil NextFollowupTime means a stage transition is armed;
// it is cleared on customer reply or terminal stage.
type Customer struct {
	ID                  string
	WaID                string
	Name                string
	NextFollowupTime    *time.Time
	LastMessageType     string // "" | follow_up_1_sent | follow_up_2_sent
	LastInteractionTime *time.Time
}

// GatewayCredential is an access token for the outbound messaging gateway.
type GatewayCredential struct {
	Token     string
	PhoneID   string
	CreatedAt time.Time
}

// WorkerStatus is the pool snapshot exposed over the API.
type WorkerStatus struct {
	IsRunning   bool  `json:"is_running"`
	WorkerCount int   `json:"worker_count"`
	WorkerIDs   []int `json:"worker_ids"`
	QueueDepth  int   `json:"queue_depth"` // -1 when the depth query failed
}

// CampaignProgress aggregates DeliveryStatus counts for one job.
type CampaignProgress struct {
	JobID                     string  `json:"job_id"`
	Total                     int     `json:"total"`
	Processed                 int     `json:"processed"`
	Pending                   int     `json:"pending"`
	Success                   int     `json:"success"`
	Failure                   int     `json:"failure"`
	ProgressPercent           float64 `json:"progress_percent"`
	SuccessRate               float64 `json:"success_rate"`
	EstimatedRemainingMinutes float64 `json:"estimated_remaining_minutes"`
}

// BatchResult is the outcome of one PublishBatch call. FailedTasks carries
// every task whose queue write was rejected - publish failures are never
// silently dropped.
type BatchResult struct {
	Success     int            `json:"success"`
	Failure     int            `json:"failure"`
	FailedTasks []DispatchTask `json:"failed_tasks,omitempty"`
}

// RetryResult reports an operator-triggered retry pass over a job.
type RetryResult struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}
