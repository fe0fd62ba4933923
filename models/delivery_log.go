package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DeliveryAttemptLog archives one gateway delivery attempt with the full
// request/response detail that the relational status row doesn't keep.
type DeliveryAttemptLog struct {
	ID               primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	JobID            string                 `json:"job_id" bson:"job_id"`
	CampaignID       string                 `json:"campaign_id" bson:"campaign_id"`
	TargetType       string                 `json:"target_type" bson:"target_type"`
	TargetID         string                 `json:"target_id" bson:"target_id"`
	PhoneNumber      string                 `json:"phone_number" bson:"phone_number"`
	Status           string                 `json:"status" bson:"status"`
	ErrorCode        string                 `json:"error_code,omitempty" bson:"error_code,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty" bson:"error_message,omitempty"`
	HTTPStatusCode   int                    `json:"http_status_code,omitempty" bson:"http_status_code,omitempty"`
	GatewayMessageID string                 `json:"gateway_message_id,omitempty" bson:"gateway_message_id,omitempty"`
	RequestPayload   map[string]interface{} `json:"request_payload,omitempty" bson:"request_payload,omitempty"`
	ResponseBody     string                 `json:"response_body,omitempty" bson:"response_body,omitempty"`
	ProcessingTimeMs int64                  `json:"processing_time_ms" bson:"processing_time_ms"`
	AttemptCount     int                    `json:"attempt_count" bson:"attempt_count"`
	CreatedAt        time.Time              `json:"created_at" bson:"created_at"`
	LastAttemptAt    time.Time              `json:"last_attempt_at" bson:"last_attempt_at"`
}

// NewDeliveryAttemptLog creates a log entry for a freshly consumed task.
func NewDeliveryAttemptLog(task DispatchTask, phoneNumber string) *DeliveryAttemptLog {
	now := time.Now()
	return &DeliveryAttemptLog{
		ID:            primitive.NewObjectID(),
		JobID:         task.JobID,
		CampaignID:    task.CampaignID,
		TargetType:    task.TargetType,
		TargetID:      task.TargetID,
		PhoneNumber:   phoneNumber,
		Status:        StatusPending,
		AttemptCount:  0,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
}

// MarkSuccess records a 2xx gateway response.
func (l *DeliveryAttemptLog) MarkSuccess(httpStatus int, gatewayMessageID, responseBody string, elapsed time.Duration) {
	l.Status = StatusSuccess
	l.HTTPStatusCode = httpStatus
	l.GatewayMessageID = gatewayMessageID
	l.ResponseBody = responseBody
	l.ProcessingTimeMs = elapsed.Milliseconds()
	l.LastAttemptAt = time.Now()
	l.AttemptCount++
}

// MarkFailed records a non-2xx response or transport error.
func (l *DeliveryAttemptLog) MarkFailed(httpStatus int, errorCode, errorMessage string, elapsed time.Duration) {
	l.Status = StatusFailure
	l.HTTPStatusCode = httpStatus
	l.ErrorCode = errorCode
	l.ErrorMessage = errorMessage
	l.ProcessingTimeMs = elapsed.Milliseconds()
	l.LastAttemptAt = time.Now()
	l.AttemptCount++
}
