package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"campaign_dispatcher/models"
	"campaign_dispatcher/services"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCampaigns struct {
	recipients map[string]models.Recipient
}

func (s *stubCampaigns) GetByID(id string) (*models.Campaign, error) {
	return nil, errors.New("not used")
}

func (s *stubCampaigns) ListRecipients(campaignID string) ([]models.Recipient, error) {
	return nil, errors.New("not used")
}

func (s *stubCampaigns) GetRecipient(id string) (*models.Recipient, error) {
	rec, ok := s.recipients[id]
	if !ok {
		return nil, errors.New("recipient not found")
	}
	return &rec, nil
}

func (s *stubCampaigns) UpdateLastJobID(campaignID, jobID string) error { return nil }

type stubJobs struct {
	touched []string
}

func (s *stubJobs) Create(job *models.Job) error           { return nil }
func (s *stubJobs) GetByID(id string) (*models.Job, error) { return nil, errors.New("not used") }
func (s *stubJobs) OverallStats() (map[string]int, error)  { return nil, errors.New("not used") }

func (s *stubJobs) TouchLastTriggered(id, workerName string) error {
	s.touched = append(s.touched, id+"/"+workerName)
	return nil
}

type stubStatuses struct {
	rows      map[string]*models.DeliveryStatus
	upsertErr error
}

func (s *stubStatuses) Upsert(row *models.DeliveryStatus) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.rows == nil {
		s.rows = map[string]*models.DeliveryStatus{}
	}
	clone := *row
	s.rows[row.JobID+":"+row.TargetID] = &clone
	return nil
}

func (s *stubStatuses) BulkInsertPending(jobID string, statuses []models.DeliveryStatus) error {
	return nil
}
func (s *stubStatuses) MarkQueued(jobID, targetID string) error    { return nil }
func (s *stubStatuses) ResetToQueued(jobID, targetID string) error { return nil }
func (s *stubStatuses) Counts(jobID string) (map[string]int, error) {
	return nil, errors.New("not used")
}
func (s *stubStatuses) ListNonSuccess(jobID string) ([]models.DeliveryStatus, error) {
	return nil, errors.New("not used")
}

type stubArchive struct {
	entries []*models.DeliveryAttemptLog
}

func (s *stubArchive) Append(ctx context.Context, entry *models.DeliveryAttemptLog) {
	s.entries = append(s.entries, entry)
}

type stubSender struct {
	result *services.SendResult
	err    error
	panics bool
	calls  int
}

func (s *stubSender) Send(ctx context.Context, payload map[string]interface{}) (*services.SendResult, error) {
	s.calls++
	if s.panics {
		panic("sender exploded")
	}
	return s.result, s.err
}

func newTestWorker(sender *stubSender) (*DispatchWorker, *stubStatuses, *stubArchive, *stubJobs) {
	campaigns := &stubCampaigns{recipients: map[string]models.Recipient{
		"r-1": {ID: "r-1", CampaignID: "c-1", PhoneNumber: "911234"},
	}}
	jobs := &stubJobs{}
	statuses := &stubStatuses{}
	archive := &stubArchive{}
	w := NewDispatchWorker(nil, sender, campaigns, nil, jobs, statuses, archive)
	return w, statuses, archive, jobs
}

func testTask() models.DispatchTask {
	return models.DispatchTask{
		JobID:       "job-1",
		CampaignID:  "c-1",
		TargetType:  models.TargetTypeRecipient,
		TargetID:    "r-1",
		MessageType: "text",
		Content:     "hello",
	}
}

func TestProcessSuccessWritesStatusAndArchive(t *testing.T) {
	sender := &stubSender{result: &services.SendResult{
		HTTPStatus:       200,
		GatewayMessageID: "wamid.abc",
		ResponseBody:     `{"messages":[{"id":"wamid.abc"}]}`,
	}}
	w, statuses, archive, jobs := newTestWorker(sender)

	err := w.process(context.Background(), 1, testTask())
	require.NoError(t, err)

	row := statuses.rows["job-1:r-1"]
	require.NotNil(t, row)
	assert.Equal(t, models.StatusSuccess, row.Status)
	assert.Equal(t, "911234", row.PhoneNumber)
	require.NotNil(t, row.ProcessedAt)

	require.Len(t, archive.entries, 1)
	assert.Equal(t, models.StatusSuccess, archive.entries[0].Status)
	assert.Equal(t, "wamid.abc", archive.entries[0].GatewayMessageID)

	require.Len(t, jobs.touched, 1)
	assert.Equal(t, "job-1/worker-1", jobs.touched[0])
}

func TestProcessGatewayErrorIsTerminalFailure(t *testing.T) {
	sender := &stubSender{err: &services.GatewayError{
		HTTPStatus: 400,
		Code:       "131049",
		Message:    "per-user marketing limit hit",
	}}
	w, statuses, archive, _ := newTestWorker(sender)

	err := w.process(context.Background(), 2, testTask())
	require.Error(t, err)

	row := statuses.rows["job-1:r-1"]
	require.NotNil(t, row)
	assert.Equal(t, models.StatusFailure, row.Status)
	assert.Equal(t, "131049", row.ErrorCode)
	assert.Equal(t, "per-user marketing limit hit", row.ErrorMessage)

	require.Len(t, archive.entries, 1)
	assert.Equal(t, models.StatusFailure, archive.entries[0].Status)
	assert.Equal(t, 400, archive.entries[0].HTTPStatusCode)
}

func TestProcessTargetNotFoundWritesFailureRow(t *testing.T) {
	sender := &stubSender{}
	w, statuses, _, _ := newTestWorker(sender)

	task := testTask()
	task.TargetID = "missing"
	err := w.process(context.Background(), 1, task)
	require.Error(t, err)

	row := statuses.rows["job-1:missing"]
	require.NotNil(t, row)
	assert.Equal(t, models.StatusFailure, row.Status)
	assert.Equal(t, "target_not_found", row.ErrorCode)
	assert.Equal(t, 0, sender.calls, "gateway must not be called without a target")
}

func TestProcessPanicStillFinalizesStatus(t *testing.T) {
	sender := &stubSender{panics: true}
	w, statuses, archive, jobs := newTestWorker(sender)

	err := w.process(context.Background(), 3, testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// The finalize defer must have run despite the panic
	row := statuses.rows["job-1:r-1"]
	require.NotNil(t, row)
	assert.Equal(t, models.StatusFailure, row.Status)
	assert.Equal(t, "panic", row.ErrorCode)
	require.Len(t, archive.entries, 1)
	require.Len(t, jobs.touched, 1)
}

// fakeAcker records the ack decision taken for a delivery.
type fakeAcker struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error { f.acks++; return nil }

func (f *fakeAcker) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

func deliveryFor(t *testing.T, task models.DispatchTask, acker amqp.Acknowledger) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, Body: body}
}

func TestHandleDeliveryAcksAfterStatusWrite(t *testing.T) {
	sender := &stubSender{result: &services.SendResult{HTTPStatus: 200}}
	w, _, _, _ := newTestWorker(sender)

	acker := &fakeAcker{}
	w.handleDelivery(context.Background(), 1, deliveryFor(t, testTask(), acker))

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, acker.nacks)
}

func TestHandleDeliveryRequeuesWhenStatusWriteFails(t *testing.T) {
	sender := &stubSender{result: &services.SendResult{HTTPStatus: 200}}
	w, statuses, _, _ := newTestWorker(sender)
	statuses.upsertErr = errors.New("connection refused")

	// The gateway call succeeded but its outcome never reached the store.
	// Acking here would lose the attempt from both the queue and the
	// database, so the delivery must go back to the broker instead.
	acker := &fakeAcker{}
	w.handleDelivery(context.Background(), 1, deliveryFor(t, testTask(), acker))

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue, "delivery must be requeued, not dead-lettered")
}

func TestHandleDeliveryRequeuesWhenTargetFailureRowNotWritten(t *testing.T) {
	sender := &stubSender{}
	w, statuses, _, _ := newTestWorker(sender)
	statuses.upsertErr = errors.New("connection refused")

	task := testTask()
	task.TargetID = "missing"
	acker := &fakeAcker{}
	w.handleDelivery(context.Background(), 1, deliveryFor(t, task, acker))

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
}

func TestHandleDeliveryMalformedPayloadGoesToDLQ(t *testing.T) {
	sender := &stubSender{}
	w, _, _, _ := newTestWorker(sender)

	acker := &fakeAcker{}
	w.handleDelivery(context.Background(), 1, amqp.Delivery{Acknowledger: acker, Body: []byte("not json")})

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.False(t, acker.requeue, "malformed payloads must dead-letter, not loop")
	assert.Equal(t, 0, sender.calls)
}

func TestProcessReplayUpsertsSameRow(t *testing.T) {
	sender := &stubSender{result: &services.SendResult{HTTPStatus: 200}}
	w, statuses, _, _ := newTestWorker(sender)

	// Broker redelivery replays the identical task
	require.NoError(t, w.process(context.Background(), 1, testTask()))
	require.NoError(t, w.process(context.Background(), 1, testTask()))

	assert.Len(t, statuses.rows, 1, "replay must never create a second row")
	assert.Equal(t, 2, sender.calls)
}
