package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"campaign_dispatcher/models"

	"github.com/streadway/amqp"
)

// Queue and exchange names for the dispatch pipeline
const (
	DispatchQueueName = "campaign_dispatch_jobs"
	DispatchDLQName   = "campaign_dispatch_dlq"
	DispatchDLX       = "campaign_dispatch_dlx"
)

// QueueClient wraps one RabbitMQ connection for the dispatch queue.
// Publishing goes through the shared channel under the mutex; each worker
// opens its own channel via WorkerChannel so prefetch is per-worker.
type QueueClient struct {
	url  string
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewQueueClient(url string) *QueueClient {
	return &QueueClient{url: url}
}

// Dial connects, opens the shared channel and declares the topology.
// Safe to call again after a connection loss.
func (q *QueueClient) Dial() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	q.conn = conn
	q.ch = ch
	log.Println("[RABBITMQ] ✅ Connected and topology declared")
	return nil
}

// declareTopology sets up the dispatch queue infrastructure.
// One durable main queue with a DLX, plus a lazy DLQ bound to it.
func declareTopology(ch *amqp.Channel) error {
	// Dead Letter Exchange
	if err := ch.ExchangeDeclare(DispatchDLX, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	// Dead Letter Queue (Lazy)
	dlqArgs := amqp.Table{"x-queue-mode": "lazy"}
	if _, err := ch.QueueDeclare(DispatchDLQName, true, false, false, false, dlqArgs); err != nil {
		return err
	}
	if err := ch.QueueBind(DispatchDLQName, "", DispatchDLX, false, nil); err != nil {
		return err
	}

	// Main Queue (Durable + DLX)
	queueArgs := amqp.Table{
		"x-dead-letter-exchange": DispatchDLX,
	}
	if _, err := ch.QueueDeclare(DispatchQueueName, true, false, false, false, queueArgs); err != nil {
		return err
	}

	return nil
}

// Publish writes one task to the dispatch queue as a persistent message.
// MessageId carries the job_id:target_id dedup identity. A broker rejection
// is surfaced as ErrPublishRejected so callers can count and report it.
func (q *QueueClient) Publish(task models.DispatchTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("%w: channel not initialized", models.ErrPublishRejected)
	}

	err = ch.Publish(
		"",                // default exchange
		DispatchQueueName, // routing key = queue name
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			MessageId:    task.MessageID(),
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPublishRejected, err)
	}
	return nil
}

// WorkerChannel opens a dedicated channel with prefetch=1 for one worker.
// One channel per worker keeps unacked deliveries isolated: a worker dying
// mid-task returns exactly its one in-flight message to the queue.
func (q *QueueClient) WorkerChannel() (*amqp.Channel, error) {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("RabbitMQ connection is not open")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return ch, nil
}

// Inspect returns the current message count of the dispatch queue.
// Callers must treat an error as depth unknown, never as empty.
func (q *QueueClient) Inspect() (int, error) {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()

	if ch == nil {
		return 0, fmt.Errorf("RabbitMQ channel is not initialized")
	}

	state, err := ch.QueueInspect(DispatchQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return state.Messages, nil
}

// Close tears down the channel and connection.
func (q *QueueClient) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil {
		q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil {
			log.Printf("[RABBITMQ] Error closing connection: %v", err)
		}
		q.conn = nil
		log.Println("[RABBITMQ] Connection closed")
	}
}

// ManageConnection keeps the client connected until ctx is cancelled,
// redialing with a 5 second backoff after a connection loss.
func (q *QueueClient) ManageConnection(ctx context.Context) {
	for {
		if err := q.Dial(); err != nil {
			log.Printf("[RABBITMQ] Failed to connect: %v. Retrying in 5 seconds...", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		q.mu.Lock()
		conn := q.conn
		q.mu.Unlock()

		closeChan := make(chan *amqp.Error, 1)
		conn.NotifyClose(closeChan)

		select {
		case <-ctx.Done():
			return
		case err := <-closeChan:
			log.Printf("[RABBITMQ] 🔴 Connection closed. Reason: %v. Starting reconnection loop.", err)
			q.mu.Lock()
			q.conn = nil
			q.ch = nil
			q.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
