package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

const (
	AggregateStockBatch      = "StockBatch"
	EventStockBatchCommitted = "StockBatchCommitted"
	defaultOutboxMaxRetries  = 5
	maxOutboxBackoff         = 30 * time.Minute
)

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   string       `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// DomainEvent represents an event to be published via outbox.
type DomainEvent struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// BatchCommittedEvent is the payload of StockBatchCommitted.
type BatchCommittedEvent struct {
	BatchID       string           `json:"batchId"`
	Direction     entity.Direction `json:"direction"`
	InvoiceNumber string           `json:"invoiceNumber,omitempty"`
	OrderNumber   string           `json:"orderNumber,omitempty"`
	CommittedBy   string           `json:"committedBy"`
	CommittedAt   time.Time        `json:"committedAt"`
	Lines         []BatchEventLine `json:"lines"`
}

type BatchEventLine struct {
	MovementID id.ID          `json:"movementId"`
	ProductID  id.ID          `json:"productId"`
	LocalityID id.ID          `json:"localityId"`
	ShelfID    *id.ID         `json:"shelfId,omitempty"`
	Quantity   types.Quantity `json:"quantity"`
}

// NewBatchCommittedEvent builds the outbox event for a committed batch.
func NewBatchCommittedEvent(batch *entity.CommittedBatch) DomainEvent {
	payload := BatchCommittedEvent{
		BatchID:       batch.ID,
		Direction:     batch.Direction,
		InvoiceNumber: batch.InvoiceNumber,
		OrderNumber:   batch.OrderNumber,
		CommittedBy:   batch.CommittedBy,
		CommittedAt:   batch.CommittedAt,
		Lines:         make([]BatchEventLine, 0, len(batch.Movements)),
	}
	for _, m := range batch.Movements {
		payload.Lines = append(payload.Lines, BatchEventLine{
			MovementID: m.ID,
			ProductID:  m.ProductID,
			LocalityID: m.LocalityID,
			ShelfID:    m.ShelfID,
			Quantity:   m.SignedQuantity(),
		})
	}
	return DomainEvent{
		AggregateType: AggregateStockBatch,
		AggregateID:   batch.ID,
		EventType:     EventStockBatchCommitted,
		Payload:       payload,
	}
}

// OutboxPublisher writes events to the outbox table.
// As a commit hook it records one event per committed batch in the same transaction.
type OutboxPublisher struct {
	txManager *TxManager
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager}
}

// OnBatchCommitted implements posting.CommitHook.
func (p *OutboxPublisher) OnBatchCommitted(ctx context.Context, batch *entity.CommittedBatch) error {
	return p.Publish(ctx, NewBatchCommittedEvent(batch))
}

// Publish writes an event to the outbox within the current transaction.
// MUST be called inside a transaction context.
func (p *OutboxPublisher) Publish(ctx context.Context, event DomainEvent) error {
	tx := p.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id.New(), event.AggregateType, event.AggregateID, event.EventType, payloadBytes, OutboxStatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// OutboxHandler processes outbox messages.
type OutboxHandler interface {
	// Handle processes a message and returns error if failed
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxRelay reads and processes messages from the outbox.
// Used by the background worker to publish events to the broker.
type OutboxRelay struct {
	txManager  *TxManager
	batchSize  int
	maxRetries int
	handler    OutboxHandler
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, batchSize, maxRetries int, handler OutboxHandler) *OutboxRelay {
	if maxRetries <= 0 {
		maxRetries = defaultOutboxMaxRetries
	}
	return &OutboxRelay{
		txManager:  txManager,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		handler:    handler,
	}
}

// ProcessBatch fetches and processes pending messages.
// Rows stay locked until the surrounding transaction ends, so several
// workers can poll the same table. Returns number of published messages.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		q := r.txManager.GetQuerier(ctx)

		var messages []*OutboxMessage
		err := pgxscan.Select(ctx, q, &messages, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
			       retry_count, last_error, next_retry_at, created_at, published_at
			FROM sys_outbox
			WHERE status = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, OutboxStatusPending, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			if err := r.processMessage(ctx, msg); err != nil {
				logger.Warn(ctx, "outbox message not published",
					"message_id", msg.ID, "event_type", msg.EventType,
					"retry_count", msg.RetryCount+1, "error", err)
				continue
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// processMessage handles a single outbox message.
func (r *OutboxRelay) processMessage(ctx context.Context, msg *OutboxMessage) error {
	q := r.txManager.GetQuerier(ctx)

	if err := r.handler.Handle(ctx, msg); err != nil {
		status := OutboxStatusPending
		if msg.RetryCount+1 >= r.maxRetries {
			status = OutboxStatusFailed
		}
		_, updateErr := q.Exec(ctx, `
			UPDATE sys_outbox
			SET retry_count = retry_count + 1,
			    last_error = $1,
			    next_retry_at = $2,
			    status = $3
			WHERE id = $4
		`, err.Error(), time.Now().UTC().Add(RetryBackoff(msg.RetryCount)), status, msg.ID)
		if updateErr != nil {
			return fmt.Errorf("update failed message: %w", updateErr)
		}
		return err
	}

	_, err := q.Exec(ctx, `
		UPDATE sys_outbox
		SET status = $1, published_at = $2
		WHERE id = $3
	`, OutboxStatusPublished, time.Now().UTC(), msg.ID)
	if err != nil {
		return fmt.Errorf("mark message published: %w", err)
	}
	return nil
}

// RetryBackoff doubles the delay per attempt, starting at one second.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		return maxOutboxBackoff
	}
	d := time.Second << retryCount
	if d > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return d
}

// MoveToDLQ moves failed messages to dead letter queue.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1
			RETURNING *
		)
		INSERT INTO sys_outbox_dlq
		SELECT *, NOW() AS failed_at, last_error AS failure_reason FROM moved
	`, OutboxStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgePublished deletes published messages older than the retention window.
func (r *OutboxRelay) PurgePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_outbox
		WHERE status = $1 AND published_at < $2
	`, OutboxStatusPublished, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge published messages: %w", err)
	}
	return result.RowsAffected(), nil
}
