package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"previewplane/internal/store"

	"github.com/lib/pq"
)

// Enqueue adds a deployment request to the preview_queue.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, key string, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	executor := s.getExecutor(tx)

	var id int64
	err := executor.QueryRowContext(ctx, `
		INSERT INTO preview_queue (idempotency_key, payload, visible_after, deliver_until)
		VALUES ($1, $2, $3, NOW() + ($4 * INTERVAL '1 second'))
		RETURNING id
	`, key, payload, visibleAfter, s.cfg.RetryWindow.Seconds()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", key, err)
	}

	return id, nil
}

// Dequeue claims up to 'limit' visible messages atomically using
// SELECT ... FOR UPDATE SKIP LOCKED, then hides them for the visibility
// timeout. Returns nil slice if no messages are available.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]store.QueueMessage, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, idempotency_key, payload, attempt
		FROM preview_queue
		WHERE visible_after <= NOW()
		ORDER BY enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue query failed: %w", err)
	}
	defer rows.Close()

	var messages []store.QueueMessage
	var ids []int64

	for rows.Next() {
		var msg store.QueueMessage
		if err := rows.Scan(&msg.ID, &msg.IdempotencyKey, &msg.Payload, &msg.Attempt); err != nil {
			return nil, fmt.Errorf("dequeue scan failed: %w", err)
		}
		// Attempt reports the delivery about to happen, not past ones.
		msg.Attempt++
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue rows error: %w", err)
	}

	if len(messages) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE preview_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempt = attempt + 1
		WHERE id = ANY($2)
	`, s.cfg.VisibilityTimeout.Seconds(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return messages, nil
}

// Ack removes a delivered message permanently.
func (s *Store) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM preview_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to ack message %d: %w", id, err)
	}
	return nil
}

// Nack schedules redelivery with exponential backoff between MinBackoff and
// MaxBackoff. Once the attempt budget or the retry window is spent the
// message is dropped; the record must already be Failed by then, so the
// sweeper's stuck-claim scan stays the backstop for visibility.
func (s *Store) Nack(ctx context.Context, msg store.QueueMessage) (bool, error) {
	if msg.Attempt >= s.cfg.MaxAttempts {
		return false, s.Ack(ctx, msg.ID)
	}

	backoff := s.cfg.MinBackoff
	for i := 1; i < msg.Attempt; i++ {
		backoff *= 2
		if backoff >= s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
			break
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE preview_queue
		SET visible_after = NOW() + ($2 * INTERVAL '1 second')
		WHERE id = $1 AND deliver_until > NOW()
	`, msg.ID, backoff.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to nack message %d: %w", msg.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Retry window spent (or the message is already gone): drop it.
		return false, s.Ack(ctx, msg.ID)
	}
	return true, nil
}

// ExtendVisibility pushes the redelivery deadline out (heartbeat).
func (s *Store) ExtendVisibility(ctx context.Context, id int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE preview_queue SET visible_after = $2 WHERE id = $1
	`, id, until)
	if err != nil {
		return fmt.Errorf("failed to extend visibility for %d: %w", id, err)
	}
	return nil
}

// Depth returns the number of messages currently in the queue.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM preview_queue`).Scan(&count)
	return count, err
}
