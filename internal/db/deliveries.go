package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// EnqueueDeliveries inserts one pending delivery per inbox in a single
// transaction, all due immediately.
func (s *Store) EnqueueDeliveries(inboxes []string, payload string) error {
	now := time.Now()
	return s.withTx(func(tx *sql.Tx) error {
		for _, inbox := range inboxes {
			_, err := tx.Exec(s.q(`INSERT INTO deliveries
				(id, created_at, inbox_url, payload, attempts, next_attempt_at)
				VALUES (?, ?, ?, ?, 0, ?)`),
				idArg(model.NewID()), tstr(now), inbox, payload, tstr(now))
			if err != nil {
				return fmt.Errorf("enqueue delivery: %w", err)
			}
		}
		return nil
	})
}

// DueDeliveries returns deliveries whose retry time has passed, oldest
// first.
func (s *Store) DueDeliveries(now time.Time, limit int) ([]model.Delivery, error) {
	rows, err := s.db.Query(s.q(`SELECT id, created_at, inbox_url, payload, attempts, next_attempt_at
		FROM deliveries WHERE next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`),
		tstr(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	var items []model.Delivery
	for rows.Next() {
		var (
			d                 model.Delivery
			id, created, next string
		)
		if err := rows.Scan(&id, &created, &d.InboxURL, &d.Payload, &d.Attempts, &next); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.ID = parseID(id)
		d.CreatedAt = tparse(created)
		d.NextAttemptAt = tparse(next)
		items = append(items, d)
	}
	return items, closeRows(rows)
}

// RescheduleDelivery bumps the attempt count and sets the next retry time.
func (s *Store) RescheduleDelivery(id uuid.UUID, attempts int, next time.Time) error {
	_, err := s.db.Exec(s.q(`UPDATE deliveries SET attempts = ?, next_attempt_at = ? WHERE id = ?`),
		attempts, tstr(next), idArg(id))
	if err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}
	return nil
}

// DeleteDelivery removes a completed or abandoned delivery.
func (s *Store) DeleteDelivery(id uuid.UUID) error {
	_, err := s.db.Exec(s.q(`DELETE FROM deliveries WHERE id = ?`), idArg(id))
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	return nil
}
