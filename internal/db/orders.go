package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lunchpool/lunchpool/internal/models"
)

const orderColumns = "id, location, description, cost, state, open_date, close_date, required_fields, purchaser_id, created_by, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	order := &models.Order{}
	var required []byte
	err := row.Scan(&order.ID, &order.Location, &order.Description, &order.Cost,
		&order.State, &order.OpenDate, &order.CloseDate, &required,
		&order.PurchaserID, &order.CreatedBy, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(required, &order.RequiredFields); err != nil {
		return nil, fmt.Errorf("failed to decode required fields: %w", err)
	}
	return order, nil
}

// CreateOrder inserts a new open order together with its scheduled
// transition jobs, in one transaction. The jobs' order id is filled in
// from the inserted row.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order, jobs []models.Job) (*models.Order, error) {
	if order.Location == "" {
		return nil, fmt.Errorf("location must not be empty")
	}
	if order.Cost < 0 {
		return nil, fmt.Errorf("cost must not be negative")
	}

	if order.RequiredFields == nil {
		order.RequiredFields = []string{}
	}
	required, err := json.Marshal(order.RequiredFields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode required fields: %w", err)
	}

	var created *models.Order
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = scanOrder(tx.QueryRow(ctx,
			"INSERT INTO orders (location, description, cost, state, close_date, required_fields, created_by) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+orderColumns,
			order.Location, order.Description, order.Cost, models.StateOpen,
			order.CloseDate, required, order.CreatedBy))
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, job := range jobs {
			_, err := tx.Exec(ctx,
				"INSERT INTO jobs (id, job_type, order_id, due_at) VALUES ($1, $2, $3, $4)",
				job.ID, job.Type, created.ID, job.DueAt)
			if err != nil {
				return fmt.Errorf("failed to schedule %s job: %w", job.Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrdersByState retrieves all orders in any of the given states,
// soonest close date first
func (db *DB) ListOrdersByState(ctx context.Context, states ...models.OrderState) ([]models.Order, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE state = ANY($1) ORDER BY close_date ASC",
		names)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// GetOrderParticipants retrieves the participants of an order in join order
func (db *DB) GetOrderParticipants(ctx context.Context, orderID int) ([]models.Participant, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT p.order_id, p.user_id, u.username, p.details, p.joined_at
		FROM order_participants p JOIN users u ON p.user_id = u.id
		WHERE p.order_id = $1
		ORDER BY p.joined_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		var details []byte
		if err := rows.Scan(&p.OrderID, &p.UserID, &p.Username, &details, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if err := json.Unmarshal(details, &p.Details); err != nil {
			return nil, fmt.Errorf("failed to decode participant details: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// JoinOrder adds a user to an order. The order row is locked so the state
// check cannot race a scheduled close. Every detail field the order
// requires must be supplied with a non-empty value.
func (db *DB) JoinOrder(ctx context.Context, orderID, userID int, details map[string]string) error {
	if details == nil {
		details = map[string]string{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		var state models.OrderState
		var required []byte
		err := tx.QueryRow(ctx,
			"SELECT state, required_fields FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&state, &required)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}
		if state != models.StateOpen && state != models.StateClosing {
			return ErrWrongState
		}

		var requiredFields []string
		if err := json.Unmarshal(required, &requiredFields); err != nil {
			return fmt.Errorf("failed to decode required fields: %w", err)
		}
		for _, field := range requiredFields {
			if details[field] == "" {
				return fmt.Errorf("%w: %s", ErrMissingDetails, field)
			}
		}

		tag, err := tx.Exec(ctx,
			"INSERT INTO order_participants (order_id, user_id, details) VALUES ($1, $2, $3) "+
				"ON CONFLICT (order_id, user_id) DO NOTHING",
			orderID, userID, encoded)
		if err != nil {
			return fmt.Errorf("failed to join order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyJoined
		}
		return nil
	})
}

// LeaveOrder removes a user from an order while it is still open or closing
func (db *DB) LeaveOrder(ctx context.Context, orderID, userID int) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		var state models.OrderState
		err := tx.QueryRow(ctx, "SELECT state FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&state)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}
		if state != models.StateOpen && state != models.StateClosing {
			return ErrWrongState
		}

		tag, err := tx.Exec(ctx,
			"DELETE FROM order_participants WHERE order_id = $1 AND user_id = $2",
			orderID, userID)
		if err != nil {
			return fmt.Errorf("failed to leave order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotParticipant
		}
		return nil
	})
}

// MarkClosing moves an order from open to closing. Returns false without
// error if the order already left the open state; a scheduled transition
// losing that race is not a failure.
func (db *DB) MarkClosing(ctx context.Context, orderID int) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE orders SET state = $1 WHERE id = $2 AND state = $3",
		models.StateClosing, orderID, models.StateOpen)
	if err != nil {
		return false, fmt.Errorf("failed to mark order closing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CloseOrder finalizes an open or closing order. An order with participants
// becomes closed; an empty order is cancelled outright. The close date is
// frozen to the actual closing time and pending jobs for the order are
// removed in the same transaction.
func (db *DB) CloseOrder(ctx context.Context, orderID int) (models.OrderState, error) {
	var final models.OrderState
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var state models.OrderState
		err := tx.QueryRow(ctx, "SELECT state FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&state)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}
		if state != models.StateOpen && state != models.StateClosing {
			return ErrWrongState
		}

		var count int
		err = tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM order_participants WHERE order_id = $1", orderID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}

		final = models.StateClosed
		if count == 0 {
			final = models.StateCancelled
		}

		_, err = tx.Exec(ctx,
			"UPDATE orders SET state = $1, close_date = NOW() WHERE id = $2",
			final, orderID)
		if err != nil {
			return fmt.Errorf("failed to close order: %w", err)
		}

		_, err = tx.Exec(ctx, "DELETE FROM jobs WHERE order_id = $1", orderID)
		if err != nil {
			return fmt.Errorf("failed to cancel pending jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// CancelOrder cancels an order that has not been archived. Participants are
// cleared and pending jobs removed so no later transition or settlement can
// touch it.
func (db *DB) CancelOrder(ctx context.Context, orderID int) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		var state models.OrderState
		err := tx.QueryRow(ctx, "SELECT state FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&state)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}
		if state != models.StateOpen && state != models.StateClosing && state != models.StateClosed {
			return ErrWrongState
		}

		_, err = tx.Exec(ctx,
			"UPDATE orders SET state = $1, close_date = NOW() WHERE id = $2",
			models.StateCancelled, orderID)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}

		_, err = tx.Exec(ctx, "DELETE FROM order_participants WHERE order_id = $1", orderID)
		if err != nil {
			return fmt.Errorf("failed to clear participants: %w", err)
		}

		_, err = tx.Exec(ctx, "DELETE FROM jobs WHERE order_id = $1", orderID)
		if err != nil {
			return fmt.Errorf("failed to cancel pending jobs: %w", err)
		}
		return nil
	})
}
