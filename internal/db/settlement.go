package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lunchpool/lunchpool/internal/models"
)

// SettlementDeltas computes the per-user coin changes for settling an order:
// every participant owes cost, the purchaser is reimbursed for everyone but
// themself. A purchaser who did not join pays nothing and is credited the
// full total. Deltas always sum to zero.
func SettlementDeltas(cost int64, participantIDs []int, purchaserID int) (map[int]int64, error) {
	if len(participantIDs) == 0 {
		return nil, fmt.Errorf("order has no participants")
	}

	deltas := make(map[int]int64)
	for _, id := range participantIDs {
		if id == purchaserID {
			continue
		}
		deltas[id] -= cost
	}
	// Credit equals exactly what the others owe.
	var credit int64
	for _, d := range deltas {
		credit -= d
	}
	deltas[purchaserID] += credit
	return deltas, nil
}

// SettleOrder archives a closed order and applies its settlement: balances
// move, one ledger record and one audit entry are written, and the purchaser
// is persisted on the order. The whole operation commits atomically; any
// failure leaves no partial effects.
func (db *DB) SettleOrder(ctx context.Context, orderID, purchaserID int) (*models.Transaction, error) {
	var record *models.Transaction
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		order, err := scanOrder(tx.QueryRow(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}
		if order.State != models.StateClosed {
			return ErrWrongState
		}

		rows, err := tx.Query(ctx,
			"SELECT user_id FROM order_participants WHERE order_id = $1", orderID)
		if err != nil {
			return fmt.Errorf("failed to get participants: %w", err)
		}
		var participantIDs []int
		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan participant: %w", err)
			}
			participantIDs = append(participantIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		deltas, err := SettlementDeltas(order.Cost, participantIDs, purchaserID)
		if err != nil {
			return err
		}

		affected := make([]int, 0, len(deltas))
		for id := range deltas {
			affected = append(affected, id)
		}
		sort.Ints(affected)

		users, err := lockUsers(ctx, tx, affected)
		if err != nil {
			return err
		}
		purchaser, ok := users[purchaserID]
		if !ok || !purchaser.Enabled {
			return fmt.Errorf("purchaser: %w", ErrNotFound)
		}

		var entries []models.TransactionEntry
		var names []string
		for _, id := range affected {
			user, ok := users[id]
			if !ok {
				return fmt.Errorf("participant %d: %w", id, ErrNotFound)
			}
			entry := coinChange(user, user.Coins+deltas[id])
			_, err := tx.Exec(ctx, "UPDATE users SET coins = $1 WHERE id = $2", entry.New, entry.UserID)
			if err != nil {
				return fmt.Errorf("failed to update balance: %w", err)
			}
			entries = append(entries, entry)
			names = append(names, user.Username)
		}

		description := fmt.Sprintf("settlement of order %d (%s), cost %d, purchased by %s",
			order.ID, order.Location, order.Cost, purchaser.Username)
		record, err = insertTransaction(ctx, tx, description, entries)
		if err != nil {
			return err
		}

		err = insertAudit(ctx, tx, fmt.Sprintf("%s, participants: %s",
			description, strings.Join(names, ", ")))
		if err != nil {
			return err
		}

		// Conditional update as the final idempotency backstop.
		tag, err := tx.Exec(ctx,
			"UPDATE orders SET state = $1, purchaser_id = $2 WHERE id = $3 AND state = $4",
			models.StateArchived, purchaserID, orderID, models.StateClosed)
		if err != nil {
			return fmt.Errorf("failed to archive order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrWrongState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
