package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lunchpool/lunchpool/internal/models"
)

// insertTransaction appends one immutable ledger record with its entries.
// Must run inside the same transaction as the balance mutations it records.
func insertTransaction(ctx context.Context, tx pgx.Tx, description string, entries []models.TransactionEntry) (*models.Transaction, error) {
	record := &models.Transaction{Description: description, Entries: entries}
	err := tx.QueryRow(ctx,
		"INSERT INTO transactions (description) VALUES ($1) RETURNING id, created_at",
		description).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	for _, entry := range entries {
		_, err := tx.Exec(ctx,
			"INSERT INTO transaction_entries (transaction_id, user_id, previous_value, new_value) VALUES ($1, $2, $3, $4)",
			record.ID, entry.UserID, entry.Previous, entry.New)
		if err != nil {
			return nil, fmt.Errorf("failed to create transaction entry: %w", err)
		}
	}
	return record, nil
}

// insertAudit appends a free-text audit record inside tx
func insertAudit(ctx context.Context, tx pgx.Tx, message string) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO audit_log (id, message) VALUES ($1, $2)", uuid.New(), message)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// coinChange records a balance change as a ledger entry and applies it to
// the in-memory user. The caller must hold the row lock and persist the
// new value in the same transaction.
func coinChange(user *models.User, newValue int64) models.TransactionEntry {
	entry := models.TransactionEntry{
		UserID:   user.ID,
		Username: user.Username,
		Previous: user.Coins,
		New:      newValue,
	}
	user.Coins = newValue
	return entry
}

// lockUsers loads and row-locks the given users in id order, so concurrent
// multi-user operations cannot deadlock.
func lockUsers(ctx context.Context, tx pgx.Tx, ids []int) (map[int]*models.User, error) {
	rows, err := tx.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock users: %w", err)
	}
	defer rows.Close()

	users := make(map[int]*models.User)
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
			&user.Coins, &user.Enabled, &user.Permissions, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[user.ID] = user
	}
	return users, rows.Err()
}

// Transfer moves coins between two users as one atomic operation: both
// balances change, one ledger record and one audit entry are written, or
// nothing happens at all.
func (db *DB) Transfer(ctx context.Context, fromID, toID int, amount int64) (*models.Transaction, error) {
	if amount < 1 {
		return nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}

	var record *models.Transaction
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		users, err := lockUsers(ctx, tx, []int{fromID, toID})
		if err != nil {
			return err
		}
		from, ok := users[fromID]
		if !ok {
			return ErrNotFound
		}
		to, ok := users[toID]
		if !ok {
			return ErrNotFound
		}
		if from.Coins < amount {
			return ErrInsufficientCoins
		}

		entries := []models.TransactionEntry{
			coinChange(from, from.Coins-amount),
			coinChange(to, to.Coins+amount),
		}
		for _, entry := range entries {
			_, err := tx.Exec(ctx, "UPDATE users SET coins = $1 WHERE id = $2", entry.New, entry.UserID)
			if err != nil {
				return fmt.Errorf("failed to update balance: %w", err)
			}
		}

		description := fmt.Sprintf("transfer of %d coins from %s to %s", amount, from.Username, to.Username)
		record, err = insertTransaction(ctx, tx, description, entries)
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, description)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ForceSetCoins sets a user's balance to an arbitrary value. Intentionally
// non-conserving, but still paired with a ledger record and audited with
// the acting admin's name.
func (db *DB) ForceSetCoins(ctx context.Context, userID int, newValue int64, actor string) (*models.Transaction, error) {
	var record *models.Transaction
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		users, err := lockUsers(ctx, tx, []int{userID})
		if err != nil {
			return err
		}
		user, ok := users[userID]
		if !ok {
			return ErrNotFound
		}

		entry := coinChange(user, newValue)
		_, err = tx.Exec(ctx, "UPDATE users SET coins = $1 WHERE id = $2", entry.New, entry.UserID)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		description := fmt.Sprintf("balance of %s set to %d by %s", user.Username, newValue, actor)
		record, err = insertTransaction(ctx, tx, description, []models.TransactionEntry{entry})
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, description)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListTransactions retrieves a page of ledger records, newest first,
// each with its entries.
func (db *DB) ListTransactions(ctx context.Context, limit, offset int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, description, created_at FROM transactions ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var records []models.Transaction
	ids := []int{}
	index := make(map[int]int)
	for rows.Next() {
		var record models.Transaction
		if err := rows.Scan(&record.ID, &record.Description, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		index[record.ID] = len(records)
		ids = append(ids, record.ID)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	entryRows, err := db.Pool.Query(ctx, `
		SELECT e.transaction_id, e.user_id, u.username, e.previous_value, e.new_value
		FROM transaction_entries e JOIN users u ON e.user_id = u.id
		WHERE e.transaction_id = ANY($1)
		ORDER BY e.id ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction entries: %w", err)
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var txID int
		var entry models.TransactionEntry
		if err := entryRows.Scan(&txID, &entry.UserID, &entry.Username, &entry.Previous, &entry.New); err != nil {
			return nil, fmt.Errorf("failed to scan transaction entry: %w", err)
		}
		i := index[txID]
		records[i].Entries = append(records[i].Entries, entry)
	}
	return records, entryRows.Err()
}

// ListAuditEntries retrieves a page of audit records, newest first
func (db *DB) ListAuditEntries(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, message, created_at FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
