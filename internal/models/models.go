package models

import (
	"time"

	"github.com/google/uuid"
)

// Permission is a capability flag carried by a user. Privileged operations
// check a single flag instead of scanning role strings.
type Permission int

const (
	// PermManageOrders allows creating, closing, cancelling and settling orders.
	PermManageOrders Permission = 1 << iota
	// PermManageCoins allows forced balance adjustments.
	PermManageCoins
	// PermAdmin allows user administration (enable/disable, grant permissions).
	PermAdmin
)

// Has reports whether p contains all flags in q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	StateOpen      OrderState = "open"
	StateClosing   OrderState = "closing"
	StateClosed    OrderState = "closed"
	StateArchived  OrderState = "archived"
	StateCancelled OrderState = "cancelled"
)

// User represents a registered user with a coin balance
type User struct {
	ID           int        `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Coins        int64      `json:"coins"` // May go negative; debt is settled later
	Enabled      bool       `json:"enabled"`
	Permissions  Permission `json:"permissions"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Order represents a scheduled group purchase
type Order struct {
	ID             int        `json:"id"`
	Location       string     `json:"location"`
	Description    string     `json:"description"`
	Cost           int64      `json:"cost"` // Per-participant cost in coins
	State          OrderState `json:"state"`
	OpenDate       time.Time  `json:"open_date"`
	CloseDate      time.Time  `json:"close_date"`      // Planned until closed, then actual
	RequiredFields []string   `json:"required_fields"` // Detail fields every join must supply
	PurchaserID    *int       `json:"purchaser_id,omitempty"` // Set once, at settlement
	CreatedBy      int        `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Participant is a user who joined an order, with the free-form detail
// fields the order location requires (e.g. "dish", "size").
type Participant struct {
	OrderID  int               `json:"order_id"`
	UserID   int               `json:"user_id"`
	Username string            `json:"username"`
	Details  map[string]string `json:"details"`
	JoinedAt time.Time         `json:"joined_at"`
}

// Transaction is an immutable ledger record of one economic operation.
// It is never mutated or deleted after creation.
type Transaction struct {
	ID          int                `json:"id"`
	Description string             `json:"description"`
	CreatedAt   time.Time          `json:"created_at"`
	Entries     []TransactionEntry `json:"entries"`
}

// TransactionEntry records one user's balance before and after the operation.
type TransactionEntry struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Previous int64  `json:"previous_value"`
	New      int64  `json:"new_value"`
}

// Delta is the signed balance change this entry records.
func (e TransactionEntry) Delta() int64 {
	return e.New - e.Previous
}

// AuditEntry is an append-only free-text trace record. Business logic
// writes them but never reads them back.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// JobType identifies a scheduled order transition.
type JobType string

const (
	// JobCloseSoon moves an order from open to closing ahead of its close date.
	JobCloseSoon JobType = "close_soon"
	// JobClose closes (or cancels, if empty) an order at its close date.
	JobClose JobType = "close"
)

// Job is a persisted scheduled transition for an order. Jobs survive process
// restarts; a worker claims and deletes a job before executing it.
type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      JobType   `json:"job_type"`
	OrderID   int       `json:"order_id"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
}
