package db

import "errors"

// Sentinel errors for the storage layer. Handlers translate these to
// user-visible responses; everything else is an internal failure.
var (
	// ErrNotFound means an id did not resolve under the expected filter.
	ErrNotFound = errors.New("not found")

	// ErrWrongState means the order is not in a state that allows the
	// requested action.
	ErrWrongState = errors.New("order is not in the required state")

	// ErrAlreadyJoined means the user is already a participant.
	ErrAlreadyJoined = errors.New("user already joined this order")

	// ErrNotParticipant means the user has not joined the order.
	ErrNotParticipant = errors.New("user is not a participant of this order")

	// ErrInsufficientCoins means a transfer exceeds the sender's balance.
	ErrInsufficientCoins = errors.New("insufficient coins")

	// ErrInvalidAmount means a coin amount fails validation.
	ErrInvalidAmount = errors.New("amount must be at least 1")

	// ErrSelfTransfer means sender and recipient are the same user.
	ErrSelfTransfer = errors.New("cannot transfer coins to yourself")

	// ErrMissingDetails means a join did not supply a detail field the
	// order requires.
	ErrMissingDetails = errors.New("missing required order detail")
)
