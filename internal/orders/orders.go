package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lunchpool/lunchpool/internal/db"
	"github.com/lunchpool/lunchpool/internal/models"
	"github.com/lunchpool/lunchpool/internal/notify"
)

// Service drives the order lifecycle: creation with scheduled transitions,
// joining and leaving, closing, cancelling and settlement. Storage does the
// atomic state changes; this layer adds scheduling and notification.
type Service struct {
	DB       *db.DB
	Mailer   notify.Mailer
	LeadTime time.Duration
	Logger   *slog.Logger
}

// NewService creates an order service. leadTime is how long before the close
// date an order moves to closing.
func NewService(database *db.DB, mailer notify.Mailer, leadTime time.Duration, logger *slog.Logger) *Service {
	return &Service{DB: database, Mailer: mailer, LeadTime: leadTime, Logger: logger}
}

// Create opens a new order and schedules its two transitions: closing-soon
// at closeDate minus the lead time (clamped to now if that is already past)
// and close at closeDate.
func (s *Service) Create(ctx context.Context, location, description string, cost int64, closeDate time.Time, requiredFields []string, createdBy int) (*models.Order, error) {
	now := time.Now()
	if !closeDate.After(now) {
		return nil, fmt.Errorf("close date must be in the future")
	}

	closeSoonAt := closeDate.Add(-s.LeadTime)
	if closeSoonAt.Before(now) {
		closeSoonAt = now
	}

	order := &models.Order{
		Location:       location,
		Description:    description,
		Cost:           cost,
		CloseDate:      closeDate,
		RequiredFields: requiredFields,
		CreatedBy:      createdBy,
	}
	jobs := []models.Job{
		{ID: uuid.New(), Type: models.JobCloseSoon, DueAt: closeSoonAt},
		{ID: uuid.New(), Type: models.JobClose, DueAt: closeDate},
	}

	created, err := s.DB.CreateOrder(ctx, order, jobs)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("order created",
		"order_id", created.ID, "location", created.Location, "close_date", created.CloseDate)
	return created, nil
}

// Join adds a user to an order while it is open or closing
func (s *Service) Join(ctx context.Context, orderID, userID int, details map[string]string) error {
	return s.DB.JoinOrder(ctx, orderID, userID, details)
}

// Leave removes a user from an order while it is open or closing
func (s *Service) Leave(ctx context.Context, orderID, userID int) error {
	return s.DB.LeaveOrder(ctx, orderID, userID)
}

// MarkClosing moves an order to closing and tells enabled users who have not
// joined yet. Called by the scheduler; if the order already left the open
// state the transition and the notification are both skipped.
func (s *Service) MarkClosing(ctx context.Context, orderID int) error {
	applied, err := s.DB.MarkClosing(ctx, orderID)
	if err != nil {
		return err
	}
	if !applied {
		s.Logger.Debug("closing transition lost race, skipping", "order_id", orderID)
		return nil
	}

	s.notifyClosingSoon(ctx, orderID)
	return nil
}

// Close finalizes an order now, regardless of its scheduled close date.
// Returns the resulting state: closed, or cancelled if nobody joined.
func (s *Service) Close(ctx context.Context, orderID int) (models.OrderState, error) {
	state, err := s.DB.CloseOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	s.Logger.Info("order closed", "order_id", orderID, "state", state)
	return state, nil
}

// Cancel aborts an order that has not been settled yet
func (s *Service) Cancel(ctx context.Context, orderID int) error {
	if err := s.DB.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	s.Logger.Info("order cancelled", "order_id", orderID)
	return nil
}

// Settle archives a closed order, applying its coin transfers atomically,
// then notifies the participants.
func (s *Service) Settle(ctx context.Context, orderID, purchaserID int) (*models.Transaction, error) {
	record, err := s.DB.SettleOrder(ctx, orderID, purchaserID)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("order settled",
		"order_id", orderID, "purchaser_id", purchaserID, "transaction_id", record.ID)

	s.notifySettled(ctx, orderID, record)
	return record, nil
}

// RunDueJob executes one claimed scheduler job. A transition that lost its
// race, or whose order is gone, is logged and dropped: the concurrent
// winner's state stands.
func (s *Service) RunDueJob(ctx context.Context, job *models.Job) error {
	switch job.Type {
	case models.JobCloseSoon:
		return s.MarkClosing(ctx, job.OrderID)
	case models.JobClose:
		_, err := s.Close(ctx, job.OrderID)
		if errors.Is(err, db.ErrWrongState) || errors.Is(err, db.ErrNotFound) {
			s.Logger.Debug("close transition lost race, skipping", "order_id", job.OrderID)
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// notifyClosingSoon mails every enabled user who has not joined. Best
// effort: failures are logged and never propagate.
func (s *Service) notifyClosingSoon(ctx context.Context, orderID int) {
	order, err := s.DB.GetOrder(ctx, orderID)
	if err != nil {
		s.Logger.Error("closing-soon notification skipped", "order_id", orderID, "error", err)
		return
	}
	participants, err := s.DB.GetOrderParticipants(ctx, orderID)
	if err != nil {
		s.Logger.Error("closing-soon notification skipped", "order_id", orderID, "error", err)
		return
	}
	joined := make(map[int]bool, len(participants))
	for _, p := range participants {
		joined[p.UserID] = true
	}

	users, err := s.DB.ListEnabledUsers(ctx)
	if err != nil {
		s.Logger.Error("closing-soon notification skipped", "order_id", orderID, "error", err)
		return
	}
	var to []string
	for _, user := range users {
		if !joined[user.ID] && user.Email != "" {
			to = append(to, user.Email)
		}
	}
	if len(to) == 0 {
		return
	}

	err = s.Mailer.SendMail(ctx, "order_closing", map[string]any{
		"order_id":   order.ID,
		"location":   order.Location,
		"close_date": order.CloseDate,
	}, to, nil)
	if err != nil {
		s.Logger.Error("closing-soon notification failed", "order_id", orderID, "error", err)
	}
}

// notifySettled mails the affected users, with admins on cc. Best effort.
func (s *Service) notifySettled(ctx context.Context, orderID int, record *models.Transaction) {
	users, err := s.DB.ListEnabledUsers(ctx)
	if err != nil {
		s.Logger.Error("settlement notification skipped", "order_id", orderID, "error", err)
		return
	}
	affected := make(map[int]bool, len(record.Entries))
	for _, entry := range record.Entries {
		affected[entry.UserID] = true
	}

	var to, cc []string
	for _, user := range users {
		if user.Email == "" {
			continue
		}
		if affected[user.ID] {
			to = append(to, user.Email)
		} else if user.Permissions.Has(models.PermAdmin) {
			cc = append(cc, user.Email)
		}
	}
	if len(to) == 0 {
		return
	}

	err = s.Mailer.SendMail(ctx, "order_settled", map[string]any{
		"order_id":    orderID,
		"description": record.Description,
	}, to, cc)
	if err != nil {
		s.Logger.Error("settlement notification failed", "order_id", orderID, "error", err)
	}
}
