package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lunchpool/lunchpool/internal/auth"
	"github.com/lunchpool/lunchpool/internal/db"
	"github.com/lunchpool/lunchpool/internal/models"
	"github.com/lunchpool/lunchpool/internal/orders"
)

type ctxUserKey struct{}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Orders      *orders.Service
	AuthService *auth.AuthService
	Logger      *slog.Logger
	PageSize    int
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, orderService *orders.Service, authService *auth.AuthService, logger *slog.Logger, pageSize int) *Handler {
	return &Handler{DB: database, Orders: orderService, AuthService: authService, Logger: logger, PageSize: pageSize}
}

// CurrentUser returns the authenticated user stored by the auth middleware
func CurrentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(ctxUserKey{}).(*models.User)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the storage layer's error taxonomy onto HTTP statuses.
// Anything unrecognized is an internal failure and gets a generic message.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, db.ErrWrongState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, db.ErrAlreadyJoined),
		errors.Is(err, db.ErrNotParticipant),
		errors.Is(err, db.ErrInsufficientCoins),
		errors.Is(err, db.ErrInvalidAmount),
		errors.Is(err, db.ErrSelfTransfer),
		errors.Is(err, db.ErrMissingDetails):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and loads the authenticated user.
// Disabled accounts are rejected before any order or ledger operation.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		user, err := h.DB.GetUserByID(r.Context(), userID)
		if err != nil || !user.Enabled {
			http.Error(w, `{"error": "Account not found or disabled"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission gates privileged routes on a permission flag
func (h *Handler) RequirePermission(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Require(CurrentUser(r), perm); err != nil {
				h.writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Me returns the authenticated user
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CurrentUser(r))
}

// CreateOrder opens a new order and schedules its transitions
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Location       string    `json:"location"`
		Description    string    `json:"description"`
		Cost           int64     `json:"cost"`
		CloseDate      time.Time `json:"close_date"`
		RequiredFields []string  `json:"required_fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Location == "" || req.Cost < 0 || req.CloseDate.IsZero() {
		http.Error(w, `{"error": "Location, cost and close_date required"}`, http.StatusBadRequest)
		return
	}

	order, err := h.Orders.Create(r.Context(), req.Location, req.Description, req.Cost, req.CloseDate, req.RequiredFields, CurrentUser(r).ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders returns orders that can still be joined
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.DB.ListOrdersByState(r.Context(), models.StateOpen, models.StateClosing)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListOrderHistory returns finished orders
func (h *Handler) ListOrderHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.DB.ListOrdersByState(r.Context(),
		models.StateClosed, models.StateArchived, models.StateCancelled)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetOrder returns one order with its participants
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	order, err := h.DB.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	participants, err := h.DB.GetOrderParticipants(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order":        order,
		"participants": participants,
	})
}

// JoinOrder adds the authenticated user to an order
func (h *Handler) JoinOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		Details map[string]string `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := h.Orders.Join(r.Context(), orderID, CurrentUser(r).ID, req.Details); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Joined order"})
}

// LeaveOrder removes the authenticated user from an order
func (h *Handler) LeaveOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Orders.Leave(r.Context(), orderID, CurrentUser(r).ID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Left order"})
}

// CloseOrder closes an order ahead of schedule
func (h *Handler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	state, err := h.Orders.Close(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Order closed", "state": state})
}

// CancelOrder cancels an order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Orders.Cancel(r.Context(), orderID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order cancelled"})
}

// SettleOrder archives a closed order and applies its settlement
func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		PurchaserID int `json:"purchaser_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PurchaserID == 0 {
		http.Error(w, `{"error": "purchaser_id required"}`, http.StatusBadRequest)
		return
	}

	record, err := h.Orders.Settle(r.Context(), orderID, req.PurchaserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// page reads the 1-based page query parameter
func (h *Handler) page(r *http.Request) (limit, offset int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	return h.PageSize, (page - 1) * h.PageSize
}

// ListTransactions returns a page of the ledger, newest first
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset := h.page(r)
	records, err := h.DB.ListTransactions(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Transfer moves coins from the authenticated user to another user
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToUserID int   `json:"to_user_id"`
		Amount   int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	record, err := h.DB.Transfer(r.Context(), CurrentUser(r).ID, req.ToUserID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ListUsers returns all users (admin only)
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.DB.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// ForceSetCoins sets a user's balance to an arbitrary value (admin only)
func (h *Handler) ForceSetCoins(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid user ID"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		Coins int64 `json:"coins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	record, err := h.DB.ForceSetCoins(r.Context(), userID, req.Coins, CurrentUser(r).Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// SetUserEnabled enables or disables a user account (admin only)
func (h *Handler) SetUserEnabled(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid user ID"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := h.DB.SetUserEnabled(r.Context(), userID, req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User updated"})
}

// SetUserPermissions replaces a user's permission flags (admin only)
func (h *Handler) SetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid user ID"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		Permissions models.Permission `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := h.DB.SetUserPermissions(r.Context(), userID, req.Permissions); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Permissions updated"})
}

// ListAuditEntries returns a page of the audit log (admin only)
func (h *Handler) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	limit, offset := h.page(r)
	entries, err := h.DB.ListAuditEntries(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
