package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lunchpool/lunchpool/internal/api"
	"github.com/lunchpool/lunchpool/internal/auth"
	"github.com/lunchpool/lunchpool/internal/config"
	"github.com/lunchpool/lunchpool/internal/db"
	"github.com/lunchpool/lunchpool/internal/logging"
	"github.com/lunchpool/lunchpool/internal/models"
	"github.com/lunchpool/lunchpool/internal/notify"
	"github.com/lunchpool/lunchpool/internal/orders"
	"github.com/lunchpool/lunchpool/internal/scheduler"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*wsClient]bool)
	clientsMu sync.RWMutex
)

// broadcastOpenOrders pushes the currently joinable orders to every
// connected websocket client
func broadcastOpenOrders(ctx context.Context, database *db.DB) {
	list, err := database.ListOrdersByState(ctx, models.StateOpen, models.StateClosing)
	if err != nil {
		logging.New("ws").Error("failed to load open orders", "error", err)
		return
	}
	data, err := json.Marshal(struct {
		Orders []models.Order `json:"orders"`
	}{Orders: list})
	if err != nil {
		logging.New("ws").Error("failed to marshal open orders", "error", err)
		return
	}

	clientsMu.RLock()
	stale := []*wsClient{}
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			stale = append(stale, client)
		}
	}
	clientsMu.RUnlock()

	if len(stale) > 0 {
		clientsMu.Lock()
		for _, client := range stale {
			delete(clients, client)
		}
		clientsMu.Unlock()
	}
}

func handleWebSocket(database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.New("ws").Error("failed to upgrade connection", "error", err)
			return
		}

		client := &wsClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send initial state
		broadcastOpenOrders(r.Context(), database)

		// Keep connection alive and handle disconnection
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				clientsMu.Lock()
				delete(clients, client)
				clientsMu.Unlock()
				break
			}
		}
	}
}

// Main entry point: sets up database, services, scheduler, and HTTP server
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envName := os.Getenv("LUNCHPOOL_ENV")
	if envName == "" {
		envName = "dev"
	}
	cfg, err := config.Load("./configs", envName)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.Init(cfg.App.Name, cfg.App.LogFile, cfg.App.LogLevel)

	database, err := db.NewDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close(ctx)

	// Refuse to serve against an unexpected data shape
	if err := database.CheckSchemaVersion(ctx); err != nil {
		logger.Error("schema check failed", "error", err)
		os.Exit(1)
	}

	mailer := notify.NewLogMailer(logging.New("mailer"))
	orderService := orders.NewService(database, mailer, cfg.Orders.CloseLeadTime, logging.New("orders"))
	authService := auth.NewAuthService(database, cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	handler := api.NewHandler(database, orderService, authService, logging.New("api"), cfg.Orders.PageSize)

	// Background job worker for scheduled order transitions
	worker := scheduler.NewWorker(database, orderService, cfg.Scheduler.PollInterval, logging.New("scheduler"))
	go worker.Run(ctx)

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(api.MetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// WebSocket feed of joinable orders
	r.Get("/ws", handleWebSocket(database))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)

	// Authenticated endpoints
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)

		r.Get("/me", handler.Me)
		r.Get("/orders", handler.ListOrders)
		r.Get("/orders/history", handler.ListOrderHistory)
		r.Get("/orders/{id}", handler.GetOrder)
		r.Post("/orders/{id}/join", handler.JoinOrder)
		r.Post("/orders/{id}/leave", handler.LeaveOrder)
		r.Get("/transactions", handler.ListTransactions)
		r.Post("/transfer", handler.Transfer)

		// Order management
		r.Group(func(r chi.Router) {
			r.Use(handler.RequirePermission(models.PermManageOrders))
			r.Post("/orders", handler.CreateOrder)
			r.Post("/orders/{id}/close", handler.CloseOrder)
			r.Post("/orders/{id}/cancel", handler.CancelOrder)
			r.Post("/orders/{id}/settle", handler.SettleOrder)
		})

		// Coin administration
		r.Group(func(r chi.Router) {
			r.Use(handler.RequirePermission(models.PermManageCoins))
			r.Post("/admin/users/{id}/coins", handler.ForceSetCoins)
		})

		// User administration
		r.Group(func(r chi.Router) {
			r.Use(handler.RequirePermission(models.PermAdmin))
			r.Get("/admin/users", handler.ListUsers)
			r.Post("/admin/users/{id}/enabled", handler.SetUserEnabled)
			r.Post("/admin/users/{id}/permissions", handler.SetUserPermissions)
			r.Get("/admin/audit", handler.ListAuditEntries)
		})
	})

	// Push open orders to websocket clients periodically
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				broadcastOpenOrders(ctx, database)
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.App.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", "addr", cfg.App.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
