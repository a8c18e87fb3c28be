package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/peakex/exchange/internal/api"
	"github.com/peakex/exchange/internal/auth"
	"github.com/peakex/exchange/internal/config"
	"github.com/peakex/exchange/internal/db"
	"github.com/peakex/exchange/internal/exchange"
	"github.com/peakex/exchange/internal/logger"
	"github.com/peakex/exchange/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
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

// hub is the notification sink: order-status changes and fresh market
// snapshots are fanned out to every connected websocket client.
type hub struct {
	log       *zap.Logger
	clients   map[*wsClient]bool
	clientsMu sync.RWMutex
}

func newHub(log *zap.Logger) *hub {
	return &hub{log: log, clients: make(map[*wsClient]bool)}
}

func (h *hub) OrderChanged(order models.Order) {
	h.broadcast(map[string]interface{}{
		"event":    "order",
		"order_id": order.ID,
		"pair":     order.Pair.String(),
		"side":     order.Side,
		"status":   order.Status,
		"amount":   order.Amount,
		"total":    order.Total,
	})
}

func (h *hub) StatsUpdated(stats models.MarketStats) {
	h.broadcast(map[string]interface{}{
		"event": "stats",
		"pair":  stats.Pair.String(),
		"stats": stats,
	})
}

func (h *hub) broadcast(event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			h.log.Warn("failed to send event, dropping client", zap.Error(err))
			h.clientsMu.Lock()
			delete(h.clients, client)
			h.clientsMu.Unlock()
		}
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.clientsMu.Lock()
	h.clients[client] = true
	h.clientsMu.Unlock()

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.clientsMu.Lock()
			delete(h.clients, client)
			h.clientsMu.Unlock()
			break
		}
	}
}

// Main entry point: sets up database, matching engine, and HTTP server
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	notifier := newHub(log)

	engine := exchange.NewEngine(database, log, notifier, exchange.Config{
		FindAttempts:    cfg.Matching.FindAttempts,
		FindBackoff:     cfg.Matching.FindBackoff,
		AllowSelfTrade:  cfg.Matching.AllowSelfTrade,
		StatsSampleSize: cfg.Matching.StatsSampleSize,
		StatsWindow:     cfg.Matching.StatsWindow,
	})

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, engine, authService, log)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", notifier.handleWebSocket)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/stats/{base}/{quote}", handler.GetMarketStats)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Post("/orders/{id}/approve", handler.ApproveOrder)
		r.Get("/accounts", handler.GetAccounts)
	})

	// Periodic market statistics recompute per configured pair
	go func() {
		ticker := time.NewTicker(cfg.StatsInterval)
		for range ticker.C {
			for _, p := range cfg.Pairs {
				pair, err := models.ParsePair(p)
				if err != nil {
					log.Warn("skipping invalid pair", zap.String("pair", p))
					continue
				}
				if _, err := engine.RecomputeMarketStats(ctx, pair); err != nil {
					log.Error("failed to recompute market stats",
						zap.String("pair", p), zap.Error(err))
				}
			}
		}
	}()

	log.Info("starting server", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
