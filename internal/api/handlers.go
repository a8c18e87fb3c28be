package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/peakex/exchange/internal/auth"
	"github.com/peakex/exchange/internal/db"
	"github.com/peakex/exchange/internal/exchange"
	"github.com/peakex/exchange/internal/ledger"
	"github.com/peakex/exchange/internal/models"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *exchange.Engine
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, engine *exchange.Engine, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{DB: db, Engine: engine, AuthService: authService, Log: log}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
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

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
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

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUserID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// PlaceOrder hands a validated new order to the matching engine and
// returns its fill history.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Pair        string `json:"pair"`
		Side        string `json:"side"`
		Price       string `json:"price"`
		Amount      string `json:"amount"`
		NeedApprove bool   `json:"need_approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	pair, err := models.ParsePair(req.Pair)
	if err != nil {
		http.Error(w, `{"error": "Invalid currency pair"}`, http.StatusBadRequest)
		return
	}
	if req.Side != string(models.SideBuy) && req.Side != string(models.SideSell) {
		http.Error(w, `{"error": "Side must be 'buy' or 'sell'"}`, http.StatusBadRequest)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		http.Error(w, `{"error": "Price must be a positive decimal"}`, http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		http.Error(w, `{"error": "Amount must be a positive decimal"}`, http.StatusBadRequest)
		return
	}

	order := &models.Order{
		UserID:      userID,
		Pair:        pair,
		Side:        models.Side(req.Side),
		Price:       price,
		Amount:      amount,
		NeedApprove: req.NeedApprove,
	}

	result, err := h.Engine.ProcessNewOrder(r.Context(), order)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			http.Error(w, `{"error": "Insufficient funds"}`, http.StatusBadRequest)
			return
		}
		h.Log.Error("failed to process order", zap.Int64("user_id", userID), zap.Error(err))
		http.Error(w, `{"error": "Failed to place order"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// CancelOrder cancels a resting order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Engine.CancelOrder(r.Context(), orderID, userID); err != nil {
		if errors.Is(err, exchange.ErrInvalidState) {
			http.Error(w, `{"error": "Order cannot be canceled"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error": "Failed to cancel order"}`, http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Order canceled"})
}

// ApproveOrder finalizes an order parked pending approval
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestUserID(r); !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Engine.ApproveOrder(r.Context(), orderID); err != nil {
		if errors.Is(err, exchange.ErrInvalidState) {
			http.Error(w, `{"error": "Order is not awaiting approval"}`, http.StatusConflict)
			return
		}
		h.Log.Error("failed to approve order", zap.Int64("order_id", orderID), zap.Error(err))
		http.Error(w, `{"error": "Failed to approve order"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Order approved"})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(orders)
}

// GetAccounts retrieves a user's balances
func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	accounts, err := h.DB.GetUserAccounts(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve accounts"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(accounts)
}

// GetMarketStats returns the latest statistics snapshot for a pair,
// computing a first one when none exists yet.
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	pair := models.Pair{Base: chi.URLParam(r, "base"), Quote: chi.URLParam(r, "quote")}
	if pair.Base == "" || pair.Quote == "" {
		http.Error(w, `{"error": "Invalid currency pair"}`, http.StatusBadRequest)
		return
	}

	stats, err := h.DB.LatestMarketStats(r.Context(), pair)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve market stats"}`, http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats, err = h.Engine.RecomputeMarketStats(r.Context(), pair)
		if err != nil {
			http.Error(w, `{"error": "Failed to compute market stats"}`, http.StatusInternalServerError)
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"pair":  pair.String(),
		"stats": stats,
	})
}
