// Package handler содержит HTTP-обработчики API платформы торговых автоматов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/vendmart-system/internal/middleware"
	"github.com/mmeshcher/vendmart-system/internal/model"
	"github.com/mmeshcher/vendmart-system/internal/repository"
	"github.com/mmeshcher/vendmart-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, phone string) (*model.User, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)

	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	CreateProduct(ctx context.Context, p *model.Product) (int64, error)
	UpdateProduct(ctx context.Context, p *model.Product) error
	DeleteProduct(ctx context.Context, id int64) error

	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)

	GenerateOfflineOTP(ctx context.Context, userID int64, cart []model.CartItem) (*service.OTPBundle, error)
	VerifyOfflineOTP(ctx context.Context, userID int64, code, orderID string) (*model.Order, int, error)
	CheckCooldown(userID int64) (bool, int)
	HardwareReport(ctx context.Context) model.HardwareReport

	CreateOnlinePayment(ctx context.Context, userID int64, cart []model.CartItem) (*service.PaymentInit, error)
	VerifyOnlinePayment(ctx context.Context, userID int64, orderID, gatewayOrderID, paymentID, signature string) (*model.Order, int, error)
	VerifyWebhookSignature(body []byte, signature string) bool
	HandleWebhookEvent(ctx context.Context, event, orderID, paymentID string) error

	CheckLowStock(ctx context.Context) (int, error)
}

// Handler реализует HTTP-обработчики API платформы торговых автоматов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
}

type authResponse struct {
	Token string `json:"token"`
	Login string `json:"login"`
	Role  string `json:"role"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.Phone)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Token: h.authMiddleware.Token(user.ID, user.Role),
		Login: user.Login,
		Role:  user.Role,
	})
}

// Login выполняет аутентификацию пользователя и выдачу токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Token: h.authMiddleware.Token(user.ID, user.Role),
		Login: user.Login,
		Role:  user.Role,
	})
}

type productResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Category    string  `json:"category"`
	ImageURL    string  `json:"image_url"`
	IsAvailable bool    `json:"is_available"`
}

func toProductResponse(p model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       float64(p.PricePaise) / 100,
		Quantity:    p.Quantity,
		Category:    p.Category,
		ImageURL:    p.ImageURL,
		IsAvailable: p.IsAvailable,
	}
}

// ListProducts возвращает каталог товаров.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, toProductResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetProduct возвращает один товар по идентификатору.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.Int64("productID", id))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

type productRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Category    string  `json:"category"`
	ImageURL    string  `json:"image_url"`
}

func (req *productRequest) toModel() *model.Product {
	return &model.Product{
		Name:        req.Name,
		Description: req.Description,
		PricePaise:  int64(req.Price * 100),
		Quantity:    req.Quantity,
		Category:    req.Category,
		ImageURL:    req.ImageURL,
	}
}

// CreateProduct добавляет товар в каталог. Доступно администратору.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "name and positive price are required")
		return
	}

	p := req.toModel()
	id, err := h.service.CreateProduct(r.Context(), p)
	if err != nil {
		if errors.Is(err, service.ErrInvalidProduct) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("create product error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	p.ID = id
	writeJSON(w, http.StatusCreated, toProductResponse(*p))
}

// UpdateProduct изменяет товар каталога. Доступно администратору.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := req.toModel()
	p.ID = id
	if err := h.service.UpdateProduct(r.Context(), p); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		if errors.Is(err, service.ErrInvalidProduct) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("update product error", zap.Error(err), zap.Int64("productID", id))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

// DeleteProduct удаляет товар из каталога. Доступно администратору.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("delete product error", zap.Error(err), zap.Int64("productID", id))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type orderResponse struct {
	ID            string            `json:"id"`
	Items         []model.OrderItem `json:"items"`
	Total         float64           `json:"total"`
	PaymentMethod string            `json:"payment_method"`
	Status        string            `json:"status"`
	CreatedAt     string            `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		Items:         o.Items,
		Total:         float64(o.TotalPaise) / 100,
		PaymentMethod: string(o.PaymentMethod),
		Status:        string(o.Status),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
}

// GetOrders возвращает историю заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type cartRequest struct {
	Items []model.CartItem `json:"items"`
}

// GenerateOTP создаёт ожидающий заказ и выдаёт одноразовый код для
// офлайн-оплаты через контроллер автомата.
func (h *Handler) GenerateOTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bundle, err := h.service.GenerateOfflineOTP(r.Context(), userID, req.Items)
	if err != nil {
		h.respondGenerateError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"otp":       bundle.OTP,
		"qrData":    bundle.QRData,
		"orderId":   bundle.OrderID,
		"expiresAt": bundle.ExpiresAt,
		"expiresIn": bundle.ExpiresIn,
	})
}

func (h *Handler) respondGenerateError(w http.ResponseWriter, userID int64, err error) {
	var (
		offline     *service.HardwareOfflineError
		rateLimited *service.RateLimitedError
		noStock     *service.InsufficientStockError
		hwTimeout   *service.HardwareTimeoutError
		storeFail   *service.CredentialStoreError
	)

	switch {
	case errors.Is(err, service.ErrEmptyCart), errors.Is(err, service.ErrInvalidCart):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &offline):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success":        false,
			"message":        offline.Report.Message,
			"hardwareStatus": offline.Report,
		})
	case errors.As(err, &rateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":          false,
			"message":          rateLimited.Error(),
			"remainingSeconds": rateLimited.RemainingSeconds,
		})
	case errors.Is(err, repository.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case errors.As(err, &noStock):
		writeError(w, http.StatusBadRequest, noStock.Error())
	case errors.As(err, &hwTimeout):
		writeError(w, http.StatusServiceUnavailable, "vending machine did not respond, please try again")
	case errors.As(err, &storeFail):
		h.logger.Error("store otp error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "failed to store OTP")
	default:
		h.logger.Error("generate otp error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type verifyOTPRequest struct {
	OTP     string `json:"otp"`
	OrderID string `json:"orderId"`
}

// VerifyOTP проверяет одноразовый код и завершает заказ.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, lowStock, err := h.service.VerifyOfflineOTP(r.Context(), userID, req.OTP, req.OrderID)
	if err != nil {
		h.respondVerifyError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Payment verified successfully",
		"order":    toOrderResponse(order),
		"lowStock": lowStock,
	})
}

func (h *Handler) respondVerifyError(w http.ResponseWriter, userID int64, err error) {
	var invalidOTP *service.InvalidOTPError

	switch {
	case errors.Is(err, service.ErrMissingFields):
		writeError(w, http.StatusBadRequest, "otp and orderId are required")
	case errors.As(err, &invalidOTP):
		writeError(w, http.StatusBadRequest, invalidOTP.Message)
	case errors.Is(err, repository.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "order belongs to another user")
	case errors.Is(err, service.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid payment signature")
	case errors.Is(err, repository.ErrOrderAlreadyCompleted):
		writeError(w, http.StatusConflict, "order already completed")
	case errors.Is(err, repository.ErrInsufficientStock):
		writeError(w, http.StatusBadRequest, "insufficient stock")
	default:
		h.logger.Error("verify payment error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// CheckCooldown сообщает, может ли пользователь запросить новый код.
func (h *Handler) CheckCooldown(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	canProceed, remaining := h.service.CheckCooldown(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"canGenerate":      canProceed,
		"remainingSeconds": remaining,
	})
}

// HardwareStatus возвращает статус оборудования автомата.
func (h *Handler) HardwareStatus(w http.ResponseWriter, r *http.Request) {
	report := h.service.HardwareReport(r.Context())
	writeJSON(w, http.StatusOK, report)
}

// CreatePayment создаёт заказ в платёжном шлюзе для онлайн-оплаты.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	init, err := h.service.CreateOnlinePayment(r.Context(), userID, req.Items)
	if err != nil {
		var noStock *service.InsufficientStockError
		switch {
		case errors.Is(err, service.ErrEmptyCart), errors.Is(err, service.ErrInvalidCart):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrProductNotFound):
			writeError(w, http.StatusNotFound, "product not found")
		case errors.As(err, &noStock):
			writeError(w, http.StatusBadRequest, noStock.Error())
		default:
			h.logger.Error("create payment error", zap.Error(err), zap.Int64("userID", userID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"gatewayOrderId": init.GatewayOrderID,
		"amount":         init.AmountPaise,
		"currency":       init.Currency,
		"orderId":        init.OrderID,
	})
}

type verifyPaymentRequest struct {
	OrderID        string `json:"orderId"`
	GatewayOrderID string `json:"razorpay_order_id"`
	PaymentID      string `json:"razorpay_payment_id"`
	Signature      string `json:"razorpay_signature"`
}

// VerifyPayment проверяет подпись онлайн-платежа и завершает заказ.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, lowStock, err := h.service.VerifyOnlinePayment(r.Context(), userID,
		req.OrderID, req.GatewayOrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.respondVerifyError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Payment verified successfully",
		"order":    toOrderResponse(order),
		"lowStock": lowStock,
	})
}

type webhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID    string `json:"id"`
				Notes struct {
					OrderID string `json:"orderId"`
				} `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Webhook принимает события платёжного шлюза. Подпись проверяется по
// сырому телу запроса до разбора JSON.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.service.VerifyWebhookSignature(body, r.Header.Get("X-Razorpay-Signature")) {
		writeError(w, http.StatusBadRequest, "invalid webhook signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entity := payload.Payload.Payment.Entity
	if err := h.service.HandleWebhookEvent(r.Context(), payload.Event, entity.Notes.OrderID, entity.ID); err != nil {
		h.logger.Error("webhook event error", zap.Error(err), zap.String("event", payload.Event))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// LowStockCheck запускает обход каталога и рассылку уведомлений о
// товарах с низким остатком.
func (h *Handler) LowStockCheck(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CheckLowStock(r.Context())
	if err != nil {
		h.logger.Error("low stock check error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"lowStockCount": count,
	})
}
