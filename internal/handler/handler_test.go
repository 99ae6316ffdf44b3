package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/vendmart-system/internal/middleware"
	"github.com/mmeshcher/vendmart-system/internal/model"
	"github.com/mmeshcher/vendmart-system/internal/service"
)

type stubService struct {
	registerUser *model.User
	registerErr  error

	authUser *model.User
	authErr  error

	products   []model.Product
	productErr error

	ordersResp []model.Order
	ordersErr  error

	otpBundle   *service.OTPBundle
	generateErr error

	verifyOrder *model.Order
	verifyLow   int
	verifyErr   error

	cooldownOK        bool
	cooldownRemaining int

	report model.HardwareReport

	paymentInit *service.PaymentInit
	paymentErr  error

	webhookSignatureOK bool
	webhookErr         error
	webhookEvents      []string

	lowStockCount int
	lowStockErr   error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, phone string) (*model.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.products, s.productErr
}

func (s *stubService) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	if s.productErr != nil {
		return nil, s.productErr
	}
	for i := range s.products {
		if s.products[i].ID == id {
			return &s.products[i], nil
		}
	}
	return nil, s.productErr
}

func (s *stubService) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	return 1, s.productErr
}

func (s *stubService) UpdateProduct(ctx context.Context, p *model.Product) error {
	return s.productErr
}

func (s *stubService) DeleteProduct(ctx context.Context, id int64) error {
	return s.productErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GenerateOfflineOTP(ctx context.Context, userID int64, cart []model.CartItem) (*service.OTPBundle, error) {
	return s.otpBundle, s.generateErr
}

func (s *stubService) VerifyOfflineOTP(ctx context.Context, userID int64, code, orderID string) (*model.Order, int, error) {
	return s.verifyOrder, s.verifyLow, s.verifyErr
}

func (s *stubService) CheckCooldown(userID int64) (bool, int) {
	return s.cooldownOK, s.cooldownRemaining
}

func (s *stubService) HardwareReport(ctx context.Context) model.HardwareReport {
	return s.report
}

func (s *stubService) CreateOnlinePayment(ctx context.Context, userID int64, cart []model.CartItem) (*service.PaymentInit, error) {
	return s.paymentInit, s.paymentErr
}

func (s *stubService) VerifyOnlinePayment(ctx context.Context, userID int64, orderID, gatewayOrderID, paymentID, signature string) (*model.Order, int, error) {
	return s.verifyOrder, s.verifyLow, s.verifyErr
}

func (s *stubService) VerifyWebhookSignature(body []byte, signature string) bool {
	return s.webhookSignatureOK
}

func (s *stubService) HandleWebhookEvent(ctx context.Context, event, orderID, paymentID string) error {
	s.webhookEvents = append(s.webhookEvents, event)
	return s.webhookErr
}

func (s *stubService) CheckLowStock(ctx context.Context) (int, error) {
	return s.lowStockCount, s.lowStockErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authedRequest(h *Handler, method, target string, body []byte, userID int64, role string) *http.Request {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader([]byte{})
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+h.authMiddleware.Token(userID, role))
	return req
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUser: &model.User{ID: 42, Login: "user", Role: model.RoleCustomer},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp authResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("empty token in response")
	}
	if resp.Role != model.RoleCustomer {
		t.Fatalf("role = %q, want customer", resp.Role)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGenerateOTP_Success(t *testing.T) {
	svc := &stubService{
		otpBundle: &service.OTPBundle{
			OTP:       "482913",
			QRData:    "{}",
			OrderID:   "order-1",
			ExpiresAt: 1700000300000,
			ExpiresIn: 300,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(cartRequest{Items: []model.CartItem{{ProductID: 1, Quantity: 2}}})
	req := authedRequest(h, http.MethodPost, "/api/offline-payment/generate-otp", body, 7, model.RoleCustomer)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GenerateOTP))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp map[string]any
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["otp"] != "482913" {
		t.Fatalf("otp = %v, want 482913", resp["otp"])
	}
	if resp["expiresIn"] != float64(300) {
		t.Fatalf("expiresIn = %v, want 300", resp["expiresIn"])
	}
}

func TestGenerateOTP_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"empty cart", service.ErrEmptyCart, http.StatusBadRequest},
		{"hardware offline", &service.HardwareOfflineError{Report: model.HardwareReport{Message: "Hardware not connected"}}, http.StatusServiceUnavailable},
		{"rate limited", &service.RateLimitedError{RemainingSeconds: 20}, http.StatusTooManyRequests},
		{"insufficient stock", &service.InsufficientStockError{ProductName: "Coke"}, http.StatusBadRequest},
		{"hardware timeout", &service.HardwareTimeoutError{}, http.StatusServiceUnavailable},
		{"store failure", &service.CredentialStoreError{}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{generateErr: tt.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(cartRequest{Items: []model.CartItem{{ProductID: 1, Quantity: 1}}})
			req := authedRequest(h, http.MethodPost, "/api/offline-payment/generate-otp", body, 7, model.RoleCustomer)

			rec := httptest.NewRecorder()
			handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GenerateOTP))
			handlerWithAuth.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGenerateOTP_RateLimitedPayload(t *testing.T) {
	svc := &stubService{generateErr: &service.RateLimitedError{RemainingSeconds: 20}}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(cartRequest{Items: []model.CartItem{{ProductID: 1, Quantity: 1}}})
	req := authedRequest(h, http.MethodPost, "/api/offline-payment/generate-otp", body, 7, model.RoleCustomer)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GenerateOTP))
	handlerWithAuth.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["remainingSeconds"] != float64(20) {
		t.Fatalf("remainingSeconds = %v, want 20", resp["remainingSeconds"])
	}
}

func TestGenerateOTP_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/offline-payment/generate-otp", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GenerateOTP))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestVerifyOTP_Success(t *testing.T) {
	svc := &stubService{
		verifyOrder: &model.Order{
			ID:            "order-1",
			Status:        model.OrderStatusCompleted,
			TotalPaise:    4500,
			PaymentMethod: model.PaymentMethodOffline,
		},
		verifyLow: 1,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(verifyOTPRequest{OTP: "482913", OrderID: "order-1"})
	req := authedRequest(h, http.MethodPost, "/api/offline-payment/verify-otp", body, 7, model.RoleCustomer)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.VerifyOTP))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != true {
		t.Fatalf("success = %v, want true", resp["success"])
	}
}

func TestVerifyOTP_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"missing fields", service.ErrMissingFields, http.StatusBadRequest},
		{"invalid otp", &service.InvalidOTPError{Message: "Invalid or expired OTP"}, http.StatusBadRequest},
		{"foreign order", service.ErrForbidden, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{verifyErr: tt.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(verifyOTPRequest{OTP: "000000", OrderID: "order-1"})
			req := authedRequest(h, http.MethodPost, "/api/offline-payment/verify-otp", body, 7, model.RoleCustomer)

			rec := httptest.NewRecorder()
			handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.VerifyOTP))
			handlerWithAuth.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHardwareStatus_Public(t *testing.T) {
	svc := &stubService{
		report: model.HardwareReport{Online: true, Message: "Hardware connected"},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/offline-payment/hardware-status", nil)
	rec := httptest.NewRecorder()

	h.HardwareStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var report model.HardwareReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !report.Online {
		t.Fatalf("Online = false, want true")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	svc := &stubService{webhookSignatureOK: false}
	h := newTestHandler(t, svc)

	body := []byte(`{"event":"payment.captured"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "bad")
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(svc.webhookEvents) != 0 {
		t.Fatalf("event handled despite bad signature")
	}
}

func TestWebhook_Captured(t *testing.T) {
	svc := &stubService{webhookSignatureOK: true}
	h := newTestHandler(t, svc)

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","notes":{"orderId":"order-1"}}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "good")
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(svc.webhookEvents) != 1 || svc.webhookEvents[0] != "payment.captured" {
		t.Fatalf("webhookEvents = %v", svc.webhookEvents)
	}
}

func TestProductMutations_RequireAdmin(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	body, _ := json.Marshal(productRequest{Name: "Coke", Price: 25})
	req := authedRequest(h, http.MethodPost, "/api/products", body, 7, model.RoleCustomer)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestProducts_PublicListing(t *testing.T) {
	svc := &stubService{
		products: []model.Product{
			{ID: 1, Name: "Coke", PricePaise: 2500, Quantity: 10, IsAvailable: true},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []productResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Price != 25 {
		t.Fatalf("resp = %+v, want one product priced 25", resp)
	}
}

func TestCheckCooldown_Response(t *testing.T) {
	svc := &stubService{cooldownOK: false, cooldownRemaining: 18}
	h := newTestHandler(t, svc)

	req := authedRequest(h, http.MethodGet, "/api/offline-payment/check-cooldown", nil, 7, model.RoleCustomer)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CheckCooldown))
	handlerWithAuth.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["canGenerate"] != false {
		t.Fatalf("canGenerate = %v, want false", resp["canGenerate"])
	}
	if resp["remainingSeconds"] != float64(18) {
		t.Fatalf("remainingSeconds = %v, want 18", resp["remainingSeconds"])
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	svc := &stubService{ordersResp: []model.Order{}}
	h := newTestHandler(t, svc)

	req := authedRequest(h, http.MethodGet, "/api/user/orders", nil, 7, model.RoleCustomer)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetOrders))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
