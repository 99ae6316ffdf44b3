// Package service реализует бизнес-логику платформы торговых автоматов:
// оркестрацию офлайн-оплаты по одноразовому коду, онлайн-оплату через
// платёжный шлюз и управление каталогом товаров.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/vendmart-system/internal/cooldown"
	"github.com/mmeshcher/vendmart-system/internal/hardware"
	"github.com/mmeshcher/vendmart-system/internal/model"
	"github.com/mmeshcher/vendmart-system/internal/payment"
	"github.com/mmeshcher/vendmart-system/internal/repository"
)

// otpValiditySeconds — фиксированное окно действия кода для ответа клиенту.
const otpValiditySeconds = 300

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, phone, role string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	CreateProduct(ctx context.Context, p *model.Product) (int64, error)
	UpdateProduct(ctx context.Context, p *model.Product) error
	DeleteProduct(ctx context.Context, id int64) error
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	CompleteOrder(ctx context.Context, orderID, paymentID string) (*model.Order, []repository.StockLevel, error)
	FailOrder(ctx context.Context, orderID, paymentID string) error
	ListLowStockProducts(ctx context.Context, threshold int) ([]model.Product, error)
}

// Broker описывает контракт брокера одноразовых кодов.
type Broker interface {
	Request(ctx context.Context) (string, error)
	Issue(ctx context.Context, userID int64, code string, order *model.Order) (time.Time, time.Time, error)
	Verify(ctx context.Context, userID int64, code string) (*hardware.VerifyResult, error)
}

// Monitor описывает контракт монитора доступности оборудования.
type Monitor interface {
	Report(ctx context.Context) model.HardwareReport
}

// Notifier описывает контракт отправителя SMS-уведомлений.
type Notifier interface {
	SendLowStockSMS(ctx context.Context, productName string, quantity int) error
}

// Gateway описывает контракт платёжного шлюза.
type Gateway interface {
	CreateOrder(ctx context.Context, amountPaise int64, receipt string) (string, error)
	VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
}

// Options содержит параметры сервиса, не являющиеся зависимостями.
type Options struct {
	LowStockThreshold  int
	GatewayCredentials payment.Credentials
	WebhookURL         string
}

// Service содержит бизнес-логику платформы.
type Service struct {
	repo        Repository
	broker      Broker
	monitor     Monitor
	notifier    Notifier
	gateway     Gateway
	limiter     *cooldown.Tracker
	smsThrottle *cooldown.Tracker
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

// NewService создаёт сервис. limiter — трекер задержки запросов кода
// (окно 30 секунд, ключ — пользователь), smsThrottle — трекер подавления
// SMS (окно 3 часа, ключ — товар). Лимитер общий с брокером.
func NewService(
	repo Repository,
	broker Broker,
	monitor Monitor,
	notifier Notifier,
	gateway Gateway,
	limiter *cooldown.Tracker,
	smsThrottle *cooldown.Tracker,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = 3
	}
	return &Service{
		repo:        repo,
		broker:      broker,
		monitor:     monitor,
		notifier:    notifier,
		gateway:     gateway,
		limiter:     limiter,
		smsThrottle: smsThrottle,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с ролью customer.
func (s *Service) RegisterUser(ctx context.Context, login, password, phone string) (*model.User, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, phone, model.RoleCustomer)
	if err != nil {
		return nil, err
	}
	return &model.User{ID: id, Login: login, Phone: phone, Role: model.RoleCustomer}, nil
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// ListProducts возвращает каталог товаров.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// GetProduct возвращает товар по идентификатору.
func (s *Service) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// CreateProduct создаёт товар каталога.
func (s *Service) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	if p.Name == "" || p.Category == "" || p.PricePaise < 0 || p.Quantity < 0 {
		return 0, ErrInvalidProduct
	}
	return s.repo.CreateProduct(ctx, p)
}

// UpdateProduct обновляет товар каталога.
func (s *Service) UpdateProduct(ctx context.Context, p *model.Product) error {
	if p.Name == "" || p.PricePaise < 0 || p.Quantity < 0 {
		return ErrInvalidProduct
	}
	return s.repo.UpdateProduct(ctx, p)
}

// DeleteProduct удаляет товар каталога.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.DeleteProduct(ctx, id)
}

// GetOrdersByUser возвращает историю заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// OTPBundle — ответ на успешную генерацию кода офлайн-оплаты.
type OTPBundle struct {
	OTP       string
	QRData    string
	OrderID   string
	ExpiresAt int64
	ExpiresIn int
}

type qrProduct struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// qrPayload — данные для QR-кода: мобильный клиент инициирует по ним
// оплату, когда автомат снова окажется в сети.
type qrPayload struct {
	OTP        string              `json:"otp"`
	Amount     float64             `json:"amount"`
	OrderID    string              `json:"orderId"`
	UserID     string              `json:"userId"`
	Timestamp  int64               `json:"timestamp"`
	ExpiryTime int64               `json:"expiryTime"`
	Razorpay   payment.Credentials `json:"razorpay"`
	WebhookURL string              `json:"webhookUrl"`
	Products   []qrProduct         `json:"products"`
}

// GenerateOfflineOTP выполняет полный цикл генерации кода офлайн-оплаты:
// проверка корзины, доступности оборудования, лимита запросов и остатков,
// создание ожидающего заказа, запрос кода у контроллера и его сохранение.
func (s *Service) GenerateOfflineOTP(ctx context.Context, userID int64, cart []model.CartItem) (*OTPBundle, error) {
	if len(cart) == 0 {
		return nil, ErrEmptyCart
	}

	// До проверки лимитов и остатков: без оборудования продолжать незачем.
	report := s.monitor.Report(ctx)
	if !report.Online {
		return nil, &HardwareOfflineError{Report: report}
	}

	key := userKey(userID)
	if !s.limiter.TryProceed(key) {
		return nil, &RateLimitedError{RemainingSeconds: s.limiter.RemainingSeconds(key)}
	}
	// Окно занято атомарно; любой сбой ниже освобождает его, чтобы
	// пользователь мог повторить запрос сразу.

	items, total, err := s.buildSnapshot(ctx, cart)
	if err != nil {
		s.limiter.Reset(key)
		return nil, err
	}

	order := &model.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		Items:         items,
		TotalPaise:    total,
		PaymentMethod: model.PaymentMethodOffline,
		Status:        model.OrderStatusPending,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		s.limiter.Reset(key)
		return nil, fmt.Errorf("create pending order: %w", err)
	}

	code, err := s.broker.Request(ctx)
	if err != nil {
		s.limiter.Reset(key)
		if errors.Is(err, hardware.ErrHardwareTimeout) {
			return nil, &HardwareTimeoutError{Err: err}
		}
		return nil, fmt.Errorf("request otp: %w", err)
	}

	issuedAt, expiresAt, err := s.broker.Issue(ctx, userID, code, order)
	if err != nil {
		s.limiter.Reset(key)
		return nil, &CredentialStoreError{Err: err}
	}

	qr := qrPayload{
		OTP:        code,
		Amount:     paiseToRupees(total),
		OrderID:    order.ID,
		UserID:     strconv.FormatInt(userID, 10),
		Timestamp:  issuedAt.UnixMilli(),
		ExpiryTime: expiresAt.UnixMilli(),
		Razorpay:   s.opts.GatewayCredentials,
		WebhookURL: s.opts.WebhookURL,
		Products:   qrProducts(items),
	}
	qrData, err := json.Marshal(qr)
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}

	return &OTPBundle{
		OTP:       code,
		QRData:    string(qrData),
		OrderID:   order.ID,
		ExpiresAt: expiresAt.UnixMilli(),
		ExpiresIn: otpValiditySeconds,
	}, nil
}

// buildSnapshot проверяет корзину по текущему каталогу и фиксирует
// состав заказа: имя, количество и цену на момент запроса. Ошибка
// называет первый проблемный товар, не весь список.
func (s *Service) buildSnapshot(ctx context.Context, cart []model.CartItem) ([]model.OrderItem, int64, error) {
	items := make([]model.OrderItem, 0, len(cart))
	var total int64

	for _, it := range cart {
		if it.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: product %d", ErrInvalidCart, it.ProductID)
		}

		p, err := s.repo.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, 0, err
		}
		if p.Quantity < it.Quantity {
			return nil, 0, &InsufficientStockError{ProductName: p.Name}
		}

		items = append(items, model.OrderItem{
			ProductID:  p.ID,
			Name:       p.Name,
			Quantity:   it.Quantity,
			PricePaise: p.PricePaise,
		})
		total += p.PricePaise * int64(it.Quantity)
	}

	return items, total, nil
}

// VerifyOfflineOTP проверяет код, завершает заказ и списывает остатки.
// Возвращает завершённый заказ и число товаров, попавших в зону низкого
// остатка.
func (s *Service) VerifyOfflineOTP(ctx context.Context, userID int64, code, orderID string) (*model.Order, int, error) {
	if code == "" || orderID == "" {
		return nil, 0, ErrMissingFields
	}

	res, err := s.broker.Verify(ctx, userID, code)
	if err != nil {
		return nil, 0, fmt.Errorf("verify otp: %w", err)
	}
	if !res.Valid {
		return nil, 0, &InvalidOTPError{Message: res.Message}
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, 0, err
	}
	if order.UserID != userID {
		return nil, 0, ErrForbidden
	}

	completed, levels, err := s.repo.CompleteOrder(ctx, orderID, "")
	if err != nil {
		return nil, 0, err
	}

	lowStock := s.notifyLowStock(ctx, levels)

	return completed, lowStock, nil
}

// CheckCooldown сообщает, может ли пользователь запросить код, и остаток
// задержки в секундах.
func (s *Service) CheckCooldown(userID int64) (bool, int) {
	key := userKey(userID)
	return s.limiter.CanProceed(key), s.limiter.RemainingSeconds(key)
}

// HardwareReport возвращает статус оборудования для отображения.
func (s *Service) HardwareReport(ctx context.Context) model.HardwareReport {
	return s.monitor.Report(ctx)
}

// PaymentInit — ответ на создание онлайн-платежа.
type PaymentInit struct {
	GatewayOrderID string
	AmountPaise    int64
	Currency       string
	OrderID        string
}

// CreateOnlinePayment создаёт заказ в платёжном шлюзе и ожидающий заказ
// в хранилище.
func (s *Service) CreateOnlinePayment(ctx context.Context, userID int64, cart []model.CartItem) (*PaymentInit, error) {
	if len(cart) == 0 {
		return nil, ErrEmptyCart
	}

	items, total, err := s.buildSnapshot(ctx, cart)
	if err != nil {
		return nil, err
	}

	receipt := fmt.Sprintf("receipt_%d", s.now().UnixMilli())
	gatewayOrderID, err := s.gateway.CreateOrder(ctx, total, receipt)
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	order := &model.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		Items:         items,
		TotalPaise:    total,
		PaymentMethod: model.PaymentMethodCard,
		Status:        model.OrderStatusPending,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create pending order: %w", err)
	}

	return &PaymentInit{
		GatewayOrderID: gatewayOrderID,
		AmountPaise:    total,
		Currency:       "INR",
		OrderID:        order.ID,
	}, nil
}

// VerifyOnlinePayment проверяет подпись платежа и завершает заказ.
func (s *Service) VerifyOnlinePayment(ctx context.Context, userID int64, orderID, gatewayOrderID, paymentID, signature string) (*model.Order, int, error) {
	if orderID == "" || gatewayOrderID == "" || paymentID == "" || signature == "" {
		return nil, 0, ErrMissingFields
	}

	if !s.gateway.VerifyPaymentSignature(gatewayOrderID, paymentID, signature) {
		return nil, 0, ErrInvalidSignature
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, 0, err
	}
	if order.UserID != userID {
		return nil, 0, ErrForbidden
	}

	completed, levels, err := s.repo.CompleteOrder(ctx, orderID, paymentID)
	if err != nil {
		return nil, 0, err
	}

	lowStock := s.notifyLowStock(ctx, levels)

	return completed, lowStock, nil
}

// VerifyWebhookSignature проверяет подпись события платёжного шлюза.
func (s *Service) VerifyWebhookSignature(body []byte, signature string) bool {
	return s.gateway.VerifyWebhookSignature(body, signature)
}

// HandleWebhookEvent обрабатывает событие платёжного шлюза. Повторная
// доставка события о захвате платежа безвредна: уже завершённый заказ
// не трогается.
func (s *Service) HandleWebhookEvent(ctx context.Context, event, orderID, paymentID string) error {
	switch event {
	case "payment.captured":
		if orderID == "" {
			s.logger.Info("captured payment without order reference", zap.String("paymentID", paymentID))
			return nil
		}
		_, levels, err := s.repo.CompleteOrder(ctx, orderID, paymentID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderAlreadyCompleted) {
				return nil
			}
			return fmt.Errorf("complete order: %w", err)
		}
		s.notifyLowStock(ctx, levels)
		return nil

	case "payment.failed":
		if orderID == "" {
			return nil
		}
		if err := s.repo.FailOrder(ctx, orderID, paymentID); err != nil {
			return fmt.Errorf("fail order: %w", err)
		}
		return nil

	default:
		s.logger.Info("unhandled webhook event", zap.String("event", event))
		return nil
	}
}

// CheckLowStock обходит каталог и рассылает уведомления по всем товарам
// с остатком не выше порога. Возвращает число таких товаров.
func (s *Service) CheckLowStock(ctx context.Context) (int, error) {
	products, err := s.repo.ListLowStockProducts(ctx, s.opts.LowStockThreshold)
	if err != nil {
		return 0, err
	}

	levels := make([]repository.StockLevel, 0, len(products))
	for _, p := range products {
		levels = append(levels, repository.StockLevel{ProductID: p.ID, Name: p.Name, Quantity: p.Quantity})
	}

	return s.notifyLowStock(ctx, levels), nil
}

// notifyLowStock отправляет SMS по товарам, чей остаток попал в
// (0, порог]. Отказ шлюза не прерывает основной поток: ошибка пишется
// в лог, окно подавления освобождается для следующей попытки.
func (s *Service) notifyLowStock(ctx context.Context, levels []repository.StockLevel) int {
	count := 0
	for _, lvl := range levels {
		if lvl.Quantity <= 0 || lvl.Quantity > s.opts.LowStockThreshold {
			continue
		}
		count++

		key := productKey(lvl.ProductID)
		if !s.smsThrottle.TryProceed(key) {
			s.logger.Info("sms cooldown active",
				zap.String("product", lvl.Name),
				zap.Int("remainingMinutes", s.smsThrottle.RemainingMinutes(key)))
			continue
		}

		if err := s.notifier.SendLowStockSMS(ctx, lvl.Name, lvl.Quantity); err != nil {
			s.logger.Warn("send low stock sms", zap.String("product", lvl.Name), zap.Error(err))
			s.smsThrottle.Reset(key)
		}
	}
	return count
}

func paiseToRupees(paise int64) float64 {
	return float64(paise) / 100
}

func qrProducts(items []model.OrderItem) []qrProduct {
	out := make([]qrProduct, 0, len(items))
	for _, it := range items {
		out = append(out, qrProduct{
			Name:     it.Name,
			Quantity: it.Quantity,
			Price:    paiseToRupees(it.PricePaise),
		})
	}
	return out
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func productKey(productID int64) string {
	return strconv.FormatInt(productID, 10)
}
