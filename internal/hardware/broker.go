package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/vendmart-system/internal/cooldown"
	"github.com/mmeshcher/vendmart-system/internal/model"
	"github.com/mmeshcher/vendmart-system/internal/repository"
	"github.com/mmeshcher/vendmart-system/internal/validation"
)

const (
	// Срок действия кода фиксированный: ровно 5 минут с момента выдачи.
	otpValidity = 5 * time.Minute
	// Записи старше 10 минут подчищаются независимо от использования.
	otpRetention = 10 * time.Minute
)

// ErrHardwareTimeout возвращается, когда контроллер не опубликовал код
// в отведённый бюджет ожидания.
var ErrHardwareTimeout = errors.New("hardware did not publish an OTP within the wait budget")

var errCodeNotReady = errors.New("otp not published yet")

// OTPStore описывает операции хранилища над записями одноразовых кодов.
type OTPStore interface {
	SaveOTP(ctx context.Context, rec *model.OTPRecord) error
	ConsumeOTP(ctx context.Context, userID int64, code string, now time.Time) (*model.OTPRecord, error)
	DeleteOTPsIssuedBefore(ctx context.Context, userID int64, cutoff time.Time) (int64, error)
}

// VerifyResult — мягкий результат проверки кода. Причины отказа
// (неверный код, истёкший, уже использованный) намеренно не различаются.
type VerifyResult struct {
	Valid       bool
	Message     string
	OrderID     string
	AmountPaise int64
	Items       []model.OrderItem
}

// Broker владеет жизненным циклом одноразового кода: запросом у
// контроллера, хранением с истечением и одноразовой проверкой.
type Broker struct {
	store   Store
	otps    OTPStore
	limiter *cooldown.Tracker
	logger  *zap.Logger
	now     func() time.Time

	settleDelay  time.Duration
	pollInterval time.Duration
	pollAttempts uint64
}

// NewBroker создаёт брокер кодов. limiter — общий с оркестратором трекер
// задержки запросов: успешная выдача обновляет его отметку времени.
func NewBroker(store Store, otps OTPStore, limiter *cooldown.Tracker, logger *zap.Logger) *Broker {
	return &Broker{
		store:        store,
		otps:         otps,
		limiter:      limiter,
		logger:       logger,
		now:          time.Now,
		settleDelay:  500 * time.Millisecond,
		pollInterval: 100 * time.Millisecond,
		pollAttempts: 100,
	}
}

// Request запрашивает свежий код у контроллера через координационное
// хранилище: очистка предыдущего состояния, пауза, установка флага и
// опрос ячейки live_otp до появления кода либо исчерпания бюджета.
//
// Пауза после очистки — эвристика протокола, а не гарантия: публикация
// контроллера может пересечься с очисткой, это известная гонка обмена.
func (b *Broker) Request(ctx context.Context) (string, error) {
	// Очистка идёт до установки флага, чтобы не принять код прошлого цикла.
	if err := b.store.Delete(ctx, pathLiveOTP); err != nil {
		b.logger.Warn("clear live otp", zap.Error(err))
	}
	if err := b.store.Delete(ctx, pathRequestFlag); err != nil {
		b.logger.Warn("clear request flag", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(b.settleDelay):
	}

	if err := b.store.Put(ctx, pathRequestFlag, true); err != nil {
		return "", fmt.Errorf("set request flag: %w", err)
	}

	var code string
	backoff := retry.WithMaxRetries(b.pollAttempts-1, retry.NewConstant(b.pollInterval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var raw json.RawMessage
		found, err := b.store.Get(ctx, pathLiveOTP, &raw)
		if err != nil {
			return retry.RetryableError(err)
		}
		if found {
			if c, ok := extractCode(raw); ok {
				code = c
				return nil
			}
		}
		return retry.RetryableError(errCodeNotReady)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrHardwareTimeout
	}

	return code, nil
}

// extractCode принимает код в обоих форматах публикации: голая строка
// либо объект с полем otp.
func extractCode(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if validation.IsValidOTPCode(s) {
			return s, true
		}
		return "", false
	}

	var obj struct {
		OTP *string `json:"otp"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.OTP != nil && validation.IsValidOTPCode(*obj.OTP) {
		return *obj.OTP, true
	}

	return "", false
}

type displayMetadata struct {
	Amount     float64 `json:"amount"`
	OrderID    string  `json:"orderId"`
	Timestamp  int64   `json:"timestamp"`
	ExpiryTime int64   `json:"expiryTime"`
	Products   string  `json:"products"`
}

// Issue сохраняет выданный код с привязкой к заказу, публикует проекцию
// для дисплея автомата, обновляет отметку лимитера и запускает фоновую
// подчистку старых записей пользователя.
func (b *Broker) Issue(ctx context.Context, userID int64, code string, order *model.Order) (time.Time, time.Time, error) {
	issuedAt := b.now()
	expiresAt := issuedAt.Add(otpValidity)

	rec := &model.OTPRecord{
		UserID:      userID,
		Code:        code,
		OrderID:     order.ID,
		AmountPaise: order.TotalPaise,
		Items:       order.Items,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}

	if err := b.otps.SaveOTP(ctx, rec); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("save otp record: %w", err)
	}

	meta := displayMetadata{
		Amount:     float64(order.TotalPaise) / 100,
		OrderID:    order.ID,
		Timestamp:  issuedAt.UnixMilli(),
		ExpiryTime: expiresAt.UnixMilli(),
		Products:   itemsSummary(order.Items),
	}
	if err := b.store.Put(ctx, pathDisplayMeta, meta); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("publish display metadata: %w", err)
	}

	b.limiter.Record(strconv.FormatInt(userID, 10))

	go b.cleanup(userID)

	return issuedAt, expiresAt, nil
}

type completionSignal struct {
	OTP            *string `json:"otp"`
	DisplayMessage string  `json:"displayMessage"`
	Status         string  `json:"status"`
	Timestamp      int64   `json:"timestamp"`
}

// Verify проверяет присланный пользователем код. Переход used=true
// выполняется хранилищем атомарно, повторная проверка того же кода
// вернёт отказ. Жёсткие ошибки хранилища пробрасываются наверх.
func (b *Broker) Verify(ctx context.Context, userID int64, code string) (*VerifyResult, error) {
	rec, err := b.otps.ConsumeOTP(ctx, userID, code, b.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNoOTPs):
			return &VerifyResult{Valid: false, Message: "No OTP found"}, nil
		case errors.Is(err, repository.ErrOTPNoMatch):
			return &VerifyResult{Valid: false, Message: "Invalid or expired OTP"}, nil
		default:
			return nil, fmt.Errorf("consume otp: %w", err)
		}
	}

	// Сигнал контроллеру: код погашен, показать подтверждение оплаты.
	done := completionSignal{
		DisplayMessage: "Payment Verified!",
		Status:         "completed",
		Timestamp:      b.now().UnixMilli(),
	}
	if err := b.store.Put(ctx, pathLiveOTP, done); err != nil {
		b.logger.Warn("publish completion signal", zap.Error(err))
	}

	return &VerifyResult{
		Valid:       true,
		Message:     "OTP verified successfully",
		OrderID:     rec.OrderID,
		AmountPaise: rec.AmountPaise,
		Items:       rec.Items,
	}, nil
}

// cleanup удаляет записи пользователя старше порога хранения.
// Запускается после каждой выдачи, ошибки только логируются.
func (b *Broker) cleanup(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cutoff := b.now().Add(-otpRetention)
	if _, err := b.otps.DeleteOTPsIssuedBefore(ctx, userID, cutoff); err != nil {
		b.logger.Warn("cleanup old otps", zap.Int64("userID", userID), zap.Error(err))
	}
}

func itemsSummary(items []model.OrderItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", it.Name, it.Quantity))
	}
	return strings.Join(parts, ", ")
}
