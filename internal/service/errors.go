package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/vendmart-system/internal/model"
)

// ErrEmptyCart возвращается при попытке оплаты пустой корзины.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidCart возвращается при некорректной позиции корзины.
	ErrInvalidCart = errors.New("invalid cart item")
	// ErrInvalidProduct возвращается при некорректных полях товара.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrMissingFields возвращается, если в запросе не хватает обязательных полей.
	ErrMissingFields = errors.New("required fields are missing")
	// ErrForbidden возвращается при обращении к чужому заказу.
	ErrForbidden = errors.New("order belongs to another user")
	// ErrInvalidSignature возвращается при неверной подписи платежа.
	ErrInvalidSignature = errors.New("invalid payment signature")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// HardwareOfflineError сообщает, что автомат недоступен, и несёт
// развёрнутый статус для отображения пользователю.
type HardwareOfflineError struct {
	Report model.HardwareReport
}

func (e *HardwareOfflineError) Error() string {
	return "hardware not connected"
}

// RateLimitedError сообщает, что пользователь запрашивает код слишком
// часто, и несёт остаток задержки в секундах.
type RateLimitedError struct {
	RemainingSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting a new OTP", e.RemainingSeconds)
}

// InsufficientStockError называет первый товар, остатка которого не
// хватает на запрошенное количество.
type InsufficientStockError struct {
	ProductName string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s", e.ProductName)
}

// HardwareTimeoutError сообщает, что контроллер не ответил кодом в
// отведённое время. Отличается от общего сбоя: пользователю стоит
// проверить физическое подключение автомата.
type HardwareTimeoutError struct {
	Err error
}

func (e *HardwareTimeoutError) Error() string {
	return "hardware did not respond with an OTP"
}

func (e *HardwareTimeoutError) Unwrap() error {
	return e.Err
}

// CredentialStoreError сообщает о сбое сохранения выданного кода.
type CredentialStoreError struct {
	Err error
}

func (e *CredentialStoreError) Error() string {
	return "failed to store OTP"
}

func (e *CredentialStoreError) Unwrap() error {
	return e.Err
}

// InvalidOTPError несёт мягкий отказ проверки кода. Сообщение намеренно
// не различает неверный, истёкший и уже использованный код.
type InvalidOTPError struct {
	Message string
}

func (e *InvalidOTPError) Error() string {
	return e.Message
}
