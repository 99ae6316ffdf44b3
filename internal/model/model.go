// Package model содержит доменные сущности платформы торговых автоматов.
package model

import "time"

// User представляет зарегистрированного пользователя платформы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Phone        string
	Role         string
	CreatedAt    time.Time
}

// Роли пользователей.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Product описывает товар в торговом автомате. Цена хранится в пайсах.
type Product struct {
	ID          int64
	Name        string
	Description string
	PricePaise  int64
	Quantity    int
	Category    string
	ImageURL    string
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus описывает статус обработки заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusFailed    OrderStatus = "Failed"
)

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodOffline PaymentMethod = "Offline"
	PaymentMethodCard    PaymentMethod = "Card"
)

// OrderItem — строка заказа, зафиксированная на момент его создания.
type OrderItem struct {
	ProductID  int64  `json:"product_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PricePaise int64  `json:"price_paise"`
}

// Order описывает заказ пользователя. Состав и сумма фиксируются при создании.
type Order struct {
	ID            string
	UserID        int64
	Items         []OrderItem
	TotalPaise    int64
	PaymentMethod PaymentMethod
	Status        OrderStatus
	PaymentID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CartItem — позиция корзины, присланная клиентом.
type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OTPRecord — выданный одноразовый код с привязкой к заказу.
// Переход used=true необратим и выполняется не более одного раза.
type OTPRecord struct {
	ID          int64
	UserID      int64
	Code        string
	OrderID     string
	AmountPaise int64
	Items       []OrderItem
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
}

// HardwareReport — развёрнутый статус оборудования для отображения.
type HardwareReport struct {
	Online                bool   `json:"online"`
	Message               string `json:"message"`
	LastHeartbeat         int64  `json:"last_heartbeat"`
	SecondsSinceHeartbeat int64  `json:"seconds_since_heartbeat"`
	ValidTimestamp        bool   `json:"valid_timestamp"`
	Status                string `json:"status"`
}

// LowStockProduct — товар, чей остаток после списания попал в зону уведомления.
type LowStockProduct struct {
	ProductID int64
	Name      string
	Quantity  int
}
