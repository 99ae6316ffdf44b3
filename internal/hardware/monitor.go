// Package hardware реализует взаимодействие с контроллером торгового
// автомата через координационное хранилище: проверку его доступности
// по heartbeat и жизненный цикл одноразового кода оплаты.
package hardware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/vendmart-system/internal/model"
)

// Store описывает точечные операции координационного хранилища,
// используемые этим пакетом.
type Store interface {
	Get(ctx context.Context, path string, into any) (bool, error)
	Put(ctx context.Context, path string, value any) error
	Delete(ctx context.Context, path string) error
}

// Пути ячеек координационного хранилища.
const (
	pathHardwareStatus = "hardware_status"
	pathRequestFlag    = "otp_request/generate"
	pathLiveOTP        = "live_otp"
	pathDisplayMeta    = "live_otp_metadata"
)

const (
	// Контроллер шлёт heartbeat каждые 5 секунд. Порог в 30 секунд
	// допускает несколько пропущенных ударов и сетевой джиттер.
	heartbeatStaleAfter = 30 * time.Second
	// Отметки моложе 10 секунд считаются свежими при формировании отчёта.
	heartbeatFreshUnder = 10 * time.Second
	// Отметки раньше 2020-01-01 считаются мусором от прошивок без RTC.
	heartbeatEpochFloor = 1577836800
	// Допустимый уход часов контроллера в будущее.
	heartbeatFutureSkew = 60
)

type rawHardwareStatus struct {
	LastHeartbeat int64  `json:"last_heartbeat"`
	ESP32Online   any    `json:"esp32_online"`
	Status        string `json:"status"`
}

// Monitor отвечает на вопрос, доступен ли контроллер автомата.
// Статус пишется контроллером самостоятельно; монитор его только читает.
type Monitor struct {
	store  Store
	bypass bool
	logger *zap.Logger
	now    func() time.Time
}

// NewMonitor создаёт монитор доступности. Флаг bypass принудительно
// считает оборудование доступным и предназначен только для стендов
// без физического автомата.
func NewMonitor(store Store, bypass bool, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:  store,
		bypass: bypass,
		logger: logger,
		now:    time.Now,
	}
}

// IsOnline сообщает, способен ли контроллер сейчас выдать товар.
// Ошибки чтения хранилища трактуются как недоступность, не как сбой.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	return m.Report(ctx).Online
}

// Report возвращает развёрнутый статус оборудования для отображения.
func (m *Monitor) Report(ctx context.Context) model.HardwareReport {
	if m.bypass {
		return model.HardwareReport{
			Online:  true,
			Message: "HARDWARE CHECK BYPASSED (dev mode, no physical machine attached)",
			Status:  "bypassed",
		}
	}

	var raw rawHardwareStatus
	found, err := m.store.Get(ctx, pathHardwareStatus, &raw)
	if err != nil {
		m.logger.Warn("read hardware status", zap.Error(err))
		return model.HardwareReport{
			Online:  false,
			Message: "Error checking hardware status - hardware offline",
		}
	}
	if !found {
		return model.HardwareReport{
			Online:  false,
			Message: "Hardware not connected",
		}
	}

	now := m.now().Unix()
	sinceHeartbeat := now - raw.LastHeartbeat

	// Старые прошивки не присылают отметку времени: при неправдоподобном
	// значении доверяем только флагу.
	validTimestamp := raw.LastHeartbeat > heartbeatEpochFloor && raw.LastHeartbeat < now+heartbeatFutureSkew

	flagTrue := normalizeOnlineFlag(raw.ESP32Online)

	online := flagTrue
	if validTimestamp {
		online = flagTrue && sinceHeartbeat < int64(heartbeatStaleAfter/time.Second)
	}

	message := "Hardware offline"
	status := raw.Status
	if status == "" {
		status = "unknown"
	}
	if online {
		message = "Hardware connected"
		if validTimestamp && sinceHeartbeat >= int64(heartbeatFreshUnder/time.Second) {
			message = fmt.Sprintf("Hardware connected (last heartbeat %d seconds ago)", sinceHeartbeat)
		}
	}

	return model.HardwareReport{
		Online:                online,
		Message:               message,
		LastHeartbeat:         raw.LastHeartbeat,
		SecondsSinceHeartbeat: sinceHeartbeat,
		ValidTimestamp:        validTimestamp,
		Status:                status,
	}
}

// normalizeOnlineFlag сводит исторические представления флага
// (bool, строка, число) к единому булеву значению.
func normalizeOnlineFlag(v any) bool {
	switch f := v.(type) {
	case bool:
		return f
	case string:
		return f == "true" || f == "1"
	case float64:
		return f == 1
	case int:
		return f == 1
	default:
		return false
	}
}
