// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/vendmart-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyCompleted возвращается при повторном завершении заказа.
	ErrOrderAlreadyCompleted = errors.New("order already completed")
	// ErrOrderNotPending возвращается при завершении заказа в конечном статусе.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrInsufficientStock возвращается, если остатка товара не хватает на списание.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNoOTPs возвращается, если у пользователя нет ни одной записи кода.
	ErrNoOTPs = errors.New("no otp records for user")
	// ErrOTPNoMatch возвращается, если подходящей записи кода не нашлось:
	// код неверен, истёк или уже использован.
	ErrOTPNoMatch = errors.New("no matching otp record")
)

// StockLevel — остаток товара после списания в рамках завершения заказа.
type StockLevel struct {
	ProductID int64
	Name      string
	Quantity  int
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks,
		// с переподключением pgxpool справляется сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, phone, role string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, phone, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		login, passwordHash, phone, role,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, phone, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Phone, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ListProducts возвращает все товары автомата.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price_paise, quantity, category, image_url, is_available, created_at, updated_at
		 FROM products
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PricePaise, &p.Quantity,
			&p.Category, &p.ImageURL, &p.IsAvailable, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price_paise, quantity, category, image_url, is_available, created_at, updated_at
		 FROM products
		 WHERE id = $1`,
		id,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PricePaise, &p.Quantity,
		&p.Category, &p.ImageURL, &p.IsAvailable, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// CreateProduct создаёт новый товар и возвращает его идентификатор.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, price_paise, quantity, category, image_url, is_available)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		p.Name, p.Description, p.PricePaise, p.Quantity, p.Category, p.ImageURL, p.Quantity > 0,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// UpdateProduct обновляет товар. Признак доступности пересчитывается из остатка.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p *model.Product) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE products
		 SET name = $2, description = $3, price_paise = $4, quantity = $5,
		     category = $6, image_url = $7, is_available = ($5 > 0), updated_at = now()
		 WHERE id = $1`,
		p.ID, p.Name, p.Description, p.PricePaise, p.Quantity, p.Category, p.ImageURL,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, p.ID)
	}
	return nil
}

// DeleteProduct удаляет товар.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	return nil
}

// CreateOrder сохраняет заказ с зафиксированным составом.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, items, total_paise, payment_method, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.UserID, items, o.TotalPaise, string(o.PaymentMethod), string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, items, total_paise, payment_method, status, payment_id, created_at, updated_at
		 FROM orders
		 WHERE id = $1`,
		id,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		items         []byte
		method, state string
	)
	if err := row.Scan(&o.ID, &o.UserID, &items, &o.TotalPaise, &method, &state,
		&o.PaymentID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	o.PaymentMethod = model.PaymentMethod(method)
	o.Status = model.OrderStatus(state)
	return &o, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, items, total_paise, payment_method, status, payment_id, created_at, updated_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// CompleteOrder переводит заказ из Pending в Completed и списывает остатки
// по каждой позиции в одной транзакции. Списание условное: если остатка
// не хватает, транзакция откатывается с ErrInsufficientStock, остаток
// никогда не уходит в минус. Возвращает заказ и остатки затронутых товаров.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID, paymentID string) (*model.Order, []StockLevel, error) {
	var (
		order  *model.Order
		levels []StockLevel
	)

	err := r.withRetry(ctx, func() error {
		order = nil
		levels = nil

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку заказа: конкурентные завершения сериализуются.
		row := tx.QueryRow(ctx,
			`SELECT id, user_id, items, total_paise, payment_method, status, payment_id, created_at, updated_at
			 FROM orders
			 WHERE id = $1
			 FOR UPDATE`,
			orderID,
		)
		o, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		switch o.Status {
		case model.OrderStatusCompleted:
			order = o
			return ErrOrderAlreadyCompleted
		case model.OrderStatusPending:
		default:
			return fmt.Errorf("%w: %s", ErrOrderNotPending, o.Status)
		}

		for _, item := range o.Items {
			var lvl StockLevel
			err := tx.QueryRow(ctx,
				`UPDATE products
				 SET quantity = quantity - $2,
				     is_available = (quantity - $2) > 0,
				     updated_at = now()
				 WHERE id = $1 AND quantity >= $2
				 RETURNING id, name, quantity`,
				item.ProductID, item.Quantity,
			).Scan(&lvl.ProductID, &lvl.Name, &lvl.Quantity)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: product %d", ErrInsufficientStock, item.ProductID)
				}
				return fmt.Errorf("decrement stock: %w", err)
			}
			levels = append(levels, lvl)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, payment_id = $3, updated_at = now() WHERE id = $1`,
			orderID, string(model.OrderStatusCompleted), paymentID,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		o.Status = model.OrderStatusCompleted
		o.PaymentID = paymentID
		order = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderAlreadyCompleted) {
			return order, nil, err
		}
		return nil, nil, err
	}

	return order, levels, nil
}

// FailOrder переводит ожидающий заказ в статус Failed.
func (r *PostgresRepository) FailOrder(ctx context.Context, orderID, paymentID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, payment_id = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		orderID, string(model.OrderStatusFailed), paymentID, string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("fail order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SaveOTP сохраняет запись одноразового кода.
func (r *PostgresRepository) SaveOTP(ctx context.Context, rec *model.OTPRecord) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO otps (user_id, code, order_id, amount_paise, items, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		rec.UserID, rec.Code, rec.OrderID, rec.AmountPaise, items, rec.IssuedAt, rec.ExpiresAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert otp: %w", err)
	}
	return nil
}

// ConsumeOTP атомарно находит и гасит подходящую запись кода: не
// использованную, не истёкшую, с совпадающим кодом. Из нескольких
// подходящих берётся выданная последней. Повторный вызов с тем же кодом
// вернёт ErrOTPNoMatch — условие used = FALSE входит в сам UPDATE,
// двойное гашение исключено на уровне БД.
func (r *PostgresRepository) ConsumeOTP(ctx context.Context, userID int64, code string, now time.Time) (*model.OTPRecord, error) {
	var (
		rec   model.OTPRecord
		items []byte
	)

	err := r.pool.QueryRow(ctx,
		`UPDATE otps
		 SET used = TRUE, used_at = $4
		 WHERE used = FALSE AND id = (
		     SELECT id FROM otps
		     WHERE user_id = $1 AND code = $2 AND used = FALSE AND expires_at > $3
		     ORDER BY issued_at DESC
		     LIMIT 1
		 )
		 RETURNING id, user_id, code, order_id, amount_paise, items, issued_at, expires_at, used, used_at`,
		userID, code, now, now,
	).Scan(&rec.ID, &rec.UserID, &rec.Code, &rec.OrderID, &rec.AmountPaise, &items,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Used, &rec.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := r.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM otps WHERE user_id = $1)`,
				userID,
			).Scan(&exists); checkErr != nil {
				return nil, fmt.Errorf("check otp existence: %w", checkErr)
			}
			if !exists {
				return nil, ErrNoOTPs
			}
			return nil, ErrOTPNoMatch
		}
		return nil, fmt.Errorf("consume otp: %w", err)
	}

	if err := json.Unmarshal(items, &rec.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	return &rec, nil
}

// DeleteOTPsIssuedBefore удаляет записи кодов пользователя, выданные
// раньше порога, независимо от использования и истечения.
func (r *PostgresRepository) DeleteOTPsIssuedBefore(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM otps WHERE user_id = $1 AND issued_at < $2`,
		userID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete otps: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// ListLowStockProducts возвращает доступные товары с остатком не выше порога.
func (r *PostgresRepository) ListLowStockProducts(ctx context.Context, threshold int) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price_paise, quantity, category, image_url, is_available, created_at, updated_at
		 FROM products
		 WHERE quantity <= $1 AND is_available = TRUE
		 ORDER BY quantity`,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("select low stock products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PricePaise, &p.Quantity,
			&p.Category, &p.ImageURL, &p.IsAvailable, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}
