// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/foodrescue-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDonationNotFound возвращается, если пожертвование не найдено.
var (
	ErrDonationNotFound = errors.New("donation not found")
	// ErrQuantityUnavailable возвращается, если запрошенное количество превышает остаток.
	ErrQuantityUnavailable = errors.New("requested quantity unavailable")
	// ErrCartAlreadyOrdered возвращается при повторной финализации той же корзины.
	ErrCartAlreadyOrdered = errors.New("cart already ordered")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderCompleted возвращается при попытке изменить завершённый заказ.
	ErrOrderCompleted = errors.New("order already completed")
	// ErrRouteNotFound возвращается, если для заказа ещё не рассчитан маршрут.
	ErrRouteNotFound = errors.New("route not found")
	// ErrDeliveryNotFound возвращается, если заказу ещё не назначен водитель.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса доставки.
	ErrInvalidTransition = errors.New("invalid delivery status transition")
	// ErrDriverLocationNotFound возвращается, если у водителя нет ни одной отметки координат.
	ErrDriverLocationNotFound = errors.New("driver location not found")
)

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

		// Ретраим только конфликты сериализации и дедлоки: остальные
		// бизнес-ошибки детерминированы и повтор их не исправит.
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

// GetDonation возвращает пожертвование по идентификатору.
func (r *PostgresRepository) GetDonation(ctx context.Context, id int64) (*model.Donation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, donor_id, title, address, quantity, status, upcoming, created_at
		 FROM donations
		 WHERE id = $1`,
		id,
	)

	var d model.Donation
	err := row.Scan(&d.ID, &d.DonorID, &d.Title, &d.Address, &d.Quantity, &d.Status, &d.Upcoming, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, fmt.Errorf("get donation: %w", err)
	}

	return &d, nil
}

// OrderLineParams описывает одну позицию создаваемого заказа.
type OrderLineParams struct {
	DonationID int64
	DonorID    int64
	Quantity   int
	Note       string
}

// CreateOrderParams описывает создаваемый заказ.
type CreateOrderParams struct {
	OwnerID          int64
	CartID           string
	Status           model.OrderStatus
	DeliveryAddress  string
	DeliveryFeeCents int64
	TotalCents       int64
	Lines            []OrderLineParams
}

// CreateOrder создаёт заказ и списывает остатки пожертвований в одной
// транзакции. Каждая строка донора блокируется через SELECT ... FOR UPDATE;
// если остатка не хватает хотя бы по одной позиции, вся транзакция
// откатывается с ErrQuantityUnavailable.
func (r *PostgresRepository) CreateOrder(ctx context.Context, p CreateOrderParams) (int64, error) {
	var orderID int64

	err := r.withRetry(ctx, func() error {
		id, err := r.createOrderTx(ctx, p)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	return orderID, nil
}

func (r *PostgresRepository) createOrderTx(ctx context.Context, p CreateOrderParams) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (owner_id, cart_id, status, payment_status, delivery_address, delivery_fee, total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		p.OwnerID, p.CartID, string(p.Status), string(model.PaymentStatusUnpaid),
		p.DeliveryAddress, p.DeliveryFeeCents, p.TotalCents,
	).Scan(&orderID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrCartAlreadyOrdered, p.CartID)
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}

	for _, line := range p.Lines {
		_, err := tx.Exec(ctx,
			`INSERT INTO order_lines (order_id, donation_id, donor_id, quantity, note)
			 VALUES ($1, $2, $3, $4, $5)`,
			orderID, line.DonationID, line.DonorID, line.Quantity, line.Note,
		)
		if err != nil {
			return 0, fmt.Errorf("insert order line: %w", err)
		}
	}

	// Блокируем строки пожертвований в стабильном порядке, чтобы параллельные
	// оформления линеаризовались и не взаимоблокировались.
	lines := make([]OrderLineParams, len(p.Lines))
	copy(lines, p.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].DonationID < lines[j].DonationID })

	for _, line := range lines {
		var remaining int
		var status string
		err := tx.QueryRow(ctx,
			`SELECT quantity, status FROM donations WHERE id = $1 FOR UPDATE`,
			line.DonationID,
		).Scan(&remaining, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("%w: donation %d", ErrDonationNotFound, line.DonationID)
			}
			return 0, fmt.Errorf("lock donation: %w", err)
		}

		if model.DonationStatus(status) != model.DonationStatusAvailable || remaining < line.Quantity {
			return 0, fmt.Errorf("%w: donation %d has %d left, requested %d",
				ErrQuantityUnavailable, line.DonationID, remaining, line.Quantity)
		}

		_, err = tx.Exec(ctx,
			`UPDATE donations
			 SET quantity = quantity - $2,
			     status = CASE WHEN quantity - $2 <= 0 THEN 'UNAVAILABLE' ELSE status END
			 WHERE id = $1`,
			line.DonationID, line.Quantity,
		)
		if err != nil {
			return 0, fmt.Errorf("decrement donation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return orderID, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, cart_id, status, payment_status, delivery_address, delivery_fee, total, created_at
		 FROM orders
		 WHERE id = $1`,
		id,
	)

	var o model.Order
	err := row.Scan(&o.ID, &o.OwnerID, &o.CartID, &o.Status, &o.PaymentStatus,
		&o.DeliveryAddress, &o.DeliveryFeeCents, &o.TotalCents, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return &o, nil
}

// GetOrderLines возвращает позиции заказа вместе с адресами забора.
func (r *PostgresRepository) GetOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.donation_id, l.donor_id, l.quantity, l.note, d.address
		 FROM order_lines l
		 JOIN donations d ON d.id = l.donation_id
		 WHERE l.order_id = $1
		 ORDER BY l.id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order lines: %w", err)
	}
	defer rows.Close()

	var res []model.OrderLine
	for rows.Next() {
		var l model.OrderLine
		if err := rows.Scan(&l.DonationID, &l.DonorID, &l.Quantity, &l.Note, &l.PickupAddress); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		res = append(res, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListOrdersWithoutRoute возвращает незавершённые заказы, для которых ещё нет
// сохранённого маршрута.
func (r *PostgresRepository) ListOrdersWithoutRoute(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.owner_id, o.cart_id, o.status, o.payment_status,
		        o.delivery_address, o.delivery_fee, o.total, o.created_at
		 FROM orders o
		 LEFT JOIN routes r ON r.order_id = o.id
		 WHERE r.id IS NULL AND o.status <> $1
		 ORDER BY o.created_at
		 LIMIT $2`,
		string(model.OrderStatusCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders without route: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var o model.Order
		err := rows.Scan(&o.ID, &o.OwnerID, &o.CartID, &o.Status, &o.PaymentStatus,
			&o.DeliveryAddress, &o.DeliveryFeeCents, &o.TotalCents, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRoute сохраняет свежерассчитанный маршрут заказа. Перепланирование
// всегда создаёт новую запись; существующие маршруты не изменяются.
func (r *PostgresRepository) CreateRoute(ctx context.Context, orderID int64, totalKm, totalMinutes float64, points []model.RoutePoint) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var routeID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO routes (order_id, total_km, total_minutes)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		orderID, totalKm, totalMinutes,
	).Scan(&routeID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
		}
		return 0, fmt.Errorf("insert route: %w", err)
	}

	for _, p := range points {
		_, err := tx.Exec(ctx,
			`INSERT INTO route_points (route_id, position, type, donation_id, lat, lng, address, description)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			routeID, p.Position, string(p.Type), p.DonationID, p.Lat, p.Lng, p.Address, p.Description,
		)
		if err != nil {
			return 0, fmt.Errorf("insert route point: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return routeID, nil
}

// GetRoute возвращает последний рассчитанный маршрут заказа с точками в
// порядке посещения.
func (r *PostgresRepository) GetRoute(ctx context.Context, orderID int64) (*model.Route, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, order_id, total_km, total_minutes, created_at
		 FROM routes
		 WHERE order_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		orderID,
	)

	var rt model.Route
	err := row.Scan(&rt.ID, &rt.OrderID, &rt.TotalKm, &rt.TotalMinutes, &rt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRouteNotFound
		}
		return nil, fmt.Errorf("get route: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT position, type, donation_id, lat, lng, address, description
		 FROM route_points
		 WHERE route_id = $1
		 ORDER BY position`,
		rt.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select route points: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.RoutePoint
		if err := rows.Scan(&p.Position, &p.Type, &p.DonationID, &p.Lat, &p.Lng, &p.Address, &p.Description); err != nil {
			return nil, fmt.Errorf("scan route point: %w", err)
		}
		rt.Points = append(rt.Points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &rt, nil
}

// UpsertDeliveryAssignment назначает или переназначает водителя на заказ.
// Первое назначение создаёт запись доставки и переводит заказ из pending в
// in_progress; переназначение возвращает статус доставки в assigned, не меняя
// статус заказа.
func (r *PostgresRepository) UpsertDeliveryAssignment(ctx context.Context, orderID, driverID int64) (*model.Delivery, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&orderStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if model.OrderStatus(orderStatus) == model.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: order %d", ErrOrderCompleted, orderID)
	}

	var existed bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE order_id = $1)`,
		orderID,
	).Scan(&existed)
	if err != nil {
		return nil, fmt.Errorf("check delivery: %w", err)
	}

	var d model.Delivery
	err = tx.QueryRow(ctx,
		`INSERT INTO deliveries (order_id, driver_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (order_id) DO UPDATE
		 SET driver_id = EXCLUDED.driver_id, status = EXCLUDED.status, updated_at = NOW()
		 RETURNING order_id, driver_id, status, picked_up_at, delivered_at, created_at, updated_at`,
		orderID, driverID, string(model.DeliveryStatusAssigned),
	).Scan(&d.OrderID, &d.DriverID, &d.Status, &d.PickedUpAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert delivery: %w", err)
	}

	if !existed && model.OrderStatus(orderStatus) == model.OrderStatusPending {
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2 WHERE id = $1`,
			orderID, string(model.OrderStatusInProgress))
		if err != nil {
			return nil, fmt.Errorf("advance order status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &d, nil
}

// GetDelivery возвращает запись доставки заказа.
func (r *PostgresRepository) GetDelivery(ctx context.Context, orderID int64) (*model.Delivery, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT order_id, driver_id, status, picked_up_at, delivered_at, created_at, updated_at
		 FROM deliveries
		 WHERE order_id = $1`,
		orderID,
	)

	var d model.Delivery
	err := row.Scan(&d.OrderID, &d.DriverID, &d.Status, &d.PickedUpAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}

	return &d, nil
}

// UpdateDeliveryStatus переводит доставку в следующий статус. Допустимость
// перехода проверяется под блокировкой строки доставки, поэтому параллельные
// обновления сериализуются. Отметки времени забора и доставки выставляются
// один раз и не перезаписываются. Переход в delivered дополнительно
// завершает заказ.
func (r *PostgresRepository) UpdateDeliveryStatus(ctx context.Context, orderID int64, next model.DeliveryStatus) (*model.Delivery, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM deliveries WHERE order_id = $1 FOR UPDATE`,
		orderID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("lock delivery: %w", err)
	}

	if !model.DeliveryStatus(current).CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	var d model.Delivery
	err = tx.QueryRow(ctx,
		`UPDATE deliveries
		 SET status = $2,
		     picked_up_at = CASE WHEN $2 = 'picked_up' THEN COALESCE(picked_up_at, NOW()) ELSE picked_up_at END,
		     delivered_at = CASE WHEN $2 = 'delivered' THEN COALESCE(delivered_at, NOW()) ELSE delivered_at END,
		     updated_at = NOW()
		 WHERE order_id = $1
		 RETURNING order_id, driver_id, status, picked_up_at, delivered_at, created_at, updated_at`,
		orderID, string(next),
	).Scan(&d.OrderID, &d.DriverID, &d.Status, &d.PickedUpAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}

	if next == model.DeliveryStatusDelivered {
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2 WHERE id = $1`,
			orderID, string(model.OrderStatusCompleted))
		if err != nil {
			return nil, fmt.Errorf("complete order: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &d, nil
}

// AppendDriverLocation добавляет отметку координат водителя. Серия только
// пополняется, дедупликация не выполняется.
func (r *PostgresRepository) AppendDriverLocation(ctx context.Context, driverID int64, lat, lng float64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO driver_locations (driver_id, lat, lng) VALUES ($1, $2, $3)`,
		driverID, lat, lng,
	)
	if err != nil {
		return fmt.Errorf("insert driver location: %w", err)
	}
	return nil
}

// GetLatestDriverLocation возвращает последнюю известную позицию водителя.
func (r *PostgresRepository) GetLatestDriverLocation(ctx context.Context, driverID int64) (*model.DriverLocation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT driver_id, lat, lng, recorded_at
		 FROM driver_locations
		 WHERE driver_id = $1
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT 1`,
		driverID,
	)

	var l model.DriverLocation
	err := row.Scan(&l.DriverID, &l.Lat, &l.Lng, &l.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverLocationNotFound
		}
		return nil, fmt.Errorf("get driver location: %w", err)
	}

	return &l, nil
}
