// Package service реализует бизнес-логику сервиса фудшеринга: оформление
// корзины в заказ, планирование маршрута и жизненный цикл доставки.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/foodrescue-system/internal/cartcache"
	"github.com/mmeshcher/foodrescue-system/internal/geo"
	"github.com/mmeshcher/foodrescue-system/internal/maps"
	"github.com/mmeshcher/foodrescue-system/internal/model"
	"github.com/mmeshcher/foodrescue-system/internal/repository"
	"github.com/mmeshcher/foodrescue-system/internal/route"
)

// ErrEmptyCart возвращается при попытке оформить отсутствующую или пустую корзину.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidLocation возвращается, если адрес доставки или забора не удалось геокодировать.
	ErrInvalidLocation = errors.New("invalid location")
	// ErrInsufficientAvailability возвращается предварительной проверкой остатка при изменении корзины.
	// Проверка не авторитетна: решающая выполняется под блокировкой при оформлении заказа.
	ErrInsufficientAvailability = errors.New("insufficient availability")
	// ErrInvalidQuantity возвращается для неположительного запрошенного количества.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrCartLineNotFound возвращается, если в корзине нет строки для указанного пожертвования.
	ErrCartLineNotFound = errors.New("cart line not found")
)

// feeRateCentsPerKm — тариф доставки в копейках за километр.
// Стоимость доставки: round(расстояние_км * тариф).
const feeRateCentsPerKm = 100

const (
	routeComputeTimeout = 30 * time.Second
	routeRetryInterval  = 30 * time.Second
	routeRetryBatch     = 20
	cartSweepInterval   = 10 * time.Minute
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetDonation(ctx context.Context, id int64) (*model.Donation, error)
	CreateOrder(ctx context.Context, p repository.CreateOrderParams) (int64, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error)
	ListOrdersWithoutRoute(ctx context.Context, limit int) ([]model.Order, error)
	CreateRoute(ctx context.Context, orderID int64, totalKm, totalMinutes float64, points []model.RoutePoint) (int64, error)
	GetRoute(ctx context.Context, orderID int64) (*model.Route, error)
	UpsertDeliveryAssignment(ctx context.Context, orderID, driverID int64) (*model.Delivery, error)
	GetDelivery(ctx context.Context, orderID int64) (*model.Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, orderID int64, next model.DeliveryStatus) (*model.Delivery, error)
	AppendDriverLocation(ctx context.Context, driverID int64, lat, lng float64) error
	GetLatestDriverLocation(ctx context.Context, driverID int64) (*model.DriverLocation, error)
}

// CartStore описывает контракт эфемерного хранилища корзин.
type CartStore interface {
	Get(ctx context.Context, ownerID int64, cartID string) (*model.Cart, error)
	Put(ctx context.Context, ownerID int64, cart *model.Cart, cartID string) error
	Delete(ctx context.Context, ownerID int64, cartID string) error
	Sweep(ctx context.Context) (int, error)
}

// Geocoder описывает контракт геокодирования адресов.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*maps.Location, error)
}

// Planner описывает контракт планировщика маршрутов.
type Planner interface {
	Plan(ctx context.Context, stops []route.Stop) (*route.Plan, error)
}

// Location — пара координат, переданная вместе с обновлением статуса доставки.
type Location struct {
	Lat float64
	Lng float64
}

// CheckoutResult — итог оформления корзины.
type CheckoutResult struct {
	OrderID     int64   `json:"order_id"`
	DeliveryFee float64 `json:"delivery_fee"`
	Total       float64 `json:"total"`
}

// Eta — оценка оставшегося пути и времени до завершения доставки.
type Eta struct {
	DistanceKm float64 `json:"distance_km"`
	Minutes    float64 `json:"minutes"`
}

// Service содержит бизнес-логику сервиса фудшеринга.
type Service struct {
	repo     Repository
	carts    CartStore
	geocoder Geocoder
	planner  Planner
	logger   *zap.Logger
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(repo Repository, carts CartStore, geocoder Geocoder, planner Planner, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		carts:    carts,
		geocoder: geocoder,
		planner:  planner,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetCart возвращает рабочую корзину владельца, продлевая её срок жизни.
func (s *Service) GetCart(ctx context.Context, ownerID int64) (*model.Cart, error) {
	return s.carts.Get(ctx, ownerID, "")
}

// AddCartLine добавляет позицию в рабочую корзину или увеличивает количество
// существующей. Остаток пожертвования проверяется по текущему состоянию БД;
// проверка носит предварительный характер.
func (s *Service) AddCartLine(ctx context.Context, ownerID, donationID int64, quantity int, note string) (*model.Cart, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	donation, err := s.repo.GetDonation(ctx, donationID)
	if err != nil {
		return nil, err
	}

	cart, err := s.carts.Get(ctx, ownerID, "")
	if err != nil {
		if !errors.Is(err, cartcache.ErrCartNotFound) {
			return nil, err
		}
		cart = &model.Cart{
			ID:      uuid.NewString(),
			OwnerID: ownerID,
			Status:  model.CartStatusActive,
		}
	}

	requested := quantity
	idx := cart.FindLine(donationID)
	if idx >= 0 && cart.Lines[idx].Status == model.CartLineStatusActive {
		requested += cart.Lines[idx].Quantity
	}

	if donation.Status != model.DonationStatusAvailable || requested > donation.Quantity {
		return nil, fmt.Errorf("%w: donation %d has %d left, requested %d",
			ErrInsufficientAvailability, donationID, donation.Quantity, requested)
	}

	line := model.CartLine{
		DonationID: donationID,
		DonorID:    donation.DonorID,
		Quantity:   requested,
		Note:       note,
		Status:     model.CartLineStatusActive,
	}
	if idx >= 0 {
		if note == "" {
			line.Note = cart.Lines[idx].Note
		}
		cart.Lines[idx] = line
	} else {
		cart.Lines = append(cart.Lines, line)
	}

	if err := s.carts.Put(ctx, ownerID, cart, ""); err != nil {
		return nil, err
	}

	return cart, nil
}

// UpdateCartLine изменяет количество и примечание существующей строки корзины.
func (s *Service) UpdateCartLine(ctx context.Context, ownerID, donationID int64, quantity int, note string) (*model.Cart, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	cart, err := s.carts.Get(ctx, ownerID, "")
	if err != nil {
		return nil, err
	}

	idx := cart.FindLine(donationID)
	if idx < 0 || cart.Lines[idx].Status != model.CartLineStatusActive {
		return nil, fmt.Errorf("%w: donation %d", ErrCartLineNotFound, donationID)
	}

	donation, err := s.repo.GetDonation(ctx, donationID)
	if err != nil {
		return nil, err
	}

	if donation.Status != model.DonationStatusAvailable || quantity > donation.Quantity {
		return nil, fmt.Errorf("%w: donation %d has %d left, requested %d",
			ErrInsufficientAvailability, donationID, donation.Quantity, quantity)
	}

	cart.Lines[idx].Quantity = quantity
	if note != "" {
		cart.Lines[idx].Note = note
	}

	if err := s.carts.Put(ctx, ownerID, cart, ""); err != nil {
		return nil, err
	}

	return cart, nil
}

// RemoveCartLine помечает строку корзины удалённой.
func (s *Service) RemoveCartLine(ctx context.Context, ownerID, donationID int64) (*model.Cart, error) {
	cart, err := s.carts.Get(ctx, ownerID, "")
	if err != nil {
		return nil, err
	}

	idx := cart.FindLine(donationID)
	if idx < 0 || cart.Lines[idx].Status != model.CartLineStatusActive {
		return nil, fmt.Errorf("%w: donation %d", ErrCartLineNotFound, donationID)
	}

	cart.Lines[idx].Status = model.CartLineStatusRemoved

	if err := s.carts.Put(ctx, ownerID, cart, ""); err != nil {
		return nil, err
	}

	return cart, nil
}

// FinalizeCart атомарно превращает рабочую корзину в заказ: геокодирует
// адреса, считает стоимость доставки по неоптимизированной последовательности
// остановок, создаёт заказ со списанием остатков под блокировкой и очищает
// корзину. Оптимизированный маршрут рассчитывается после фиксации заказа и
// его отказ не откатывает оформление.
func (s *Service) FinalizeCart(ctx context.Context, ownerID int64, deliveryAddress string) (*CheckoutResult, error) {
	cart, err := s.carts.Get(ctx, ownerID, "")
	if err != nil {
		if errors.Is(err, cartcache.ErrCartNotFound) {
			return nil, ErrEmptyCart
		}
		return nil, err
	}

	lines := cart.ActiveLines()
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	orderLines := make([]model.OrderLine, 0, len(lines))
	upcoming := false
	for _, l := range lines {
		donation, err := s.repo.GetDonation(ctx, l.DonationID)
		if err != nil {
			return nil, err
		}
		if donation.Upcoming {
			upcoming = true
		}
		orderLines = append(orderLines, model.OrderLine{
			DonationID:    l.DonationID,
			DonorID:       l.DonorID,
			Quantity:      l.Quantity,
			Note:          l.Note,
			PickupAddress: donation.Address,
		})
	}

	stops, err := s.buildStops(ctx, deliveryAddress, orderLines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}

	// Стоимость считается по фиксированной последовательности остановок до
	// оптимизации: она должна быть известна до фиксации заказа.
	feeCents := int64(math.Round(naiveDistanceKm(stops) * feeRateCentsPerKm))

	status := model.OrderStatusPending
	if upcoming {
		status = model.OrderStatusPendingApproval
	}

	params := repository.CreateOrderParams{
		OwnerID:          ownerID,
		CartID:           cart.ID,
		Status:           status,
		DeliveryAddress:  deliveryAddress,
		DeliveryFeeCents: feeCents,
		TotalCents:       feeCents,
	}
	for _, l := range orderLines {
		params.Lines = append(params.Lines, repository.OrderLineParams{
			DonationID: l.DonationID,
			DonorID:    l.DonorID,
			Quantity:   l.Quantity,
			Note:       l.Note,
		})
	}

	orderID, err := s.repo.CreateOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := s.carts.Delete(ctx, ownerID, ""); err != nil {
		s.logger.Warn("clear cart after checkout", zap.Int64("ownerID", ownerID), zap.Error(err))
	}

	// Маршрут считается вне транзакции оформления: медленный или упавший
	// вызов маршрутизации не должен блокировать заказ. Заказ без маршрута —
	// допустимое промежуточное состояние, его доберёт фоновый пересчёт.
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), routeComputeTimeout)
		defer cancel()
		s.storeRoute(rctx, orderID, stops)
	}()

	return &CheckoutResult{
		OrderID:     orderID,
		DeliveryFee: float64(feeCents) / 100,
		Total:       float64(feeCents) / 100,
	}, nil
}

// buildStops геокодирует адрес доставки и адреса забора и строит
// последовательность остановок: адрес доставки как стартовая точка, по одной
// остановке на каждый уникальный адрес забора, адрес доставки в конце.
func (s *Service) buildStops(ctx context.Context, deliveryAddress string, lines []model.OrderLine) ([]route.Stop, error) {
	deliveryLoc, err := s.geocoder.Geocode(ctx, deliveryAddress)
	if err != nil {
		return nil, fmt.Errorf("geocode delivery address: %w", err)
	}

	stops := []route.Stop{{
		Role:    model.RoutePointPickup,
		Lat:     deliveryLoc.Lat,
		Lng:     deliveryLoc.Lng,
		Label:   "start",
		Address: deliveryLoc.FormattedAddress,
	}}

	seen := make(map[string]bool)
	for _, l := range lines {
		if seen[l.PickupAddress] {
			continue
		}
		seen[l.PickupAddress] = true

		loc, err := s.geocoder.Geocode(ctx, l.PickupAddress)
		if err != nil {
			return nil, fmt.Errorf("geocode pickup address %q: %w", l.PickupAddress, err)
		}

		donationID := l.DonationID
		stops = append(stops, route.Stop{
			Role:       model.RoutePointPickup,
			Lat:        loc.Lat,
			Lng:        loc.Lng,
			Label:      fmt.Sprintf("pickup donation %d", l.DonationID),
			Address:    loc.FormattedAddress,
			DonationID: &donationID,
		})
	}

	stops = append(stops, route.Stop{
		Role:    model.RoutePointDelivery,
		Lat:     deliveryLoc.Lat,
		Lng:     deliveryLoc.Lng,
		Label:   "delivery",
		Address: deliveryLoc.FormattedAddress,
	})

	return stops, nil
}

// naiveDistanceKm суммирует расстояния между последовательными остановками
// без оптимизации порядка.
func naiveDistanceKm(stops []route.Stop) float64 {
	var total float64
	for i := 1; i < len(stops); i++ {
		total += geo.HaversineKm(stops[i-1].Lat, stops[i-1].Lng, stops[i].Lat, stops[i].Lng)
	}
	return total
}

// storeRoute планирует маршрут и сохраняет его для заказа. Ошибки логируются
// и не влияют на результат оформления.
func (s *Service) storeRoute(ctx context.Context, orderID int64, stops []route.Stop) {
	plan, err := s.planner.Plan(ctx, stops)
	if err != nil {
		s.logger.Warn("plan route", zap.Int64("orderID", orderID), zap.Error(err))
		return
	}

	points := make([]model.RoutePoint, 0, len(plan.Stops))
	for i, st := range plan.Stops {
		points = append(points, model.RoutePoint{
			Position:    i,
			Type:        st.Role,
			DonationID:  st.DonationID,
			Lat:         st.Lat,
			Lng:         st.Lng,
			Address:     st.Address,
			Description: st.Label,
		})
	}

	if _, err := s.repo.CreateRoute(ctx, orderID, plan.TotalKm, plan.TotalMinutes, points); err != nil {
		s.logger.Warn("store route", zap.Int64("orderID", orderID), zap.Error(err))
	}
}

// AssignDriver назначает или переназначает водителя на заказ.
func (s *Service) AssignDriver(ctx context.Context, orderID, driverID int64) (*model.Delivery, error) {
	return s.repo.UpsertDeliveryAssignment(ctx, orderID, driverID)
}

// UpdateDeliveryStatus переводит доставку в следующий статус. Приложенная
// точка координат добавляется в трек водителя безусловно, до проверки перехода.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, orderID int64, next model.DeliveryStatus, loc *Location) (*model.Delivery, error) {
	delivery, err := s.repo.GetDelivery(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if loc != nil {
		if err := s.repo.AppendDriverLocation(ctx, delivery.DriverID, loc.Lat, loc.Lng); err != nil {
			return nil, err
		}
	}

	return s.repo.UpdateDeliveryStatus(ctx, orderID, next)
}

// GetRoute возвращает последний сохранённый маршрут заказа.
func (s *Service) GetRoute(ctx context.Context, orderID int64) (*model.Route, error) {
	return s.repo.GetRoute(ctx, orderID)
}

// GetDriverLocation возвращает последнюю известную позицию водителя.
func (s *Service) GetDriverLocation(ctx context.Context, driverID int64) (*model.DriverLocation, error) {
	return s.repo.GetLatestDriverLocation(ctx, driverID)
}

// GetEta оценивает оставшийся путь: находит ближайшую к водителю точку
// маршрута и суммирует расстояния оставшихся плеч. Без позиции водителя
// возвращается исходная оценка всего маршрута.
func (s *Service) GetEta(ctx context.Context, orderID int64) (*Eta, error) {
	rt, err := s.repo.GetRoute(ctx, orderID)
	if err != nil {
		return nil, err
	}

	fallback := &Eta{DistanceKm: rt.TotalKm, Minutes: rt.TotalMinutes}

	delivery, err := s.repo.GetDelivery(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrDeliveryNotFound) {
			return fallback, nil
		}
		return nil, err
	}

	loc, err := s.repo.GetLatestDriverLocation(ctx, delivery.DriverID)
	if err != nil {
		if errors.Is(err, repository.ErrDriverLocationNotFound) {
			return fallback, nil
		}
		return nil, err
	}

	if len(rt.Points) == 0 {
		return fallback, nil
	}

	nearest := 0
	best := math.MaxFloat64
	for i, p := range rt.Points {
		d := geo.HaversineKm(loc.Lat, loc.Lng, p.Lat, p.Lng)
		if d < best {
			best = d
			nearest = i
		}
	}

	var remaining float64
	for i := nearest; i+1 < len(rt.Points); i++ {
		remaining += geo.HaversineKm(rt.Points[i].Lat, rt.Points[i].Lng, rt.Points[i+1].Lat, rt.Points[i+1].Lng)
	}

	return &Eta{DistanceKm: remaining, Minutes: geo.DurationMinutes(remaining)}, nil
}

// StartRouteUpdates запускает фоновый пересчёт маршрутов для заказов, у
// которых расчёт при оформлении не удался.
func (s *Service) StartRouteUpdates(ctx context.Context) {
	if s.planner == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(routeRetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processRouteBatch(ctx)
			}
		}
	}()
}

func (s *Service) processRouteBatch(ctx context.Context) {
	orders, err := s.repo.ListOrdersWithoutRoute(ctx, routeRetryBatch)
	if err != nil {
		s.logger.Warn("list orders without route", zap.Error(err))
		return
	}

	for _, o := range orders {
		lines, err := s.repo.GetOrderLines(ctx, o.ID)
		if err != nil {
			s.logger.Warn("get order lines", zap.Int64("orderID", o.ID), zap.Error(err))
			continue
		}

		stops, err := s.buildStops(ctx, o.DeliveryAddress, lines)
		if err != nil {
			s.logger.Warn("build stops", zap.Int64("orderID", o.ID), zap.Error(err))
			continue
		}

		s.storeRoute(ctx, o.ID, stops)
	}
}

// StartCartSweeper запускает фоновую очистку брошенных рабочих корзин.
func (s *Service) StartCartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cartSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.carts.Sweep(ctx)
				if err != nil {
					s.logger.Warn("sweep carts", zap.Error(err))
					continue
				}
				if removed > 0 {
					s.logger.Info("swept abandoned carts", zap.Int("removed", removed))
				}
			}
		}
	}()
}
