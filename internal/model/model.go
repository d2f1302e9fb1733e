// Package model содержит доменные сущности сервиса фудшеринга.
package model

import "time"

// DonationStatus описывает доступность пожертвования для бронирования.
type DonationStatus string

const (
	DonationStatusAvailable   DonationStatus = "AVAILABLE"
	DonationStatusUnavailable DonationStatus = "UNAVAILABLE"
)

// Donation описывает позицию излишков еды с остатком доступного количества.
type Donation struct {
	ID        int64
	DonorID   int64
	Title     string
	Address   string
	Quantity  int
	Status    DonationStatus
	Upcoming  bool
	CreatedAt time.Time
}

// CartLineStatus описывает состояние строки корзины.
type CartLineStatus string

const (
	CartLineStatusActive  CartLineStatus = "active"
	CartLineStatusRemoved CartLineStatus = "removed"
)

// CartLine описывает одну позицию корзины: ссылку на пожертвование и запрошенное количество.
type CartLine struct {
	DonationID int64          `json:"donation_id"`
	DonorID    int64          `json:"donor_id"`
	Quantity   int            `json:"quantity"`
	Note       string         `json:"note,omitempty"`
	TotalCents int64          `json:"total_cents"`
	Status     CartLineStatus `json:"status"`
}

// CartStatus описывает жизненный цикл корзины.
type CartStatus string

const (
	CartStatusActive  CartStatus = "active"
	CartStatusOrdered CartStatus = "ordered"
)

// Cart — рабочая корзина организации-получателя. Существует только в кэше
// до оформления заказа; переход в статус ordered терминален.
type Cart struct {
	ID               string     `json:"id"`
	OwnerID          int64      `json:"owner_id"`
	Lines            []CartLine `json:"lines"`
	Status           CartStatus `json:"status"`
	DeliveryFeeCents int64      `json:"delivery_fee_cents"`
	TotalCents       int64      `json:"total_cents"`
	LastAccessed     time.Time  `json:"last_accessed"`
}

// ActiveLines возвращает строки корзины, не помеченные как удалённые.
func (c *Cart) ActiveLines() []CartLine {
	res := make([]CartLine, 0, len(c.Lines))
	for _, l := range c.Lines {
		if l.Status == CartLineStatusActive {
			res = append(res, l)
		}
	}
	return res
}

// FindLine возвращает индекс строки корзины для указанного пожертвования или -1.
func (c *Cart) FindLine(donationID int64) int {
	for i := range c.Lines {
		if c.Lines[i].DonationID == donationID {
			return i
		}
	}
	return -1
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPendingApproval OrderStatus = "pending_donor_approval"
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusInProgress      OrderStatus = "in_progress"
	OrderStatusCompleted       OrderStatus = "completed"
)

// PaymentStatus описывает статус оплаты доставки.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
)

// Order — долговременный заказ, созданный ровно из одной финализированной корзины.
// Денежные поля хранятся в копейках.
type Order struct {
	ID               int64
	OwnerID          int64
	CartID           string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	DeliveryAddress  string
	DeliveryFeeCents int64
	TotalCents       int64
	CreatedAt        time.Time
}

// OrderLine описывает позицию заказа вместе с адресом забора.
type OrderLine struct {
	DonationID    int64
	DonorID       int64
	Quantity      int
	Note          string
	PickupAddress string
}

// RoutePointType описывает роль точки маршрута.
type RoutePointType string

const (
	RoutePointPickup   RoutePointType = "pickup"
	RoutePointDelivery RoutePointType = "delivery"
)

// RoutePoint — одна остановка сохранённого маршрута. Создаётся один раз при
// расчёте маршрута и далее не изменяется.
type RoutePoint struct {
	Position    int            `json:"position"`
	Type        RoutePointType `json:"type"`
	DonationID  *int64         `json:"donation_id,omitempty"`
	Lat         float64        `json:"lat"`
	Lng         float64        `json:"lng"`
	Address     string         `json:"address"`
	Description string         `json:"description,omitempty"`
}

// Route — упорядоченный маршрут забора и доставки для одного заказа.
// Перепланирование создаёт новую запись, а не изменяет существующую.
type Route struct {
	ID           int64        `json:"id"`
	OrderID      int64        `json:"order_id"`
	TotalKm      float64      `json:"total_km"`
	TotalMinutes float64      `json:"total_minutes"`
	Points       []RoutePoint `json:"points"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DeliveryStatus описывает этап доставки заказа водителем.
type DeliveryStatus string

const (
	DeliveryStatusAssigned  DeliveryStatus = "assigned"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

// deliveryTransitions задаёт допустимые переходы статуса доставки.
// Переходы строго вперёд, пропуск этапов запрещён.
var deliveryTransitions = map[DeliveryStatus]DeliveryStatus{
	DeliveryStatusAssigned:  DeliveryStatusPickedUp,
	DeliveryStatusPickedUp:  DeliveryStatusInTransit,
	DeliveryStatusInTransit: DeliveryStatusDelivered,
}

// CanTransitionTo сообщает, допустим ли переход из текущего статуса доставки в next.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	return deliveryTransitions[s] == next
}

// ParseDeliveryStatus преобразует строку в статус доставки.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(s) {
	case DeliveryStatusAssigned, DeliveryStatusPickedUp, DeliveryStatusInTransit, DeliveryStatusDelivered:
		return DeliveryStatus(s), true
	}
	return "", false
}

// Delivery связывает заказ с водителем после первого назначения.
type Delivery struct {
	OrderID     int64
	DriverID    int64
	Status      DeliveryStatus
	PickedUpAt  *time.Time
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DriverLocation — одна точка трека водителя. Серия только пополняется.
type DriverLocation struct {
	DriverID   int64     `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}
