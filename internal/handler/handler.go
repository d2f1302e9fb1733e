// Package handler содержит HTTP-обработчики API сервиса фудшеринга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/foodrescue-system/internal/cartcache"
	"github.com/mmeshcher/foodrescue-system/internal/middleware"
	"github.com/mmeshcher/foodrescue-system/internal/model"
	"github.com/mmeshcher/foodrescue-system/internal/repository"
	"github.com/mmeshcher/foodrescue-system/internal/service"
	"github.com/mmeshcher/foodrescue-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetCart(ctx context.Context, ownerID int64) (*model.Cart, error)
	AddCartLine(ctx context.Context, ownerID, donationID int64, quantity int, note string) (*model.Cart, error)
	UpdateCartLine(ctx context.Context, ownerID, donationID int64, quantity int, note string) (*model.Cart, error)
	RemoveCartLine(ctx context.Context, ownerID, donationID int64) (*model.Cart, error)
	FinalizeCart(ctx context.Context, ownerID int64, deliveryAddress string) (*service.CheckoutResult, error)
	AssignDriver(ctx context.Context, orderID, driverID int64) (*model.Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, orderID int64, next model.DeliveryStatus, loc *service.Location) (*model.Delivery, error)
	GetRoute(ctx context.Context, orderID int64) (*model.Route, error)
	GetEta(ctx context.Context, orderID int64) (*service.Eta, error)
	GetDriverLocation(ctx context.Context, driverID int64) (*model.DriverLocation, error)
}

// Handler реализует HTTP-обработчики API сервиса фудшеринга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError переводит доменные ошибки в HTTP-статусы. Бизнес-ошибки
// возвращаются клиенту дословно; внутренние — только логируются.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidLocation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, cartcache.ErrCartNotFound),
		errors.Is(err, service.ErrCartLineNotFound),
		errors.Is(err, repository.ErrDonationNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrRouteNotFound),
		errors.Is(err, repository.ErrDeliveryNotFound),
		errors.Is(err, repository.ErrDriverLocationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInsufficientAvailability),
		errors.Is(err, repository.ErrQuantityUnavailable),
		errors.Is(err, repository.ErrCartAlreadyOrdered),
		errors.Is(err, repository.ErrOrderCompleted),
		errors.Is(err, repository.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeJSON выставляет Content-Type до записи статуса: заголовки,
// добавленные после WriteHeader, теряются.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetCart возвращает рабочую корзину текущей организации.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	cart, err := h.service.GetCart(r.Context(), p.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

type cartItemRequest struct {
	DonationID int64  `json:"donation_id"`
	Quantity   int    `json:"quantity"`
	Note       string `json:"note"`
}

// AddCartItem добавляет позицию в корзину текущей организации.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.DonationID <= 0 {
		http.Error(w, "donation_id is required", http.StatusBadRequest)
		return
	}

	cart, err := h.service.AddCartLine(r.Context(), p.ID, req.DonationID, req.Quantity, req.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, cart)
}

type cartItemUpdateRequest struct {
	Quantity int    `json:"quantity"`
	Note     string `json:"note"`
}

// UpdateCartItem изменяет существующую позицию корзины.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	donationID, ok := idParam(r, "donationID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req cartItemUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cart, err := h.service.UpdateCartLine(r.Context(), p.ID, donationID, req.Quantity, req.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

// RemoveCartItem помечает позицию корзины удалённой.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	donationID, ok := idParam(r, "donationID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cart, err := h.service.RemoveCartLine(r.Context(), p.ID, donationID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

type checkoutRequest struct {
	DeliveryAddress string `json:"delivery_address"`
}

// Checkout оформляет рабочую корзину в заказ.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidAddress(req.DeliveryAddress) {
		http.Error(w, "delivery_address is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.FinalizeCart(r.Context(), p.ID, req.DeliveryAddress)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

type assignDriverRequest struct {
	DriverID int64 `json:"driver_id"`
}

type deliveryResponse struct {
	OrderID     int64   `json:"order_id"`
	DriverID    int64   `json:"driver_id"`
	Status      string  `json:"status"`
	PickedUpAt  *string `json:"picked_up_at,omitempty"`
	DeliveredAt *string `json:"delivered_at,omitempty"`
}

func newDeliveryResponse(d *model.Delivery) deliveryResponse {
	resp := deliveryResponse{
		OrderID:  d.OrderID,
		DriverID: d.DriverID,
		Status:   string(d.Status),
	}
	if d.PickedUpAt != nil {
		v := d.PickedUpAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.PickedUpAt = &v
	}
	if d.DeliveredAt != nil {
		v := d.DeliveredAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.DeliveredAt = &v
	}
	return resp
}

// AssignDriver назначает водителя на заказ.
func (h *Handler) AssignDriver(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idParam(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req assignDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.DriverID <= 0 {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}

	delivery, err := h.service.AssignDriver(r.Context(), orderID, req.DriverID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newDeliveryResponse(delivery))
}

type deliveryStatusRequest struct {
	Status string   `json:"status"`
	Lat    *float64 `json:"lat"`
	Lng    *float64 `json:"lng"`
}

// UpdateDeliveryStatus переводит доставку в следующий статус. Вызывается
// водителем; запрос может нести текущие координаты.
func (h *Handler) UpdateDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if p.Role != middleware.RoleDriver {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	orderID, ok := idParam(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req deliveryStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status, ok := model.ParseDeliveryStatus(req.Status)
	if !ok {
		http.Error(w, "unknown delivery status", http.StatusBadRequest)
		return
	}

	var loc *service.Location
	if req.Lat != nil || req.Lng != nil {
		if req.Lat == nil || req.Lng == nil || !validation.IsValidCoordinates(*req.Lat, *req.Lng) {
			http.Error(w, "invalid coordinates", http.StatusBadRequest)
			return
		}
		loc = &service.Location{Lat: *req.Lat, Lng: *req.Lng}
	}

	delivery, err := h.service.UpdateDeliveryStatus(r.Context(), orderID, status, loc)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newDeliveryResponse(delivery))
}

// GetRoute возвращает сохранённый маршрут заказа.
func (h *Handler) GetRoute(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idParam(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rt, err := h.service.GetRoute(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rt)
}

// GetEta возвращает оценку оставшегося пути и времени доставки заказа.
func (h *Handler) GetEta(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idParam(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	eta, err := h.service.GetEta(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, eta)
}

// GetDriverLocation возвращает последнюю известную позицию водителя.
func (h *Handler) GetDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := idParam(r, "driverID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	loc, err := h.service.GetDriverLocation(r.Context(), driverID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, loc)
}
