package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/foodrescue-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса фудшеринга.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.GetCart)
				r.Post("/items", h.AddCartItem)
				r.Patch("/items/{donationID}", h.UpdateCartItem)
				r.Delete("/items/{donationID}", h.RemoveCartItem)
				r.Post("/checkout", h.Checkout)
			})

			r.Route("/orders/{orderID}", func(r chi.Router) {
				r.Post("/driver", h.AssignDriver)
				r.Post("/delivery-status", h.UpdateDeliveryStatus)
				r.Get("/route", h.GetRoute)
				r.Get("/eta", h.GetEta)
			})

			r.Get("/drivers/{driverID}/location", h.GetDriverLocation)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
