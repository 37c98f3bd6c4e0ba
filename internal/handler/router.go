package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/aquaschedule/galon-system/internal/middleware"
)

func orderIDFromRequest(r *http.Request) string {
	return chi.URLParam(r, "orderID")
}

// SetupRouter настраивает HTTP-маршруты и middleware планировщика.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.LoggerMiddleware(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/room", h.GetRoom)
			r.Post("/room/purchases", h.SubmitPurchase)
			r.Get("/room/purchases", h.GetPurchases)
			r.Post("/room/bypass", h.Bypass)

			r.Post("/profile/status", h.SetStatus)
			r.Post("/profile/online", h.SetOnline)

			r.Get("/delivery/orders", h.GetDeliveryOrders)
			r.Post("/delivery/orders/{orderID}/claim", h.ClaimOrder)
			r.Post("/delivery/orders/{orderID}/complete", h.CompleteOrder)
			r.Post("/delivery/orders/{orderID}/cancel", h.CancelOrder)

			r.Post("/admin/rooms", h.CreateRoom)
			r.Post("/admin/members", h.CreateMember)
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
