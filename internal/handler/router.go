package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/storefront-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/payments/create-intent", h.CreateIntent)

		r.Get("/products", h.GetProducts)
		r.Get("/products/{id}", h.GetProduct)
		r.Post("/products", h.CreateProduct)
		r.Put("/products/{id}", h.UpdateProduct)
		r.Delete("/products/{id}", h.DeleteProduct)

		r.Post("/cart/validate", h.ValidateCart)
		r.Post("/orders", h.PlaceOrder)

		r.Post("/leads", h.CreateLead)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/orders", h.GetAdminOrders)
			r.Put("/orders/{id}/status", h.UpdateOrderStatus)

			r.Get("/leads", h.GetLeads)
			r.Put("/leads/{id}", h.UpdateLead)
		})

		r.Route("/content", func(r chi.Router) {
			r.Get("/*", h.GetContent)
			r.Post("/*", h.SaveContent)
			r.Put("/*", h.PublishContent)
		})
	})

	r.Post("/api/webhooks/stripe", h.StripeWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
