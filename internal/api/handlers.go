package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/storefront/storefront-go/internal/auth"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/middleware"
	"github.com/storefront/storefront-go/internal/services"
	"github.com/storefront/storefront-go/pkg/config"
)

// App holds application dependencies
type App struct {
	config          *config.Config
	metrics         *metrics.AppMetrics
	issuer          *auth.Issuer
	productService  *services.ProductService
	categoryService *services.CategoryService
	offerService    *services.OfferService
	cartService     *services.CartService
	orderService    *services.OrderService
	userService     *services.UserService
}

// Services bundles the domain services the HTTP layer dispatches to
type Services struct {
	Products   *services.ProductService
	Categories *services.CategoryService
	Offers     *services.OfferService
	Carts      *services.CartService
	Orders     *services.OrderService
	Users      *services.UserService
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config, m *metrics.AppMetrics, issuer *auth.Issuer, svc Services) *App {
	return &App{
		config:          cfg,
		metrics:         m,
		issuer:          issuer,
		productService:  svc.Products,
		categoryService: svc.Categories,
		offerService:    svc.Offers,
		cartService:     svc.Carts,
		orderService:    svc.Orders,
		userService:     svc.Users,
	}
}

// SetupRoutes configures the HTTP routes
func (a *App) SetupRoutes(r *mux.Router) {
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.CORSMiddleware)
	r.Use(middleware.ErrorHandlerMiddleware)
	r.Use(middleware.MetricsMiddleware(a.metrics))

	api := r.PathPrefix("/api/v1").Subrouter()

	// Auth
	api.HandleFunc("/auth/token", a.IssueTokenHandler).Methods("POST")

	// Users
	api.HandleFunc("/users", a.ListUsersHandler).Methods("GET")
	api.HandleFunc("/users", a.CreateUserHandler).Methods("POST")
	api.HandleFunc("/users/{id:[0-9]+}", a.GetUserHandler).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}", a.UpdateUserHandler).Methods("PUT", "PATCH")
	api.HandleFunc("/users/{id:[0-9]+}", a.DeleteUserHandler).Methods("DELETE")

	// Catalog
	api.HandleFunc("/categories", a.ListCategoriesHandler).Methods("GET")
	api.HandleFunc("/categories", a.CreateCategoryHandler).Methods("POST")
	api.HandleFunc("/categories/{id:[0-9]+}", a.GetCategoryHandler).Methods("GET")
	api.HandleFunc("/categories/{id:[0-9]+}", a.UpdateCategoryHandler).Methods("PUT", "PATCH")
	api.HandleFunc("/categories/{id:[0-9]+}", a.DeleteCategoryHandler).Methods("DELETE")

	api.HandleFunc("/products", a.ListProductsHandler).Methods("GET")
	api.HandleFunc("/products", a.CreateProductHandler).Methods("POST")
	api.HandleFunc("/products/{id:[0-9]+}", a.GetProductHandler).Methods("GET")
	api.HandleFunc("/products/{id:[0-9]+}", a.UpdateProductHandler).Methods("PUT", "PATCH")
	api.HandleFunc("/products/{id:[0-9]+}", a.DeleteProductHandler).Methods("DELETE")
	api.HandleFunc("/hot_products", a.ListHotProductsHandler).Methods("GET")

	api.HandleFunc("/offers", a.ListOffersHandler).Methods("GET")
	api.HandleFunc("/offers", a.CreateOfferHandler).Methods("POST")
	api.HandleFunc("/offers/{id:[0-9]+}", a.GetOfferHandler).Methods("GET")
	api.HandleFunc("/offers/{id:[0-9]+}", a.UpdateOfferHandler).Methods("PUT", "PATCH")
	api.HandleFunc("/offers/{id:[0-9]+}", a.DeleteOfferHandler).Methods("DELETE")

	// Cart, keyed by the Session header
	api.HandleFunc("/cart_items", a.ViewCartHandler).Methods("GET")
	api.HandleFunc("/cart_items", a.AddCartItemHandler).Methods("POST")
	api.HandleFunc("/cart_items/{id:[0-9]+}", a.GetCartItemHandler).Methods("GET")
	api.HandleFunc("/cart_items/{id:[0-9]+}", a.UpdateCartItemHandler).Methods("PUT", "PATCH")
	api.HandleFunc("/cart_items/{id:[0-9]+}", a.RemoveCartItemHandler).Methods("DELETE")

	// Orders, owned by the token identity
	orders := api.NewRoute().Subrouter()
	orders.Use(middleware.RequireAuth(a.issuer, a.metrics))
	orders.HandleFunc("/orders", a.ListOrdersHandler).Methods("GET")
	orders.HandleFunc("/orders", a.PlaceOrderHandler).Methods("POST")
	orders.HandleFunc("/orders/{id:[0-9]+}", a.GetOrderHandler).Methods("GET")
	orders.HandleFunc("/orders/{id:[0-9]+}", a.UpdateOrderHandler).Methods("PATCH")
	orders.HandleFunc("/order_items", a.ListOrderItemsHandler).Methods("GET")

	// Health
	r.HandleFunc("/health", a.HealthHandler).Methods("GET")
}

// HealthHandler handles health check requests
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
