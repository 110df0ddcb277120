package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/willowmart/api/internal/platform/httpx"
)

// RouteRegistrar mounts a handler group's routes on a chi sub-router.
type RouteRegistrar func(r chi.Router)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

type routerOptions struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	meRoutes       RouteRegistrar
	orderRoutes    RouteRegistrar
	checkoutRoutes RouteRegistrar
	adminRoutes    RouteRegistrar
	webhookRoutes  RouteRegistrar
	internalRoutes RouteRegistrar

	webhookMW  []func(http.Handler) http.Handler
	internalMW []func(http.Handler) http.Handler
}

// Option customises the router before construction.
type Option func(*routerOptions)

// routeGroup pairs an API sub-tree with its registrar and any
// group-scoped middleware, such as HMAC verification on /webhooks.
type routeGroup struct {
	path       string
	name       string
	register   RouteRegistrar
	middleware []func(http.Handler) http.Handler
}

// NewRouter assembles the API surface: health probes at the root,
// shopper endpoints under /me, /orders and /checkout, the fulfillment
// console under /admin, provider callbacks under /webhooks, and
// scheduler-invoked jobs under /internal.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerOptions{
		basePath: apiPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", "method "+req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	// Health probes bypass the API prefix so the load balancer and
	// Cloud Run can reach them without the versioned path.
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	groups := []routeGroup{
		{path: "/me", name: "me", register: cfg.meRoutes},
		{path: "/orders", name: "orders", register: cfg.orderRoutes},
		{path: "/checkout", name: "checkout", register: cfg.checkoutRoutes},
		{path: "/admin", name: "admin", register: cfg.adminRoutes},
		{path: "/webhooks", name: "webhooks", register: cfg.webhookRoutes, middleware: cfg.webhookMW},
		{path: "/internal", name: "internal", register: cfg.internalRoutes, middleware: cfg.internalMW},
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range groups {
			group := group
			api.Route(group.path, func(sub chi.Router) {
				for _, mw := range group.middleware {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if group.register != nil {
					group.register(sub)
					return
				}
				mountStub(sub, group.name)
			})
		}
	})

	return r
}

// WithMiddlewares appends global middleware after the built-in chi set.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerOptions) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerOptions) {
		cfg.health = h
	}
}

// WithMeRoutes mounts the shopper profile and device registration endpoints.
func WithMeRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerOptions) {
		cfg.meRoutes = reg
	}
}

// WithOrderRoutes mounts the order listing and status endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerOptions) {
		cfg.orderRoutes = reg
	}
}

// WithCheckoutRoutes mounts the reservation and checkout endpoints.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerOptions) {
		cfg.checkoutRoutes = reg
	}
}

// WithAdminRoutes mounts the fulfillment console endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerOptions) {
		cfg.adminRoutes = reg
	}
}

// WithWebhookRoutes mounts the Stripe and carrier callback endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerOptions) {
		cfg.webhookRoutes = reg
	}
}

// WithWebhookMiddlewares adds middleware scoped to the /webhooks group,
// typically signature verification.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerOptions) {
		cfg.webhookMW = append(cfg.webhookMW, mw...)
	}
}

// WithInternalRoutes mounts the scheduler-invoked maintenance endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerOptions) {
		cfg.internalRoutes = reg
	}
}

// WithInternalMiddlewares adds middleware scoped to the /internal group,
// typically OIDC service account verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerOptions) {
		cfg.internalMW = append(cfg.internalMW, mw...)
	}
}

// mountStub answers every request on an unconfigured group with 501 so a
// partially wired server fails loudly instead of 404ing.
func mountStub(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
