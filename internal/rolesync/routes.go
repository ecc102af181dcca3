package rolesync

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/admin"
	rsstripe "github.com/rcourtman/pulse-rolesync/internal/rolesync/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *Config
	Service *Service
	Version string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	svc := deps.Service
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(svc.Registry))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(svc.Registry, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := rsstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, svc.Registry, svc.Reconciler, deps.Config.PricePlans)
	webhookLimiter := NewIPRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Link start and status are called by the product backend on behalf of a
	// user, so they sit behind the admin key. The callback is hit by the
	// user's browser and is authenticated by the signed state.
	redirectURI := deps.Config.Discord.RedirectURI
	mux.Handle("/api/link/start", adminAuth(HandleLinkStart(svc.Linker, svc.States, redirectURI)))
	mux.Handle("/api/link/status/{user_id}", adminAuth(HandleLinkStatus(svc.Reconciler)))

	callbackLimiter := NewIPRateLimiter(30, time.Minute)
	mux.Handle("/api/link/callback", callbackLimiter.Middleware(HandleLinkCallback(svc.Linker, svc.States, svc.Reconciler, svc.Plans, redirectURI)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/links", adminAuth(admin.HandleListLinks(svc.Registry)))
	mux.Handle("/admin/links/{user_id}", adminAuth(admin.HandleUnlink(svc.Reconciler)))
	mux.Handle("/admin/reconcile", adminAuth(admin.HandleReconcile(svc.Reconciler, svc.Plans)))
}
