package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full route table wrapped in the middleware chain.
// Exposed separately from Start so tests can drive it in-process.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	r.RedirectTrailingSlash = false

	// Trailing slashes are part of the public surface; register both forms
	// rather than redirecting.
	register := func(method, path string, h fasthttp.RequestHandler) {
		r.Handle(method, path, h)
		r.Handle(method, path+"/", h)
	}

	register(fasthttp.MethodGet, "/health", g.handleHealth)
	register(fasthttp.MethodGet, "/v1/models", g.handleModels)
	register(fasthttp.MethodPost, "/v1/chat/completions", g.handleChatCompletions)
	register(fasthttp.MethodPost, "/v1/completions", g.handleCompletions)
	register(fasthttp.MethodGet, "/admin/providers/status", g.handleProviderStatus)
	register(fasthttp.MethodPost, "/admin/providers/{model}/{provider}/reset", g.handleProviderReset)

	if mgmt != nil && mgmt.Metrics != nil {
		register(fasthttp.MethodGet, "/metrics", mgmt.Metrics)
	}

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery,
		requestID,
		timing,
	}
	if g.metrics != nil {
		mws = append(mws, g.httpMetrics)
	}
	mws = append(mws,
		corsHandler(g.corsOrigins),
		apiKeyAuth(g.adminKeys),
		securityHeaders,
	)
	return applyMiddleware(r.Handler, mws...)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// Serve runs an already-constructed fasthttp server. Used by the app layer
// for graceful shutdown.
func (g *Gateway) Serve(srv *fasthttp.Server, addr string, mgmt *ManagementRoutes) error {
	srv.Handler = g.Handler(mgmt)
	return srv.ListenAndServe(addr)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
