// Package api exposes the scheduler over HTTP with Forge-style handlers.
// Processors register, claim structures, ping their leases, and submit
// results; monitoring endpoints list processors and catalog statistics.
package api

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/Lucasrsv1/structures-manager/lease"
	"github.com/Lucasrsv1/structures-manager/processor"
	"github.com/Lucasrsv1/structures-manager/structure"
)

// headerAccessToken carries the processor's JWT on authenticated routes.
const headerAccessToken = "X-Access-Token"

// headerRemoteHost is stamped by Handler from the connection's remote
// address before routing, so handlers see the caller's host even though the
// router context does not expose the raw request.
const headerRemoteHost = "X-Remote-Host"

// API wires all Forge-style HTTP handlers together for the scheduler.
type API struct {
	registry *processor.Registry
	leases   *lease.Manager
	store    structure.Store
	logger   *slog.Logger

	// interval is the redistribution interval used by the count endpoint to
	// bound the "processing" window.
	interval time.Duration

	router forge.Router
}

// New creates an API over the registry, lease manager and catalog store.
func New(registry *processor.Registry, leases *lease.Manager, store structure.Store,
	logger *slog.Logger, interval time.Duration, router forge.Router,
) *API {
	return &API{
		registry: registry,
		leases:   leases,
		store:    store,
		logger:   logger,
		interval: interval,
		router:   router,
	}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)

	routed := a.router.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		r.Header.Set(headerRemoteHost, host)
		routed.ServeHTTP(w, r)
	})
}

// RegisterRoutes registers all scheduler API routes into the given Forge
// router with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerProcessorRoutes(router)
	a.registerStructureRoutes(router)
}

// registerProcessorRoutes registers processor lifecycle routes.
func (a *API) registerProcessorRoutes(router forge.Router) {
	g := router.Group("/api/v1", forge.WithGroupTags("processors"))

	_ = g.POST("/processors/register", a.registerProcessor,
		forge.WithSummary("Register processor"),
		forge.WithDescription("Registers a compute client and returns its access token and assigned processing mode."),
		forge.WithOperationID("registerProcessor"),
		forge.WithCreatedResponse(RegisterResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.DELETE("/processors/unregister", a.unregisterProcessor,
		forge.WithSummary("Unregister processor"),
		forge.WithDescription("Removes the authenticated processor from the registry."),
		forge.WithOperationID("unregisterProcessor"),
		forge.WithResponseSchema(http.StatusOK, "Unregister result", SuccessResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/processors", a.listProcessors,
		forge.WithSummary("List processors"),
		forge.WithDescription("Returns all registered processors with their modes and held files."),
		forge.WithOperationID("listProcessors"),
		forge.WithResponseSchema(http.StatusOK, "Processor list", []*processor.Record{}),
		forge.WithErrorResponses(),
	)
}

// registerStructureRoutes registers catalog and lease routes.
func (a *API) registerStructureRoutes(router forge.Router) {
	g := router.Group("/api/v1", forge.WithGroupTags("structures"))

	_ = g.GET("/structures", a.listStructures,
		forge.WithSummary("List structures"),
		forge.WithDescription("Returns the full structure catalog."),
		forge.WithOperationID("listStructures"),
		forge.WithResponseSchema(http.StatusOK, "Structure list", []*structure.Structure{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/structures/count", a.countStructures,
		forge.WithSummary("Count structures"),
		forge.WithDescription("Returns catalog statistics: total, pending, processing and processed."),
		forge.WithOperationID("countStructures"),
		forge.WithResponseSchema(http.StatusOK, "Catalog statistics", structure.Stats{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/structures/next", a.nextStructures,
		forge.WithSummary("Claim next structures"),
		forge.WithDescription("Claims the next batch of structures for the authenticated processor."),
		forge.WithOperationID("nextStructures"),
		forge.WithResponseSchema(http.StatusOK, "Claimed structures", NextResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/structures/next/:qty_cpus", a.nextStructures,
		forge.WithSummary("Claim next structures by quantity"),
		forge.WithDescription("Claims up to qty_cpus structures for the authenticated processor."),
		forge.WithOperationID("nextStructuresByQty"),
		forge.WithResponseSchema(http.StatusOK, "Claimed structures", NextResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/structures/next/:qty_cpus/:mode", a.nextStructures,
		forge.WithSummary("Claim next structures by quantity and mode"),
		forge.WithDescription("Claims up to qty_cpus structures restricted to the given processing mode."),
		forge.WithOperationID("nextStructuresByQtyMode"),
		forge.WithResponseSchema(http.StatusOK, "Claimed structures", NextResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.PATCH("/structures/ping", a.pingStructures,
		forge.WithSummary("Ping structures"),
		forge.WithDescription("Extends the lease on structures the authenticated processor is working on."),
		forge.WithOperationID("pingStructures"),
		forge.WithResponseSchema(http.StatusAccepted, "Ping result", PingResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/structures/result", a.saveResult,
		forge.WithSummary("Save result"),
		forge.WithDescription("Records the computed result for a structure the authenticated processor holds."),
		forge.WithOperationID("saveResult"),
		forge.WithCreatedResponse(ResultResponse{}),
		forge.WithErrorResponses(),
	)
}
