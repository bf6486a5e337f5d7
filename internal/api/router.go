// 文件路径: internal/api/router.go
// 模块说明: 这是 internal 模块里的 router 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creamcroissant/sspanel/internal/api/handler"
	"github.com/creamcroissant/sspanel/internal/api/middleware"
	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/security"
)

// Services 汇总路由需要的业务组件。
type Services struct {
	Subscription handler.Subscriber
	NodeControl  handler.NodeController
	Traffic      handler.TrafficService
	NodeAuth     middleware.NodeAuthenticator
	NodeLimiter  security.Limiter
	Audit        security.Recorder
	HealthChecks map[string]handler.Pinger
}

// Options 控制路由的横切行为。
type Options struct {
	NodeAPI   config.NodeAPIConfig
	Metrics   config.MetricsConfig
	BodyLimit int64
	// Registry backs the HTTP metrics and /metrics; nil uses the default registry.
	Registry *prometheus.Registry
}

var quietPaths = []string{"/healthz", "/metrics"}

// NewRouter wires the subscription, node control and operational endpoints.
func NewRouter(logger *slog.Logger, services Services, opts Options) (http.Handler, error) {
	if services.Subscription == nil {
		return nil, fmt.Errorf("router requires subscription gateway / 缺少订阅网关")
	}
	if services.NodeControl == nil || services.Traffic == nil || services.NodeAuth == nil {
		return nil, fmt.Errorf("router requires node control services / 缺少节点控制服务")
	}
	if logger == nil {
		logger = slog.Default()
	}

	nodeGuard, err := middleware.NodeGuard(middleware.NodeGuardConfig{
		Authenticator: services.NodeAuth,
		AllowedIPs:    opts.NodeAPI.AllowedIPs,
		Limiter:       services.NodeLimiter,
		RateLimit:     opts.NodeAPI.RateLimit,
		Audit:         services.Audit,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)

	if opts.Metrics.Enabled {
		var registerer prometheus.Registerer = prometheus.DefaultRegisterer
		if opts.Registry != nil {
			registerer = opts.Registry
		}
		metrics := middleware.NewMetrics(middleware.MetricsConfig{
			Namespace:  opts.Metrics.Namespace,
			Subsystem:  opts.Metrics.Subsystem,
			Buckets:    opts.Metrics.Buckets,
			SkipPaths:  quietPaths,
			Registerer: registerer,
		})
		r.Use(metrics.Middleware)
	}

	r.Use(
		middleware.StructuredLogger(middleware.LoggingConfig{
			Logger:        logger,
			SlowThreshold: 500 * time.Millisecond,
			SkipPaths:     quietPaths,
		}),
		chiMiddleware.Recoverer,
		middleware.BodyLimit(middleware.BodyLimitConfig{MaxBytes: opts.BodyLimit}),
	)

	r.Method(http.MethodGet, "/healthz", &handler.HealthHandler{Checks: services.HealthChecks, Logger: logger})

	if opts.Metrics.Enabled {
		var metricsHandler http.Handler = promhttp.Handler()
		if opts.Registry != nil {
			metricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
		}
		// If token is set, guard the metrics endpoint
		if opts.Metrics.Token != "" {
			r.With(middleware.MetricsGuard(opts.Metrics.Token)).Handle("/metrics", metricsHandler)
		} else {
			r.Handle("/metrics", metricsHandler)
		}
	}

	subscribe := handler.NewSubscribeHandler(services.Subscription)
	r.Method(http.MethodGet, "/sub", subscribe)

	nodes := handler.NewNodeHandler(services.NodeControl, logger)
	traffic := handler.NewTrafficHandler(services.Traffic, logger)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Method(http.MethodGet, "/client/subscribe", subscribe)

		v1.Route("/server", func(server chi.Router) {
			server.Use(nodeGuard)
			server.Get("/nodes", nodes.ListNodes)
			server.Get("/nodes/{id}", nodes.GetNode)
			server.Post("/nodes/{id}/heartbeat", nodes.Heartbeat)
			server.Get("/nodes/{id}/users", nodes.NodeUsers)
			server.Get("/groups/{id}/users", nodes.GroupUsers)
			server.Post("/traffic/report", traffic.Report)
			server.Post("/traffic/reset", traffic.Reset)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		logger.Debug("unmapped route hit", "method", req.Method, "path", req.URL.Path)
		http.NotFound(w, req)
	})

	return r, nil
}
