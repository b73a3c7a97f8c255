package http

import (
	"context"
	"log"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncwell/graphsync/internal/config"
	"github.com/syncwell/graphsync/internal/metrics"
	"github.com/syncwell/graphsync/internal/repository"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB) *Server {
	// repos (MySQL)
	outboxRepo := repository.NewOutboxRepository(mysqlDB, repository.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.RetryBackoffBase,
	})

	// repos (ClickHouse)
	auditRepo := repository.NewCHAuditRepository(clickhouseDB)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// routes
	v1 := e.Group("/v1")
	v1.POST("/outbox/events", enqueueHandler(outboxRepo))
	v1.POST("/outbox/events/batch", enqueueBatchHandler(outboxRepo))
	v1.GET("/sync/stats", statsHandler(outboxRepo))
	v1.GET("/sync/dead-letters", listDeadLettersHandler(outboxRepo))
	v1.POST("/sync/dead-letters/:id/resolve", resolveDeadLetterHandler(outboxRepo))
	v1.POST("/sync/dead-letters/:id/retry", retryDeadLetterHandler(outboxRepo))
	v1.GET("/sync/history", syncHistoryHandler(auditRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
