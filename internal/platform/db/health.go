package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// Pinger is a backend that can be checked for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one backend probed by HealthHandler, e.g. "resources" or
// "audit".
type Check struct {
	Name   string
	Pinger Pinger
}

type poolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func statsOf(pool *pgxpool.Pool) *poolStats {
	stat := pool.Stat()
	return &poolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

type checkResult struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pool   *poolStats `json:"pool,omitempty"`
}

// HealthHandler pings every backend under one shared deadline. The response
// is 503 if any of them fails; several checks may share a pool.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make(map[string]checkResult, len(checks))
		for _, chk := range checks {
			r := checkResult{Status: "healthy"}
			if pool, ok := chk.Pinger.(*pgxpool.Pool); ok {
				r.Pool = statsOf(pool)
			}
			if err := chk.Pinger.Ping(ctx); err != nil {
				r.Status, r.Error = "unhealthy", err.Error()
				status, code = "unhealthy", http.StatusServiceUnavailable
			}
			results[chk.Name] = r
		}
		return c.JSON(code, map[string]interface{}{"status": status, "checks": results})
	}
}
