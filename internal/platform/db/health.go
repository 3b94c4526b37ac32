package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// Probe is the part of *pgxpool.Pool the health check needs.
type Probe interface {
	Querier
	Ping(ctx context.Context) error
}

// PoolStats summarizes connection pool usage.
type PoolStats struct {
	Total       int32  `json:"total"`
	Idle        int32  `json:"idle"`
	Acquired    int32  `json:"acquired"`
	Max         int32  `json:"max"`
	Acquires    int64  `json:"acquires"`
	AcquireWait string `json:"acquire_wait"`
}

// Stats reads the current pool counters.
func Stats(pool *pgxpool.Pool) PoolStats {
	st := pool.Stat()
	return PoolStats{
		Total:       st.TotalConns(),
		Idle:        st.IdleConns(),
		Acquired:    st.AcquiredConns(),
		Max:         st.MaxConns(),
		Acquires:    st.AcquireCount(),
		AcquireWait: st.AcquireDuration().String(),
	}
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	Tenants []string  `json:"tenants,omitempty"`
	Pool    PoolStats `json:"pool"`
}

// HealthHandler reports reachability, pool usage and the tenant schemas the
// dispatcher will serve.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool, func() PoolStats { return Stats(pool) })
}

func healthHandler(p Probe, stats func() PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		report := HealthReport{Status: "ok", Pool: stats()}
		if err := p.Ping(ctx); err != nil {
			report.Status = "down"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		tenants, err := ListTenants(ctx, p)
		if err != nil {
			report.Status = "degraded"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		report.Tenants = tenants
		return c.JSON(http.StatusOK, report)
	}
}
