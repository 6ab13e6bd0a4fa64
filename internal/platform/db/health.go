package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named dependency probe. Critical checks make the service
// unhealthy when they fail; the rest only degrade it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// CheckResult is one entry of the health report.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the JSON body of the health endpoints.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
	Pool   *PoolStats             `json:"pool,omitempty"`
}

// PoolCheck probes the database with a ping.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Critical: true, Probe: pool.Ping}
}

// Evaluate runs every check with a shared timeout and folds the results into
// an overall status.
func Evaluate(ctx context.Context, timeout time.Duration, checks ...Check) Report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep := Report{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checks))}
	for _, chk := range checks {
		if err := chk.Probe(ctx); err != nil {
			rep.Checks[chk.Name] = CheckResult{Status: StatusUnhealthy, Error: err.Error()}
			switch {
			case chk.Critical:
				rep.Status = StatusUnhealthy
			case rep.Status == StatusHealthy:
				rep.Status = StatusDegraded
			}
			continue
		}
		rep.Checks[chk.Name] = CheckResult{Status: StatusHealthy}
	}
	return rep
}

// HealthHandler reports the overall status. Unhealthy maps to 503; degraded
// still answers 200 so load balancers keep routing.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		rep := Evaluate(c.Request().Context(), 5*time.Second, checks...)
		if pool != nil {
			rep.Pool = GetPoolStats(pool)
		}

		code := http.StatusOK
		if rep.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, rep)
	}
}
