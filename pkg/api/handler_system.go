package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. The response stays minimal and safe
// for unauthenticated access: only this process's own components are
// probed, so an orchestrator never restarts the pod because a carrier or
// mail vendor is having a bad day.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy
	degrade := func() {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	resp := &HealthResponse{Version: version.GitCommit}

	dbHealth, err := s.dbClient.Health(reqCtx)
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		resp.Database = dbHealth
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.deliveryPool != nil {
		ph := s.deliveryPool.Health()
		resp.DeliveryPool = &ph
		checks["delivery_pool"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d workers", len(ph.Workers)),
		}
	}
	if s.notifyPool != nil {
		nh := s.notifyPool.Health()
		resp.NotifyPool = nh
		checks["notify_pool"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d workers", len(nh)),
		}
	}

	if s.registry != nil {
		degraded := 0
		snapshots := s.registry.Snapshots()
		for _, snap := range snapshots {
			if snap.Degraded {
				degraded++
			}
		}
		switch {
		case len(snapshots) == 0:
			status = healthStatusUnhealthy
			checks["providers"] = HealthCheck{Status: healthStatusUnhealthy, Message: "no providers configured"}
		case degraded == len(snapshots):
			degrade()
			checks["providers"] = HealthCheck{Status: healthStatusDegraded, Message: "all providers degraded"}
		case degraded > 0:
			degrade()
			checks["providers"] = HealthCheck{
				Status:  healthStatusDegraded,
				Message: fmt.Sprintf("%d of %d providers degraded", degraded, len(snapshots)),
			}
		default:
			checks["providers"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	resp.Status = status
	resp.Checks = checks

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}

// listProvidersHandler handles GET /api/v1/system/providers, the adapter
// health panel.
func (s *Server) listProvidersHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &ProvidersResponse{
		OK:        true,
		Order:     s.registry.Order(),
		Providers: s.registry.Snapshots(),
	})
}
