package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	defaultSweepLimit = 100
	maxSweepLimit     = 500
	sweepCancelReason = "reservation expired"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Orders           repositories.OrderRepository
	// Cancel is the order cancellation used by the reservation sweep.
	Cancel         func(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	ReservationTTL time.Duration
	Clock          func() time.Time
	Build          BuildInfo
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	healthRepo repositories.HealthRepository
	orders     repositories.OrderRepository
	cancel     func(context.Context, CancelOrderCommand) (Order, error)
	ttl        time.Duration
	clock      func() time.Time
	build      BuildInfo
	logger     func(context.Context, string, map[string]any)
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service providing health reports and maintenance sweeps.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("system service: order repository is required")
	}
	if deps.Cancel == nil {
		return nil, errors.New("system service: order cancellation is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		orders:     deps.Orders,
		cancel:     deps.Cancel,
		ttl:        ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		build:  build,
		logger: logger,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, s.clock())
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = deriveStatus(report.Checks)
	}
	return report, nil
}

// SweepExpiredReservations cancels pending orders whose reservation window has passed. Each
// order is cancelled independently; one failure does not stop the sweep.
func (s *systemService) SweepExpiredReservations(ctx context.Context, cmd SweepReservationsCommand) (SweepResult, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if limit > maxSweepLimit {
		limit = maxSweepLimit
	}

	cutoff := s.clock().Add(-s.ttl)
	orders, err := s.orders.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return SweepResult{}, translateRepositoryError(err, nil, nil)
	}

	result := SweepResult{Examined: len(orders), Cancelled: []string{}, Failed: map[string]string{}}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.cancel(ctx, CancelOrderCommand{
			OrderID: order.ID,
			Reason:  sweepCancelReason,
			ActorID: systemActor,
			Access:  OrderAccess{AnyOwner: true},
		}); err != nil {
			// Paid in the meantime: no longer pending, nothing to do.
			if errors.Is(err, ErrOrderInvalidState) {
				continue
			}
			result.Failed[order.ID] = err.Error()
			s.logger(ctx, "system.sweep.cancel_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			continue
		}
		result.Cancelled = append(result.Cancelled, order.ID)
	}

	s.logger(ctx, "system.sweep.completed", map[string]any{
		"examined":  result.Examined,
		"cancelled": len(result.Cancelled),
		"failed":    len(result.Failed),
		"cutoff":    cutoff.Format(time.RFC3339),
	})
	return result, nil
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) domain.SystemHealthStatus {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
