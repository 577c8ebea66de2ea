// Package ordering implements the order period lifecycle: carts, demand
// aggregation, approved quantity redistribution and reception reconciliation.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/grouporder/internal/shared"
)

// DefaultFinAdminCircle is the circle whose members administer orders.
const DefaultFinAdminCircle = "FinAdmin"

// ServiceConfig carries optional collaborators.
type ServiceConfig struct {
	Clock          Clock
	Cache          PeriodCache
	Audit          AuditPort
	Logger         *slog.Logger
	FinAdminCircle string
}

// Service orchestrates the ordering engine.
type Service struct {
	repo           Repository
	clock          Clock
	cache          PeriodCache
	audit          AuditPort
	logger         *slog.Logger
	finAdminCircle string
	now            func() time.Time
	ensureGroup    singleflight.Group
}

// NewService constructs a Service instance.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	circle := cfg.FinAdminCircle
	if circle == "" {
		circle = DefaultFinAdminCircle
	}
	return &Service{
		repo:           repo,
		clock:          cfg.Clock,
		cache:          cfg.Cache,
		audit:          cfg.Audit,
		logger:         logger.With(slog.String("component", "ordering")),
		finAdminCircle: circle,
		now:            time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Clock exposes the window calculator.
func (s *Service) Clock() Clock {
	return s.clock
}

// IsFinAdmin reports whether member belongs to the administrative circle.
func (s *Service) IsFinAdmin(ctx context.Context, member uuid.UUID) (bool, error) {
	if member == uuid.Nil {
		return false, nil
	}
	circles, err := s.repo.MemberCircles(ctx, member)
	if err != nil {
		return false, fmt.Errorf("ordering: member circles: %w", err)
	}
	for _, c := range circles {
		if c.Name == s.finAdminCircle {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) requireFinAdmin(ctx context.Context, actor uuid.UUID) error {
	ok, err := s.IsFinAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// record writes an audit entry; failures are logged, never returned.
func (s *Service) record(ctx context.Context, actor uuid.UUID, action, entity string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

// storeError wraps a repository failure, logging the ones that are not domain outcomes.
func (s *Service) storeError(ctx context.Context, op string, err error) error {
	if !isDomainError(err) && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(ctx, "store operation failed", slog.String("op", op), slog.Any("error", err))
	}
	return fmt.Errorf("ordering: %s: %w", op, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrValidation, ErrInvalidState, ErrForbidden, ErrConflict, ErrConsistencyWarning} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
