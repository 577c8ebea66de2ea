package ordering

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnsurePeriod returns the period named after window, creating it open when absent.
//
// Concurrent callers in this process share one lookup; a caller that gives up
// does not abort it for the others. Across processes the
// unique index on the name decides the winner and losers re-read the row.
func (s *Service) EnsurePeriod(ctx context.Context, window Window) (Period, error) {
	if window.Name == "" {
		return Period{}, validationError("window name is required")
	}
	// The shared lookup must outlive any single caller's cancellation.
	ch := s.ensureGroup.DoChan(window.Name, func() (any, error) {
		return s.ensurePeriod(context.WithoutCancel(ctx), window)
	})
	select {
	case <-ctx.Done():
		return Period{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Period{}, res.Err
		}
		return res.Val.(Period), nil
	}
}

func (s *Service) ensurePeriod(ctx context.Context, window Window) (Period, error) {
	if period, ok := s.cachedPeriod(ctx, window.Name); ok {
		return period, nil
	}

	period, err := s.repo.FindPeriodByName(ctx, window.Name)
	if err == nil {
		s.cachePeriod(ctx, period)
		return period, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Period{}, s.storeError(ctx, "find period", err)
	}

	period, err = s.repo.InsertPeriod(ctx, Period{
		ID:         uuid.New(),
		Name:       window.Name,
		CutoffDate: window.End,
		Status:     PeriodStatusOpen,
		CreatedAt:  s.now(),
	})
	if errors.Is(err, ErrConflict) {
		period, err = s.repo.FindPeriodByName(ctx, window.Name)
	}
	if err != nil {
		return Period{}, s.storeError(ctx, "insert period", err)
	}
	s.logger.InfoContext(ctx, "period ensured", slog.String("name", period.Name), slog.String("period_id", period.ID.String()))
	s.cachePeriod(ctx, period)
	return period, nil
}

func (s *Service) cachedPeriod(ctx context.Context, name string) (Period, bool) {
	if s.cache == nil {
		return Period{}, false
	}
	id, ok, err := s.cache.GetPeriodID(ctx, name)
	if err != nil {
		s.logger.WarnContext(ctx, "period cache read failed", slog.Any("error", err))
		return Period{}, false
	}
	if !ok {
		return Period{}, false
	}
	period, err := s.repo.GetPeriod(ctx, id)
	if err != nil {
		return Period{}, false
	}
	return period, true
}

func (s *Service) cachePeriod(ctx context.Context, period Period) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutPeriodID(ctx, period.Name, period.ID); err != nil {
		s.logger.WarnContext(ctx, "period cache write failed", slog.Any("error", err))
	}
}

// EnsureUpcoming makes sure the current and next windows both have a period.
func (s *Service) EnsureUpcoming(ctx context.Context) ([]Period, error) {
	now := s.now()
	current, err := s.EnsurePeriod(ctx, s.clock.CurrentWindow(now))
	if err != nil {
		return nil, err
	}
	next, err := s.EnsurePeriod(ctx, s.clock.NextWindow(now))
	if err != nil {
		return nil, err
	}
	return []Period{current, next}, nil
}

// CurrentPeriod returns the period of the window containing now, creating it if needed.
func (s *Service) CurrentPeriod(ctx context.Context) (Period, error) {
	return s.EnsurePeriod(ctx, s.clock.CurrentWindow(s.now()))
}

// OpenPeriod returns the open period with the earliest cutoff, which is the one carts target.
func (s *Service) OpenPeriod(ctx context.Context) (Period, error) {
	periods, err := s.repo.ListPeriods(ctx, PeriodFilter{Statuses: []PeriodStatus{PeriodStatusOpen}})
	if err != nil {
		return Period{}, s.storeError(ctx, "list periods", err)
	}
	if len(periods) == 0 {
		return Period{}, ErrNotFound
	}
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].CutoffDate.Before(periods[j].CutoffDate)
	})
	return periods[0], nil
}

// GetPeriod returns a period by id.
func (s *Service) GetPeriod(ctx context.Context, id uuid.UUID) (Period, error) {
	period, err := s.repo.GetPeriod(ctx, id)
	if err != nil {
		return Period{}, s.storeError(ctx, "get period", err)
	}
	return period, nil
}

// ListPeriods returns periods by cutoff date, latest first.
func (s *Service) ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error) {
	periods, err := s.repo.ListPeriods(ctx, filter)
	if err != nil {
		return nil, s.storeError(ctx, "list periods", err)
	}
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].CutoffDate.After(periods[j].CutoffDate)
	})
	return periods, nil
}

// CreatePeriodInput describes a manually created period.
type CreatePeriodInput struct {
	Name       string    `json:"name" validate:"required,max=120"`
	CutoffDate time.Time `json:"cutoff_date" validate:"required"`
	Actor      uuid.UUID `json:"-"`
}

// CreatePeriod lets a FinAdmin open a period outside the half-month calendar.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return Period{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Period{}, validationError("period name is required")
	}
	if in.CutoffDate.IsZero() {
		return Period{}, validationError("cutoff date is required")
	}
	period, err := s.repo.InsertPeriod(ctx, Period{
		ID:         uuid.New(),
		Name:       name,
		CutoffDate: in.CutoffDate,
		Status:     PeriodStatusOpen,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return Period{}, s.storeError(ctx, "insert period", err)
	}
	s.cachePeriod(ctx, period)
	s.record(ctx, in.Actor, "period.created", "order_period", period.ID, map[string]any{"name": period.Name})
	return period, nil
}
