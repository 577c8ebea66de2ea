package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/grouporder/internal/allocation"
)

// ApproveInput sets the aggregate quantity ordered for one article.
type ApproveInput struct {
	PeriodID    uuid.UUID
	ArticleID   uuid.UUID
	ApprovedQty int
	Actor       uuid.UUID
}

// ApplyApprovedQuantity redistributes the approved quantity over the article's
// contributing lines in proportion to what each requested.
// An article without demand is left untouched.
func (s *Service) ApplyApprovedQuantity(ctx context.Context, in ApproveInput) (ArticleDemand, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return ArticleDemand{}, err
	}
	if in.ApprovedQty < 0 {
		return ArticleDemand{}, validationError("approved quantity must not be negative")
	}
	period, err := s.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return ArticleDemand{}, err
	}
	if period.Status != PeriodStatusOpen {
		return ArticleDemand{}, fmt.Errorf("%w: period %q is %s", ErrInvalidState, period.Name, period.Status)
	}

	demand, err := s.AggregateDemand(ctx, in.PeriodID)
	if err != nil {
		return ArticleDemand{}, err
	}
	d, ok := demand[in.ArticleID]
	if !ok {
		return ArticleDemand{ArticleID: in.ArticleID, Lines: []ContributingLine{}}, nil
	}

	shares, err := allocation.Apportion(d.Weights(), in.ApprovedQty)
	switch {
	case errors.Is(err, allocation.ErrNoWeight):
		return d, nil
	case errors.Is(err, allocation.ErrOverAllocation):
		return ArticleDemand{}, validationError("approved quantity %d exceeds demand %d", in.ApprovedQty, d.TotalQty)
	case err != nil:
		return ArticleDemand{}, validationError("%v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, line := range d.Lines {
		lineID, share := line.LineID, shares[i]
		g.Go(func() error {
			return s.repo.SetValidatedQty(gctx, lineID, share)
		})
	}
	if err := g.Wait(); err != nil {
		return ArticleDemand{}, s.storeError(ctx, "set validated quantity", err)
	}

	d.ApprovedQty = in.ApprovedQty
	d.Unconfirmed = 0
	for i := range d.Lines {
		share := shares[i]
		d.Lines[i].QtyValidated = &share
	}
	s.logger.InfoContext(ctx, "approved quantity applied",
		slog.String("period_id", in.PeriodID.String()),
		slog.String("article_id", in.ArticleID.String()),
		slog.Int("approved", in.ApprovedQty),
		slog.Int("demand", d.TotalQty))
	s.record(ctx, in.Actor, "article.approved", "order_period", in.PeriodID, map[string]any{
		"article_id": in.ArticleID.String(),
		"approved":   in.ApprovedQty,
		"demand":     d.TotalQty,
	})
	return d, nil
}

// OrderInput places the consolidated order of a period.
type OrderInput struct {
	PeriodID uuid.UUID
	Confirm  bool
	Actor    uuid.UUID
}

// OrderResult summarises what ordering a period did.
type OrderResult struct {
	Period    Period `json:"period"`
	Defaulted int    `json:"defaulted_lines"`
	Validated int    `json:"validated_requests"`
	Cancelled int    `json:"cancelled_requests"`
}

// OrderPeriod moves an open period to ordered.
//
// Lines without a validated quantity block the order with an UnconfirmedError
// unless Confirm is set, in which case they are ordered as requested.
func (s *Service) OrderPeriod(ctx context.Context, in OrderInput) (OrderResult, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return OrderResult{}, err
	}
	period, err := s.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return OrderResult{}, err
	}
	if period.Status != PeriodStatusOpen {
		return OrderResult{}, fmt.Errorf("%w: period %q is %s", ErrInvalidState, period.Name, period.Status)
	}

	demand, err := s.AggregateDemand(ctx, in.PeriodID)
	if err != nil {
		return OrderResult{}, err
	}
	var unconfirmed []uuid.UUID
	for id, d := range demand {
		if d.Unconfirmed > 0 {
			unconfirmed = append(unconfirmed, id)
		}
	}
	sort.Slice(unconfirmed, func(i, j int) bool { return unconfirmed[i].String() < unconfirmed[j].String() })
	if len(unconfirmed) > 0 && !in.Confirm {
		return OrderResult{}, &UnconfirmedError{PeriodID: in.PeriodID, ArticleIDs: unconfirmed}
	}

	result := OrderResult{}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range unconfirmed {
		for _, line := range demand[id].Lines {
			if line.QtyValidated != nil {
				continue
			}
			lineID, qty := line.LineID, line.Qty
			result.Defaulted++
			g.Go(func() error {
				return s.repo.SetValidatedQty(gctx, lineID, qty)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return OrderResult{}, s.storeError(ctx, "default validated quantity", err)
	}

	changed, err := s.repo.UpdatePeriodStatus(ctx, in.PeriodID, []PeriodStatus{PeriodStatusOpen}, PeriodStatusOrdered)
	if err != nil {
		return OrderResult{}, s.storeError(ctx, "order period", err)
	}
	if !changed {
		return OrderResult{}, fmt.Errorf("%w: period %q is no longer open", ErrInvalidState, period.Name)
	}
	result.Validated, result.Cancelled, err = s.onPeriodOrdered(ctx, in.PeriodID)
	if err != nil {
		return OrderResult{}, err
	}
	period.Status = PeriodStatusOrdered
	result.Period = period

	s.logger.InfoContext(ctx, "period ordered",
		slog.String("period", period.Name),
		slog.Int("defaulted", result.Defaulted),
		slog.Int("validated", result.Validated),
		slog.Int("cancelled", result.Cancelled))
	s.record(ctx, in.Actor, "period.ordered", "order_period", in.PeriodID, map[string]any{
		"confirm":   in.Confirm,
		"defaulted": result.Defaulted,
	})
	return result, nil
}

// DeliveryDateInput sets the expected delivery date of an article in a period.
type DeliveryDateInput struct {
	PeriodID  uuid.UUID
	ArticleID uuid.UUID
	Date      *time.Time
	Actor     uuid.UUID
}

// SetDeliveryDate stamps the delivery date on every non-draft line of the article.
// A nil date clears it. Returns the number of lines updated.
func (s *Service) SetDeliveryDate(ctx context.Context, in DeliveryDateInput) (int, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return 0, err
	}
	period, err := s.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return 0, err
	}
	if !period.Status.IsActive() {
		return 0, fmt.Errorf("%w: period %q is archived", ErrInvalidState, period.Name)
	}
	lines, err := s.periodLines(ctx, in.PeriodID, RequestFilter{ExcludeStatuses: []RequestStatus{RequestStatusDraft}})
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	for _, pl := range lines {
		if pl.line.ArticleID == in.ArticleID {
			ids = append(ids, pl.line.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	date := in.Date
	if date != nil {
		d := DateOnly(*date)
		date = &d
	}
	if err := s.repo.SetDeliveryDate(ctx, ids, date); err != nil {
		return 0, s.storeError(ctx, "set delivery date", err)
	}
	s.record(ctx, in.Actor, "article.delivery_date", "order_period", in.PeriodID, map[string]any{
		"article_id": in.ArticleID.String(),
		"lines":      len(ids),
	})
	return len(ids), nil
}

// DateOnly truncates t to its calendar date at UTC midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
