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

// ReceptionLine is one line still awaiting delivery.
type ReceptionLine struct {
	LineID      uuid.UUID `json:"line_id"`
	RequestID   uuid.UUID `json:"request_id"`
	PeriodID    uuid.UUID `json:"period_id"`
	CircleID    uuid.UUID `json:"circle_id"`
	Validated   int       `json:"qty_validated"`
	Received    int       `json:"qty_received"`
	Outstanding int       `json:"outstanding"`
}

// ReceptionGroup gathers the lines of one article expected on one delivery date.
type ReceptionGroup struct {
	Key          string          `json:"key"`
	ArticleID    uuid.UUID       `json:"article_id"`
	Article      Article         `json:"article"`
	DeliveryDate *time.Time      `json:"delivery_date,omitempty"`
	Remaining    int             `json:"remaining"`
	Lines        []ReceptionLine `json:"lines"`
}

// GroupKey identifies a reception group.
func GroupKey(articleID uuid.UUID, date *time.Time) string {
	if date == nil {
		return articleID.String() + "/none"
	}
	return articleID.String() + "/" + date.Format(time.DateOnly)
}

// Worklist lists what remains to be received across ordered and waiting periods,
// grouped by article and delivery date. Fully received groups are left out.
func (s *Service) Worklist(ctx context.Context) ([]ReceptionGroup, error) {
	periods, err := s.repo.ListPeriods(ctx, PeriodFilter{Statuses: []PeriodStatus{PeriodStatusOrdered, PeriodStatusWaiting}})
	if err != nil {
		return nil, s.storeError(ctx, "list periods", err)
	}
	if len(periods) == 0 {
		return []ReceptionGroup{}, nil
	}
	sort.SliceStable(periods, func(i, j int) bool { return periods[i].CutoffDate.Before(periods[j].CutoffDate) })

	var lines []periodLine
	for _, p := range periods {
		pls, err := s.periodLines(ctx, p.ID, RequestFilter{ExcludeStatuses: []RequestStatus{RequestStatusDraft}})
		if err != nil {
			return nil, err
		}
		lines = append(lines, pls...)
	}
	articles, err := s.articleIndex(ctx, linesOf(lines))
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*ReceptionGroup)
	for _, pl := range lines {
		outstanding := pl.line.Outstanding()
		if outstanding == 0 {
			continue
		}
		key := GroupKey(pl.line.ArticleID, pl.line.DeliveryDate)
		g, ok := groups[key]
		if !ok {
			g = &ReceptionGroup{
				Key:          key,
				ArticleID:    pl.line.ArticleID,
				Article:      articles[pl.line.ArticleID],
				DeliveryDate: pl.line.DeliveryDate,
			}
			groups[key] = g
		}
		g.Remaining += outstanding
		g.Lines = append(g.Lines, ReceptionLine{
			LineID:      pl.line.ID,
			RequestID:   pl.request.ID,
			PeriodID:    pl.request.PeriodID,
			CircleID:    pl.request.CircleID,
			Validated:   pl.line.EffectiveQty(),
			Received:    pl.line.Received(),
			Outstanding: outstanding,
		})
	}

	out := make([]ReceptionGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].DeliveryDate, out[j].DeliveryDate
		switch {
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		case di != nil && dj != nil && !di.Equal(*dj):
			return di.Before(*dj)
		}
		if out[i].Article.Label != out[j].Article.Label {
			return out[i].Article.Label < out[j].Article.Label
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// ReceptionDecision is the operator's outcome for one group.
type ReceptionDecision struct {
	ArticleID    uuid.UUID       `json:"article_id" validate:"required"`
	DeliveryDate *time.Time      `json:"delivery_date,omitempty"`
	Status       ReceptionStatus `json:"status" validate:"required,oneof=totaly partialy none"`
	Qty          int             `json:"qty" validate:"gte=0"`
	Comment      string          `json:"comment" validate:"max=500"`
}

// ReceptionInput is one reception session.
type ReceptionInput struct {
	Decisions []ReceptionDecision
	Actor     uuid.UUID
}

// ReceptionResult reports the statuses touched by a session.
type ReceptionResult struct {
	Lines    int                         `json:"lines"`
	Requests map[uuid.UUID]RequestStatus `json:"requests"`
	Periods  map[uuid.UUID]PeriodStatus  `json:"periods"`
}

type plannedReception struct {
	group    ReceptionGroup
	decision ReceptionDecision
	received int
}

// ApplyReception records deliveries and folds them into request and period status.
//
// Every decision is checked before anything is written. The received quantity
// of a group is shared across its lines in proportion to what each still awaits,
// so no line ever receives more than it was validated for.
func (s *Service) ApplyReception(ctx context.Context, in ReceptionInput) (ReceptionResult, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return ReceptionResult{}, err
	}
	if len(in.Decisions) == 0 {
		return ReceptionResult{}, validationError("no reception decision given")
	}
	worklist, err := s.Worklist(ctx)
	if err != nil {
		return ReceptionResult{}, err
	}
	byKey := make(map[string]ReceptionGroup, len(worklist))
	for _, g := range worklist {
		byKey[g.Key] = g
	}

	plans := make([]plannedReception, 0, len(in.Decisions))
	seen := make(map[string]struct{}, len(in.Decisions))
	for _, d := range in.Decisions {
		if d.DeliveryDate != nil {
			date := DateOnly(*d.DeliveryDate)
			d.DeliveryDate = &date
		}
		key := GroupKey(d.ArticleID, d.DeliveryDate)
		if _, dup := seen[key]; dup {
			return ReceptionResult{}, validationError("duplicate decision for %s", key)
		}
		seen[key] = struct{}{}
		g, ok := byKey[key]
		if !ok {
			return ReceptionResult{}, validationError("nothing left to receive for %s", key)
		}
		var received int
		switch d.Status {
		case ReceptionTotal:
			received = g.Remaining
		case ReceptionPartial:
			if d.Qty < 0 || d.Qty > g.Remaining {
				return ReceptionResult{}, validationError("received quantity %d must be between 0 and %d", d.Qty, g.Remaining)
			}
			received = d.Qty
		case ReceptionNone:
			received = 0
		default:
			return ReceptionResult{}, validationError("unknown reception status %q", d.Status)
		}
		plans = append(plans, plannedReception{group: g, decision: d, received: received})
	}

	at := s.now()
	result := ReceptionResult{
		Requests: make(map[uuid.UUID]RequestStatus),
		Periods:  make(map[uuid.UUID]PeriodStatus),
	}
	requests := make(map[uuid.UUID]struct{})
	periods := make(map[uuid.UUID]struct{})
	for _, plan := range plans {
		if err := s.receiveGroup(ctx, plan, in.Actor, at); err != nil {
			return ReceptionResult{}, err
		}
		result.Lines += len(plan.group.Lines)
		for _, l := range plan.group.Lines {
			requests[l.RequestID] = struct{}{}
			periods[l.PeriodID] = struct{}{}
		}
	}

	for _, id := range sortedIDs(requests) {
		st, err := s.onReceptionRecorded(ctx, id)
		if err != nil {
			return result, err
		}
		result.Requests[id] = st
	}
	for _, id := range sortedIDs(periods) {
		st, err := s.onRequestsSettled(ctx, id)
		if err != nil {
			return result, err
		}
		result.Periods[id] = st
	}

	s.logger.InfoContext(ctx, "reception applied",
		slog.Int("groups", len(plans)),
		slog.Int("lines", result.Lines),
		slog.Int("requests", len(result.Requests)))
	s.record(ctx, in.Actor, "reception.applied", "reception", uuid.Nil, map[string]any{
		"groups": len(plans),
		"lines":  result.Lines,
	})
	return result, nil
}

// receiveGroup writes one group's shares concurrently and waits for all of them.
func (s *Service) receiveGroup(ctx context.Context, plan plannedReception, actor uuid.UUID, at time.Time) error {
	weights := make([]int, len(plan.group.Lines))
	for i, l := range plan.group.Lines {
		weights[i] = l.Outstanding
	}
	shares, err := allocation.Apportion(weights, plan.received)
	if errors.Is(err, allocation.ErrNoWeight) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range plan.group.Lines {
		received := l.Received + shares[i]
		rec := LineReception{
			QtyReceived: received,
			Status:      receptionStatusFor(l.Validated, received),
			Comment:     plan.decision.Comment,
			Date:        at,
			User:        actor,
		}
		lineID := l.LineID
		g.Go(func() error {
			return s.repo.RecordReception(gctx, lineID, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return s.storeError(ctx, "record reception", err)
	}
	return nil
}
