package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// UpsertRequest returns the member's unsettled request for the circle and period,
// creating a draft when there is none.
func (s *Service) UpsertRequest(ctx context.Context, circleID, periodID, member uuid.UUID) (Request, error) {
	return upsertRequest(ctx, s.repo, circleID, periodID, member, s.now)
}

func upsertRequest(ctx context.Context, repo Repository, circleID, periodID, member uuid.UUID, now func() time.Time) (Request, error) {
	existing, err := repo.ListRequests(ctx, RequestFilter{
		CircleID:        &circleID,
		PeriodIDs:       []uuid.UUID{periodID},
		CreatedBy:       &member,
		ExcludeStatuses: []RequestStatus{RequestStatusReceived, RequestStatusCancelled},
	})
	if err != nil {
		return Request{}, fmt.Errorf("list requests: %w", err)
	}
	if len(existing) > 0 {
		sortRequests(existing)
		return existing[0], nil
	}
	created, err := repo.InsertRequest(ctx, Request{
		ID:        uuid.New(),
		CircleID:  circleID,
		PeriodID:  periodID,
		CreatedBy: member,
		Status:    RequestStatusDraft,
		CreatedAt: now(),
	})
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	return created, nil
}

// ReplaceLines swaps the whole line set of a draft request.
// Duplicate articles are merged; an empty set leaves a request hidden from circle views.
func (s *Service) ReplaceLines(ctx context.Context, requestID, actor uuid.UUID, inputs []LineInput) ([]RequestLine, error) {
	lines, err := s.normaliseLines(ctx, requestID, inputs)
	if err != nil {
		return nil, err
	}
	var stored []RequestLine
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := s.requireOwnerOrAdmin(ctx, req, actor); err != nil {
			return err
		}
		if !req.Status.CanEdit() {
			return fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
		}
		stored, err = tx.ReplaceLines(ctx, requestID, lines)
		return err
	})
	if err != nil {
		return nil, s.storeError(ctx, "replace lines", err)
	}
	return stored, nil
}

// normaliseLines validates inputs against the catalog and merges duplicates in first-seen order.
func (s *Service) normaliseLines(ctx context.Context, requestID uuid.UUID, inputs []LineInput) ([]RequestLine, error) {
	merged := make([]RequestLine, 0, len(inputs))
	index := make(map[uuid.UUID]int, len(inputs))
	ids := make([]uuid.UUID, 0, len(inputs))
	for _, in := range inputs {
		if in.ArticleID == uuid.Nil {
			return nil, validationError("article is required")
		}
		if in.Qty <= 0 {
			return nil, validationError("quantity for article %s must be positive", in.ArticleID)
		}
		if i, ok := index[in.ArticleID]; ok {
			merged[i].Qty += in.Qty
			continue
		}
		index[in.ArticleID] = len(merged)
		ids = append(ids, in.ArticleID)
		merged = append(merged, RequestLine{
			ID:        uuid.New(),
			RequestID: requestID,
			ArticleID: in.ArticleID,
			Position:  len(merged),
			Qty:       in.Qty,
		})
	}
	if len(ids) == 0 {
		return merged, nil
	}
	articles, err := s.repo.ListArticles(ctx, ids)
	if err != nil {
		return nil, s.storeError(ctx, "list articles", err)
	}
	active := make(map[uuid.UUID]bool, len(articles))
	for _, a := range articles {
		active[a.ID] = a.Active
	}
	for _, id := range ids {
		if !active[id] {
			return nil, validationError("article %s is not orderable", id)
		}
	}
	return merged, nil
}

// SetLineQuantity edits one line of a draft request; zero removes the line.
func (s *Service) SetLineQuantity(ctx context.Context, lineID, actor uuid.UUID, qty int) error {
	if qty < 0 {
		return validationError("quantity must not be negative")
	}
	line, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return s.storeError(ctx, "get line", err)
	}
	req, err := s.repo.GetRequest(ctx, line.RequestID)
	if err != nil {
		return s.storeError(ctx, "get request", err)
	}
	if err := s.requireOwnerOrAdmin(ctx, req, actor); err != nil {
		return err
	}
	if !req.Status.CanEdit() {
		return fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
	}
	if qty == 0 {
		err = s.repo.DeleteLine(ctx, lineID)
	} else {
		err = s.repo.UpdateLineQty(ctx, lineID, qty)
	}
	if err != nil {
		return s.storeError(ctx, "set line quantity", err)
	}
	return nil
}

// SubmitCartInput is the member facing "validate my order" payload.
type SubmitCartInput struct {
	CircleID uuid.UUID   `json:"circle_id"`
	PeriodID *uuid.UUID  `json:"period_id,omitempty"`
	Lines    []LineInput `json:"lines" validate:"dive"`
	Submit   bool        `json:"submit"`
	Member   uuid.UUID   `json:"-"`
}

// SubmitCart records a member's cart into their request for the target period.
// Without an explicit period the cart targets the current window.
func (s *Service) SubmitCart(ctx context.Context, in SubmitCartInput) (RequestView, error) {
	if in.CircleID == uuid.Nil {
		return RequestView{}, validationError("no circle selected")
	}
	if len(in.Lines) == 0 {
		return RequestView{}, validationError("cart is empty")
	}
	circles, err := s.repo.MemberCircles(ctx, in.Member)
	if err != nil {
		return RequestView{}, s.storeError(ctx, "member circles", err)
	}
	if !containsCircle(circles, in.CircleID) {
		return RequestView{}, fmt.Errorf("%w: not a member of circle %s", ErrForbidden, in.CircleID)
	}

	var period Period
	if in.PeriodID != nil {
		period, err = s.repo.GetPeriod(ctx, *in.PeriodID)
		if errors.Is(err, ErrNotFound) {
			return RequestView{}, validationError("period %s does not exist", *in.PeriodID)
		}
	} else {
		period, err = s.CurrentPeriod(ctx)
	}
	if err != nil {
		return RequestView{}, s.storeError(ctx, "resolve period", err)
	}
	if period.Status != PeriodStatusOpen {
		return RequestView{}, fmt.Errorf("%w: period %q is %s", ErrInvalidState, period.Name, period.Status)
	}

	var req Request
	lines, err := s.normaliseLines(ctx, uuid.Nil, in.Lines)
	if err != nil {
		return RequestView{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		req, err = upsertRequest(ctx, tx, in.CircleID, period.ID, in.Member, s.now)
		if err != nil {
			return err
		}
		if !req.Status.CanEdit() {
			return fmt.Errorf("%w: request already %s", ErrInvalidState, req.Status)
		}
		for i := range lines {
			lines[i].RequestID = req.ID
		}
		if _, err := tx.ReplaceLines(ctx, req.ID, lines); err != nil {
			return err
		}
		if in.Submit {
			if _, err := tx.UpdateRequestStatus(ctx, req.ID, []RequestStatus{RequestStatusDraft}, RequestStatusSubmitted); err != nil {
				return err
			}
			req.Status = RequestStatusSubmitted
		}
		return nil
	})
	if err != nil {
		return RequestView{}, s.storeError(ctx, "submit cart", err)
	}
	s.logger.InfoContext(ctx, "cart recorded",
		slog.String("request_id", req.ID.String()),
		slog.String("period", period.Name),
		slog.Int("lines", len(lines)))

	views, err := s.buildViews(ctx, []Request{req}, true)
	if err != nil {
		return RequestView{}, err
	}
	if len(views) == 0 {
		return RequestView{}, ErrNotFound
	}
	return views[0], nil
}

// CircleRequests lists the circle's requests with lines, hiding empty ones.
func (s *Service) CircleRequests(ctx context.Context, circleID, actor uuid.UUID) ([]RequestView, error) {
	if err := s.requireCircleAccess(ctx, circleID, actor); err != nil {
		return nil, err
	}
	requests, err := s.repo.ListRequests(ctx, RequestFilter{CircleID: &circleID})
	if err != nil {
		return nil, s.storeError(ctx, "list requests", err)
	}
	return s.buildViews(ctx, requests, false)
}

// MemberCircles returns the circles the member belongs to.
func (s *Service) MemberCircles(ctx context.Context, member uuid.UUID) ([]Circle, error) {
	circles, err := s.repo.MemberCircles(ctx, member)
	if err != nil {
		return nil, s.storeError(ctx, "member circles", err)
	}
	sort.SliceStable(circles, func(i, j int) bool { return circles[i].Name < circles[j].Name })
	return circles, nil
}

// buildViews joins requests with their circle, period, lines and articles.
func (s *Service) buildViews(ctx context.Context, requests []Request, keepEmpty bool) ([]RequestView, error) {
	if len(requests) == 0 {
		return []RequestView{}, nil
	}
	ids := make([]uuid.UUID, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	lines, err := s.repo.ListLines(ctx, LineFilter{RequestIDs: ids})
	if err != nil {
		return nil, s.storeError(ctx, "list lines", err)
	}
	articles, err := s.articleIndex(ctx, lines)
	if err != nil {
		return nil, err
	}
	circles, err := s.repo.ListCircles(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "list circles", err)
	}
	periods, err := s.repo.ListPeriods(ctx, PeriodFilter{IncludeArchived: true})
	if err != nil {
		return nil, s.storeError(ctx, "list periods", err)
	}

	circleNames := make(map[uuid.UUID]string, len(circles))
	for _, c := range circles {
		circleNames[c.ID] = c.Name
	}
	periodByID := make(map[uuid.UUID]Period, len(periods))
	for _, p := range periods {
		periodByID[p.ID] = p
	}
	byRequest := make(map[uuid.UUID][]LineView, len(requests))
	for _, l := range lines {
		byRequest[l.RequestID] = append(byRequest[l.RequestID], LineView{RequestLine: l, Article: articles[l.ArticleID]})
	}

	views := make([]RequestView, 0, len(requests))
	for _, r := range requests {
		rl := byRequest[r.ID]
		if len(rl) == 0 && !keepEmpty {
			continue
		}
		sort.SliceStable(rl, func(i, j int) bool { return rl[i].Position < rl[j].Position })
		if rl == nil {
			rl = []LineView{}
		}
		views = append(views, RequestView{
			Request:    r,
			CircleName: circleNames[r.CircleID],
			PeriodName: periodByID[r.PeriodID].Name,
			Lines:      rl,
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		pi, pj := periodByID[views[i].PeriodID], periodByID[views[j].PeriodID]
		if !pi.CutoffDate.Equal(pj.CutoffDate) {
			return pi.CutoffDate.After(pj.CutoffDate)
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views, nil
}

func (s *Service) articleIndex(ctx context.Context, lines []RequestLine) (map[uuid.UUID]Article, error) {
	seen := make(map[uuid.UUID]struct{}, len(lines))
	ids := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ArticleID]; ok {
			continue
		}
		seen[l.ArticleID] = struct{}{}
		ids = append(ids, l.ArticleID)
	}
	index := make(map[uuid.UUID]Article, len(ids))
	if len(ids) == 0 {
		return index, nil
	}
	articles, err := s.repo.ListArticles(ctx, ids)
	if err != nil {
		return nil, s.storeError(ctx, "list articles", err)
	}
	for _, a := range articles {
		index[a.ID] = a
	}
	return index, nil
}

func (s *Service) requireOwnerOrAdmin(ctx context.Context, req Request, actor uuid.UUID) error {
	if actor != uuid.Nil && req.CreatedBy == actor {
		return nil
	}
	return s.requireFinAdmin(ctx, actor)
}

func (s *Service) requireCircleAccess(ctx context.Context, circleID, actor uuid.UUID) error {
	circles, err := s.repo.MemberCircles(ctx, actor)
	if err != nil {
		return s.storeError(ctx, "member circles", err)
	}
	if containsCircle(circles, circleID) {
		return nil
	}
	for _, c := range circles {
		if c.Name == s.finAdminCircle {
			return nil
		}
	}
	return ErrForbidden
}

func containsCircle(circles []Circle, id uuid.UUID) bool {
	for _, c := range circles {
		if c.ID == id {
			return true
		}
	}
	return false
}

// sortRequests orders requests by creation time, then id.
func sortRequests(requests []Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.Before(requests[j].CreatedAt)
		}
		return requests[i].ID.String() < requests[j].ID.String()
	})
}
