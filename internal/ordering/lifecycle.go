package ordering

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
)

// SubmitRequest sends a draft request. Only while its period is open.
func (s *Service) SubmitRequest(ctx context.Context, requestID, actor uuid.UUID) (Request, error) {
	return s.moveRequest(ctx, requestID, actor, RequestStatusDraft, RequestStatusSubmitted)
}

// RollbackRequest returns a submitted request to draft. Only while its period is open.
func (s *Service) RollbackRequest(ctx context.Context, requestID, actor uuid.UUID) (Request, error) {
	return s.moveRequest(ctx, requestID, actor, RequestStatusSubmitted, RequestStatusDraft)
}

// moveRequest is a guarded single-step transition; repeating it is a no-op.
func (s *Service) moveRequest(ctx context.Context, requestID, actor uuid.UUID, from, to RequestStatus) (Request, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, s.storeError(ctx, "get request", err)
	}
	if err := s.requireOwnerOrAdmin(ctx, req, actor); err != nil {
		return Request{}, err
	}
	if req.Status == to {
		return req, nil
	}
	if req.Status != from {
		return Request{}, fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
	}
	period, err := s.GetPeriod(ctx, req.PeriodID)
	if err != nil {
		return Request{}, err
	}
	if period.Status != PeriodStatusOpen {
		return Request{}, fmt.Errorf("%w: period %q is %s", ErrInvalidState, period.Name, period.Status)
	}
	if to == RequestStatusSubmitted {
		lines, err := s.repo.ListLines(ctx, LineFilter{RequestIDs: []uuid.UUID{requestID}})
		if err != nil {
			return Request{}, s.storeError(ctx, "list lines", err)
		}
		if len(lines) == 0 {
			return Request{}, validationError("request has no lines")
		}
	}

	changed, err := s.repo.UpdateRequestStatus(ctx, requestID, []RequestStatus{from}, to)
	if err != nil {
		return Request{}, s.storeError(ctx, "update request status", err)
	}
	if !changed {
		current, err := s.repo.GetRequest(ctx, requestID)
		if err != nil {
			return Request{}, s.storeError(ctx, "get request", err)
		}
		if current.Status != to {
			return Request{}, fmt.Errorf("%w: request is %s", ErrInvalidState, current.Status)
		}
	}
	req.Status = to
	return req, nil
}

// BulkTransitionInput moves every matching request of a circle in a period.
type BulkTransitionInput struct {
	CircleID uuid.UUID
	PeriodID uuid.UUID
	From     []RequestStatus
	To       RequestStatus
	Actor    uuid.UUID
}

// BulkTransition applies one status change to all matching requests.
// Each row update is atomic on its own; a failure part way leaves earlier rows moved.
func (s *Service) BulkTransition(ctx context.Context, in BulkTransitionInput) (int, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return 0, err
	}
	if len(in.From) == 0 {
		return 0, validationError("at least one source status is required")
	}
	for _, st := range in.From {
		if !st.IsPreOrder() {
			return 0, validationError("source status %q is not allowed", st)
		}
	}
	if !in.To.IsPreOrder() {
		return 0, validationError("target status %q is not allowed", in.To)
	}
	period, err := s.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return 0, err
	}
	if period.Status != PeriodStatusOpen {
		return 0, fmt.Errorf("%w: period %q is %s", ErrInvalidState, period.Name, period.Status)
	}

	requests, err := s.repo.ListRequests(ctx, RequestFilter{
		CircleID:  &in.CircleID,
		PeriodIDs: []uuid.UUID{in.PeriodID},
		Statuses:  in.From,
	})
	if err != nil {
		return 0, s.storeError(ctx, "list requests", err)
	}
	sortRequests(requests)
	var withLines map[uuid.UUID]bool
	if in.To == RequestStatusSubmitted && len(requests) > 0 {
		ids := make([]uuid.UUID, 0, len(requests))
		for _, req := range requests {
			ids = append(ids, req.ID)
		}
		lines, err := s.repo.ListLines(ctx, LineFilter{RequestIDs: ids})
		if err != nil {
			return 0, s.storeError(ctx, "list lines", err)
		}
		withLines = make(map[uuid.UUID]bool, len(lines))
		for _, l := range lines {
			withLines[l.RequestID] = true
		}
	}
	moved := 0
	for _, req := range requests {
		if req.Status == in.To {
			continue
		}
		// empty requests are never submitted
		if withLines != nil && !withLines[req.ID] {
			continue
		}
		changed, err := s.repo.UpdateRequestStatus(ctx, req.ID, in.From, in.To)
		if err != nil {
			return moved, s.storeError(ctx, "bulk transition", err)
		}
		if changed {
			moved++
		}
	}
	s.record(ctx, in.Actor, "requests.bulk_transition", "circle", in.CircleID, map[string]any{
		"period_id": in.PeriodID.String(),
		"to":        string(in.To),
		"moved":     moved,
	})
	return moved, nil
}

// onPeriodOrdered validates the period's submitted requests, cancelling those with nothing to deliver.
func (s *Service) onPeriodOrdered(ctx context.Context, periodID uuid.UUID) (validated, cancelled int, err error) {
	lines, err := s.periodLines(ctx, periodID, RequestFilter{Statuses: []RequestStatus{RequestStatusSubmitted}})
	if err != nil {
		return 0, 0, err
	}
	requests, err := s.repo.ListRequests(ctx, RequestFilter{
		PeriodIDs: []uuid.UUID{periodID},
		Statuses:  []RequestStatus{RequestStatusSubmitted},
	})
	if err != nil {
		return 0, 0, s.storeError(ctx, "list requests", err)
	}
	sortRequests(requests)

	effective := make(map[uuid.UUID]int, len(requests))
	for _, pl := range lines {
		effective[pl.request.ID] += pl.line.EffectiveQty()
	}
	for _, req := range requests {
		target := RequestStatusValidated
		if effective[req.ID] == 0 {
			target = RequestStatusCancelled
		}
		changed, err := s.repo.UpdateRequestStatus(ctx, req.ID, []RequestStatus{RequestStatusSubmitted}, target)
		if err != nil {
			return validated, cancelled, s.storeError(ctx, "validate request", err)
		}
		if !changed {
			continue
		}
		if target == RequestStatusCancelled {
			cancelled++
		} else {
			validated++
		}
	}
	return validated, cancelled, nil
}

// requestReceptionStatus derives a request status from its lines' reception state.
func requestReceptionStatus(lines []RequestLine) RequestStatus {
	total, none := 0, 0
	for _, l := range lines {
		st := l.DerivedReceptionStatus()
		if l.ReceptionStatus != nil {
			st = *l.ReceptionStatus
		}
		switch st {
		case ReceptionTotal:
			total++
		case ReceptionNone:
			none++
		}
	}
	switch {
	case total == len(lines):
		return RequestStatusReceived
	case none == len(lines):
		return RequestStatusValidated
	}
	return RequestStatusWaiting
}

// onReceptionRecorded recomputes a request's status after its lines were received.
func (s *Service) onReceptionRecorded(ctx context.Context, requestID uuid.UUID) (RequestStatus, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return "", s.storeError(ctx, "get request", err)
	}
	if req.Status != RequestStatusValidated && req.Status != RequestStatusWaiting {
		return req.Status, nil
	}
	lines, err := s.repo.ListLines(ctx, LineFilter{RequestIDs: []uuid.UUID{requestID}})
	if err != nil {
		return "", s.storeError(ctx, "list lines", err)
	}
	target := requestReceptionStatus(lines)
	if target == req.Status {
		return req.Status, nil
	}
	if _, err := s.repo.UpdateRequestStatus(ctx, requestID,
		[]RequestStatus{RequestStatusValidated, RequestStatusWaiting}, target); err != nil {
		return "", s.storeError(ctx, "update request status", err)
	}
	return target, nil
}

// settledPeriodStatus derives a period status from its ordered requests.
func settledPeriodStatus(requests []Request) PeriodStatus {
	settled, waiting := 0, 0
	considered := 0
	for _, r := range requests {
		if r.Status.IsPreOrder() {
			continue
		}
		considered++
		if r.Status.IsSettled() {
			settled++
		}
		if r.Status == RequestStatusWaiting {
			waiting++
		}
	}
	switch {
	case settled == considered:
		return PeriodStatusClosed
	case waiting > 0:
		return PeriodStatusWaiting
	}
	return PeriodStatusOrdered
}

// onRequestsSettled moves a period forward once its requests are received. It never moves it back.
func (s *Service) onRequestsSettled(ctx context.Context, periodID uuid.UUID) (PeriodStatus, error) {
	period, err := s.GetPeriod(ctx, periodID)
	if err != nil {
		return "", err
	}
	if !period.Status.InReception() {
		return period.Status, nil
	}
	requests, err := s.repo.ListRequests(ctx, RequestFilter{PeriodIDs: []uuid.UUID{periodID}})
	if err != nil {
		return "", s.storeError(ctx, "list requests", err)
	}
	target := settledPeriodStatus(requests)
	if target.rank() <= period.Status.rank() {
		return period.Status, nil
	}
	changed, err := s.repo.UpdatePeriodStatus(ctx, periodID, []PeriodStatus{period.Status}, target)
	if err != nil {
		return "", s.storeError(ctx, "update period status", err)
	}
	if !changed {
		return period.Status, nil
	}
	s.logger.InfoContext(ctx, "period status derived",
		slog.String("period", period.Name),
		slog.String("from", string(period.Status)),
		slog.String("to", string(target)))
	return target, nil
}

// SetPeriodStatusInput forces a period status.
type SetPeriodStatusInput struct {
	PeriodID uuid.UUID
	Status   PeriodStatus
	Actor    uuid.UUID
}

// SetPeriodStatus is the FinAdmin override; it bypasses derived checks.
// Forcing an open period to ordered still validates its submitted requests.
func (s *Service) SetPeriodStatus(ctx context.Context, in SetPeriodStatusInput) (Period, error) {
	if err := s.requireFinAdmin(ctx, in.Actor); err != nil {
		return Period{}, err
	}
	if !in.Status.IsValid() {
		return Period{}, validationError("unknown period status %q", in.Status)
	}
	period, err := s.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status == in.Status {
		return period, nil
	}
	if _, err := s.repo.UpdatePeriodStatus(ctx, in.PeriodID, nil, in.Status); err != nil {
		return Period{}, s.storeError(ctx, "update period status", err)
	}
	if period.Status == PeriodStatusOpen && in.Status == PeriodStatusOrdered {
		if _, _, err := s.onPeriodOrdered(ctx, in.PeriodID); err != nil {
			return Period{}, err
		}
	}
	s.logger.InfoContext(ctx, "period status overridden",
		slog.String("period", period.Name),
		slog.String("from", string(period.Status)),
		slog.String("to", string(in.Status)))
	s.record(ctx, in.Actor, "period.status_override", "order_period", in.PeriodID, map[string]any{
		"from": string(period.Status),
		"to":   string(in.Status),
	})
	period.Status = in.Status
	return period, nil
}

// sortedIDs returns the set's ids in a stable order.
func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
