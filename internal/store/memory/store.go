// Package memory is an in-process ordering.Repository used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/grouporder/internal/ordering"
)

// Store keeps every collection in maps guarded by one mutex.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data state

	failures map[string]error
}

type state struct {
	periods  map[uuid.UUID]ordering.Period
	circles  map[uuid.UUID]ordering.Circle
	members  map[uuid.UUID]map[uuid.UUID]struct{}
	articles map[uuid.UUID]ordering.Article
	requests map[uuid.UUID]ordering.Request
	lines    map[uuid.UUID]ordering.RequestLine
}

// Verify interface compliance
var _ ordering.Repository = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		data: state{
			periods:  make(map[uuid.UUID]ordering.Period),
			circles:  make(map[uuid.UUID]ordering.Circle),
			members:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
			articles: make(map[uuid.UUID]ordering.Article),
			requests: make(map[uuid.UUID]ordering.Request),
			lines:    make(map[uuid.UUID]ordering.RequestLine),
		},
		failures: make(map[string]error),
	}
}

func (s state) clone() state {
	c := state{
		periods:  make(map[uuid.UUID]ordering.Period, len(s.periods)),
		circles:  make(map[uuid.UUID]ordering.Circle, len(s.circles)),
		members:  make(map[uuid.UUID]map[uuid.UUID]struct{}, len(s.members)),
		articles: make(map[uuid.UUID]ordering.Article, len(s.articles)),
		requests: make(map[uuid.UUID]ordering.Request, len(s.requests)),
		lines:    make(map[uuid.UUID]ordering.RequestLine, len(s.lines)),
	}
	for k, v := range s.periods {
		c.periods[k] = v
	}
	for k, v := range s.circles {
		c.circles[k] = v
	}
	for k, v := range s.members {
		set := make(map[uuid.UUID]struct{}, len(v))
		for id := range v {
			set[id] = struct{}{}
		}
		c.members[k] = set
	}
	for k, v := range s.articles {
		c.articles[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	return c
}

// AddCircle seeds a circle.
func (s *Store) AddCircle(c ordering.Circle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.circles[c.ID] = c
}

// AddMember adds member to a circle.
func (s *Store) AddMember(member, circleID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.data.members[member]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		s.data.members[member] = set
	}
	set[circleID] = struct{}{}
}

// AddArticle seeds a catalog article.
func (s *Store) AddArticle(a ordering.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.articles[a.ID] = a
}

// Fail makes the named operation return err until cleared with a nil err.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) failure(op string) error {
	return s.failures[op]
}

// WithTx runs fn serialised with other transactions and restores the previous state when it fails.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ordering.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// FindPeriodByName looks a period up by its natural key.
func (s *Store) FindPeriodByName(_ context.Context, name string) (ordering.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("FindPeriodByName"); err != nil {
		return ordering.Period{}, err
	}
	for _, p := range s.data.periods {
		if p.Name == name {
			return p, nil
		}
	}
	return ordering.Period{}, ordering.ErrNotFound
}

// GetPeriod returns a period by id.
func (s *Store) GetPeriod(_ context.Context, id uuid.UUID) (ordering.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.periods[id]
	if !ok {
		return ordering.Period{}, ordering.ErrNotFound
	}
	return p, nil
}

// ListPeriods returns matching periods by cutoff date.
func (s *Store) ListPeriods(_ context.Context, filter ordering.PeriodFilter) ([]ordering.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("ListPeriods"); err != nil {
		return nil, err
	}
	out := make([]ordering.Period, 0, len(s.data.periods))
	for _, p := range s.data.periods {
		if len(filter.Statuses) > 0 {
			if !containsPeriodStatus(filter.Statuses, p.Status) {
				continue
			}
		} else if !filter.IncludeArchived && p.Status == ordering.PeriodStatusArchived {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CutoffDate.Equal(out[j].CutoffDate) {
			return out[i].CutoffDate.After(out[j].CutoffDate)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// InsertPeriod stores a period; names are unique.
func (s *Store) InsertPeriod(_ context.Context, p ordering.Period) (ordering.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertPeriod"); err != nil {
		return ordering.Period{}, err
	}
	for _, existing := range s.data.periods {
		if existing.Name == p.Name {
			return ordering.Period{}, ordering.ErrConflict
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.data.periods[p.ID] = p
	return p, nil
}

// UpdatePeriodStatus sets the status when the current one is in from.
func (s *Store) UpdatePeriodStatus(_ context.Context, id uuid.UUID, from []ordering.PeriodStatus, to ordering.PeriodStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdatePeriodStatus"); err != nil {
		return false, err
	}
	p, ok := s.data.periods[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !containsPeriodStatus(from, p.Status) {
		return false, nil
	}
	p.Status = to
	s.data.periods[id] = p
	return true, nil
}

// GetCircle returns a circle by id.
func (s *Store) GetCircle(_ context.Context, id uuid.UUID) (ordering.Circle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data.circles[id]
	if !ok {
		return ordering.Circle{}, ordering.ErrNotFound
	}
	return c, nil
}

// ListCircles returns every circle by name.
func (s *Store) ListCircles(_ context.Context) ([]ordering.Circle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ordering.Circle, 0, len(s.data.circles))
	for _, c := range s.data.circles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MemberCircles returns the circles member belongs to.
func (s *Store) MemberCircles(_ context.Context, member uuid.UUID) ([]ordering.Circle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("MemberCircles"); err != nil {
		return nil, err
	}
	out := []ordering.Circle{}
	for id := range s.data.members[member] {
		if c, ok := s.data.circles[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListArticles returns the articles with the given ids.
func (s *Store) ListArticles(_ context.Context, ids []uuid.UUID) ([]ordering.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ordering.Article, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.data.articles[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListRequests returns requests matching filter by creation time.
func (s *Store) ListRequests(_ context.Context, filter ordering.RequestFilter) ([]ordering.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("ListRequests"); err != nil {
		return nil, err
	}
	out := []ordering.Request{}
	for _, r := range s.data.requests {
		if filter.CircleID != nil && r.CircleID != *filter.CircleID {
			continue
		}
		if filter.CreatedBy != nil && r.CreatedBy != *filter.CreatedBy {
			continue
		}
		if len(filter.PeriodIDs) > 0 && !containsID(filter.PeriodIDs, r.PeriodID) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsRequestStatus(filter.Statuses, r.Status) {
			continue
		}
		if containsRequestStatus(filter.ExcludeStatuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// GetRequest returns a request by id.
func (s *Store) GetRequest(_ context.Context, id uuid.UUID) (ordering.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.requests[id]
	if !ok {
		return ordering.Request{}, ordering.ErrNotFound
	}
	return r, nil
}

// InsertRequest stores a request.
func (s *Store) InsertRequest(_ context.Context, r ordering.Request) (ordering.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertRequest"); err != nil {
		return ordering.Request{}, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.data.requests[r.ID] = r
	return r, nil
}

// UpdateRequestStatus sets the status when the current one is in from.
func (s *Store) UpdateRequestStatus(_ context.Context, id uuid.UUID, from []ordering.RequestStatus, to ordering.RequestStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateRequestStatus"); err != nil {
		return false, err
	}
	r, ok := s.data.requests[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !containsRequestStatus(from, r.Status) {
		return false, nil
	}
	r.Status = to
	s.data.requests[id] = r
	return true, nil
}

// ListLines returns lines matching filter ordered by request and position.
func (s *Store) ListLines(_ context.Context, filter ordering.LineFilter) ([]ordering.RequestLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("ListLines"); err != nil {
		return nil, err
	}
	out := []ordering.RequestLine{}
	for _, l := range s.data.lines {
		if len(filter.RequestIDs) > 0 && !containsID(filter.RequestIDs, l.RequestID) {
			continue
		}
		if filter.ArticleID != nil && l.ArticleID != *filter.ArticleID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestID != out[j].RequestID {
			return out[i].RequestID.String() < out[j].RequestID.String()
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// GetLine returns a line by id.
func (s *Store) GetLine(_ context.Context, id uuid.UUID) (ordering.RequestLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.data.lines[id]
	if !ok {
		return ordering.RequestLine{}, ordering.ErrNotFound
	}
	return l, nil
}

// ReplaceLines deletes the request's lines and inserts the new set.
func (s *Store) ReplaceLines(_ context.Context, requestID uuid.UUID, lines []ordering.RequestLine) ([]ordering.RequestLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ReplaceLines"); err != nil {
		return nil, err
	}
	for id, l := range s.data.lines {
		if l.RequestID == requestID {
			delete(s.data.lines, id)
		}
	}
	out := make([]ordering.RequestLine, 0, len(lines))
	for i, l := range lines {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.RequestID = requestID
		l.Position = i
		s.data.lines[l.ID] = l
		out = append(out, l)
	}
	return out, nil
}

// UpdateLineQty changes the requested quantity and clears the validated one.
func (s *Store) UpdateLineQty(_ context.Context, id uuid.UUID, qty int) error {
	return s.updateLine("UpdateLineQty", id, func(l *ordering.RequestLine) {
		l.Qty = qty
		l.QtyValidated = nil
	})
}

// DeleteLine removes a line.
func (s *Store) DeleteLine(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeleteLine"); err != nil {
		return err
	}
	if _, ok := s.data.lines[id]; !ok {
		return ordering.ErrNotFound
	}
	delete(s.data.lines, id)
	return nil
}

// SetValidatedQty writes the admin-approved quantity.
func (s *Store) SetValidatedQty(_ context.Context, id uuid.UUID, qty int) error {
	return s.updateLine("SetValidatedQty", id, func(l *ordering.RequestLine) {
		v := qty
		l.QtyValidated = &v
	})
}

// SetDeliveryDate stamps the delivery date on lines.
func (s *Store) SetDeliveryDate(_ context.Context, ids []uuid.UUID, date *time.Time) error {
	for _, id := range ids {
		err := s.updateLine("SetDeliveryDate", id, func(l *ordering.RequestLine) {
			if date == nil {
				l.DeliveryDate = nil
				return
			}
			d := *date
			l.DeliveryDate = &d
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordReception writes the reception outcome of a line.
func (s *Store) RecordReception(_ context.Context, id uuid.UUID, rec ordering.LineReception) error {
	return s.updateLine("RecordReception", id, func(l *ordering.RequestLine) {
		qty, status, date, user := rec.QtyReceived, rec.Status, rec.Date, rec.User
		l.QtyReceived = &qty
		l.ReceptionStatus = &status
		l.ReceptionComment = rec.Comment
		l.ReceptionDate = &date
		l.ReceptionUser = &user
	})
}

func (s *Store) updateLine(op string, id uuid.UUID, mutate func(*ordering.RequestLine)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(op); err != nil {
		return err
	}
	l, ok := s.data.lines[id]
	if !ok {
		return ordering.ErrNotFound
	}
	mutate(&l)
	s.data.lines[id] = l
	return nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsPeriodStatus(statuses []ordering.PeriodStatus, st ordering.PeriodStatus) bool {
	for _, v := range statuses {
		if v == st {
			return true
		}
	}
	return false
}

func containsRequestStatus(statuses []ordering.RequestStatus, st ordering.RequestStatus) bool {
	for _, v := range statuses {
		if v == st {
			return true
		}
	}
	return false
}
