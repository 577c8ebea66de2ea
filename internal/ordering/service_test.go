package ordering_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/grouporder/internal/ordering"
	"github.com/odyssey-erp/grouporder/internal/store/memory"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	svc   *ordering.Service
	now   time.Time

	admin, alice, bob, carol uuid.UUID
	finAdmin, circleA        ordering.Circle
	circleB                  ordering.Circle
	articleX, articleY       ordering.Article
	retired                  ordering.Article
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    memory.New(),
		now:      time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		admin:    uuid.New(),
		alice:    uuid.New(),
		bob:      uuid.New(),
		carol:    uuid.New(),
		finAdmin: ordering.Circle{ID: uuid.New(), Name: ordering.DefaultFinAdminCircle},
		circleA:  ordering.Circle{ID: uuid.New(), Name: "Cercle A"},
		circleB:  ordering.Circle{ID: uuid.New(), Name: "Cercle B"},
		articleX: ordering.Article{ID: uuid.New(), Label: "Farine T65", UnitPrice: decimal.RequireFromString("2.50"), Active: true},
		articleY: ordering.Article{ID: uuid.New(), Label: "Huile d'olive", UnitPrice: decimal.RequireFromString("10"), Active: true},
		retired:  ordering.Article{ID: uuid.New(), Label: "Retiré", UnitPrice: decimal.RequireFromString("1"), Active: false},
	}
	for _, c := range []ordering.Circle{f.finAdmin, f.circleA, f.circleB} {
		f.store.AddCircle(c)
	}
	f.store.AddMember(f.admin, f.finAdmin.ID)
	f.store.AddMember(f.alice, f.circleA.ID)
	f.store.AddMember(f.carol, f.circleA.ID)
	f.store.AddMember(f.bob, f.circleB.ID)
	for _, a := range []ordering.Article{f.articleX, f.articleY, f.retired} {
		f.store.AddArticle(a)
	}

	f.svc = ordering.NewService(f.store, ordering.ServiceConfig{
		Clock:  ordering.NewClock(time.UTC, ordering.NewLabels("fr")),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.svc.WithNow(func() time.Time { return f.now })
	return f
}

// cart records a cart and moves the clock forward so requests keep a stable order.
func (f *fixture) cart(member uuid.UUID, circle ordering.Circle, submit bool, lines ...ordering.LineInput) ordering.RequestView {
	f.t.Helper()
	view, err := f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{
		CircleID: circle.ID,
		Member:   member,
		Lines:    lines,
		Submit:   submit,
	})
	require.NoError(f.t, err)
	f.now = f.now.Add(time.Minute)
	return view
}

func (f *fixture) period() ordering.Period {
	f.t.Helper()
	p, err := f.svc.CurrentPeriod(f.ctx)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) line(requestID, articleID uuid.UUID) ordering.RequestLine {
	f.t.Helper()
	lines, err := f.store.ListLines(f.ctx, ordering.LineFilter{RequestIDs: []uuid.UUID{requestID}, ArticleID: &articleID})
	require.NoError(f.t, err)
	require.Len(f.t, lines, 1)
	return lines[0]
}

func (f *fixture) request(id uuid.UUID) ordering.Request {
	f.t.Helper()
	req, err := f.store.GetRequest(f.ctx, id)
	require.NoError(f.t, err)
	return req
}

func (f *fixture) approve(periodID, articleID uuid.UUID, qty int) ordering.ArticleDemand {
	f.t.Helper()
	d, err := f.svc.ApplyApprovedQuantity(f.ctx, ordering.ApproveInput{PeriodID: periodID, ArticleID: articleID, ApprovedQty: qty, Actor: f.admin})
	require.NoError(f.t, err)
	return d
}

func line(article ordering.Article, qty int) ordering.LineInput {
	return ordering.LineInput{ArticleID: article.ID, Qty: qty}
}

type mapCache struct {
	mu   sync.Mutex
	ids  map[string]uuid.UUID
	hits int
}

func (c *mapCache) GetPeriodID(_ context.Context, name string) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[name]
	if ok {
		c.hits++
	}
	return id, ok, nil
}

func (c *mapCache) PutPeriodID(_ context.Context, name string, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[name] = id
	return nil
}

// racyStore hides the first lookup so EnsurePeriod loses the insert race.
type racyStore struct {
	*memory.Store
	missed bool
}

func (r *racyStore) FindPeriodByName(ctx context.Context, name string) (ordering.Period, error) {
	if !r.missed {
		r.missed = true
		return ordering.Period{}, ordering.ErrNotFound
	}
	return r.Store.FindPeriodByName(ctx, name)
}

func TestEnsurePeriodIsIdempotent(t *testing.T) {
	f := newFixture(t)
	window := f.svc.Clock().CurrentWindow(f.now)

	first, err := f.svc.EnsurePeriod(f.ctx, window)
	require.NoError(t, err)
	second, err := f.svc.EnsurePeriod(f.ctx, window)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "01 janv - 15 janv 2025", first.Name)
	assert.Equal(t, ordering.PeriodStatusOpen, first.Status)
	assert.Equal(t, 15, first.CutoffDate.Day())

	periods, err := f.svc.ListPeriods(f.ctx, ordering.PeriodFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestEnsurePeriodConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	window := f.svc.Clock().NextWindow(f.now)

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.EnsurePeriod(f.ctx, window)
			assert.NoError(t, err)
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	periods, err := f.store.ListPeriods(f.ctx, ordering.PeriodFilter{})
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestEnsurePeriodRereadsAfterConflict(t *testing.T) {
	base := memory.New()
	window := ordering.Window{Name: "16 janv - 31 janv 2025", End: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)}
	existing, err := base.InsertPeriod(context.Background(), ordering.Period{ID: uuid.New(), Name: window.Name, Status: ordering.PeriodStatusOpen})
	require.NoError(t, err)

	svc := ordering.NewService(&racyStore{Store: base}, ordering.ServiceConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	got, err := svc.EnsurePeriod(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
}

func TestEnsurePeriodUsesCache(t *testing.T) {
	f := newFixture(t)
	cache := &mapCache{ids: map[string]uuid.UUID{}}
	svc := ordering.NewService(f.store, ordering.ServiceConfig{
		Clock:  ordering.NewClock(time.UTC, ordering.NewLabels("fr")),
		Cache:  cache,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	svc.WithNow(func() time.Time { return f.now })

	created, err := svc.EnsureUpcoming(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "16 janv - 31 janv 2025", created[1].Name)
	assert.Equal(t, 0, cache.hits)

	again, err := svc.EnsureUpcoming(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, created[0].ID, again[0].ID)
	assert.Equal(t, 2, cache.hits)
}

func TestSubmitCartValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{Member: f.alice, Lines: []ordering.LineInput{line(f.articleX, 1)}})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	_, err = f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{CircleID: f.circleA.ID, Member: f.alice})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	_, err = f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{CircleID: f.circleB.ID, Member: f.alice, Lines: []ordering.LineInput{line(f.articleX, 1)}})
	assert.ErrorIs(t, err, ordering.ErrForbidden)

	_, err = f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{CircleID: f.circleA.ID, Member: f.alice, Lines: []ordering.LineInput{line(f.retired, 1)}})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	_, err = f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{CircleID: f.circleA.ID, Member: f.alice, Lines: []ordering.LineInput{line(f.articleX, 0)}})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	missing := uuid.New()
	_, err = f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{CircleID: f.circleA.ID, Member: f.alice, PeriodID: &missing, Lines: []ordering.LineInput{line(f.articleX, 1)}})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	requests, err := f.store.ListRequests(f.ctx, ordering.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestSubmitCartReplacesDraftLines(t *testing.T) {
	f := newFixture(t)

	first := f.cart(f.alice, f.circleA, false, line(f.articleX, 2), line(f.articleY, 1), line(f.articleX, 3))
	assert.Equal(t, ordering.RequestStatusDraft, first.Status)
	require.Len(t, first.Lines, 2)
	assert.Equal(t, f.articleX.ID, first.Lines[0].ArticleID)
	assert.Equal(t, 5, first.Lines[0].Qty)
	assert.Equal(t, "Cercle A", first.CircleName)
	assert.Equal(t, "01 janv - 15 janv 2025", first.PeriodName)
	assert.True(t, decimal.RequireFromString("22.50").Equal(first.Total()))

	second := f.cart(f.alice, f.circleA, true, line(f.articleY, 4))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ordering.RequestStatusSubmitted, second.Status)
	require.Len(t, second.Lines, 1)
	assert.Equal(t, 4, second.Lines[0].Qty)

	_, err := f.svc.SubmitCart(f.ctx, ordering.SubmitCartInput{CircleID: f.circleA.ID, Member: f.alice, Lines: []ordering.LineInput{line(f.articleX, 1)}})
	assert.ErrorIs(t, err, ordering.ErrInvalidState)
	assert.Equal(t, 4, f.line(second.ID, f.articleY.ID).Qty)
}

func TestReplaceLinesRejectsNonDraft(t *testing.T) {
	f := newFixture(t)
	view := f.cart(f.alice, f.circleA, true, line(f.articleX, 2))

	_, err := f.svc.ReplaceLines(f.ctx, view.ID, f.alice, []ordering.LineInput{line(f.articleY, 9)})
	require.ErrorIs(t, err, ordering.ErrInvalidState)
	assert.Equal(t, 2, f.line(view.ID, f.articleX.ID).Qty)

	_, err = f.svc.ReplaceLines(f.ctx, view.ID, f.bob, []ordering.LineInput{line(f.articleY, 9)})
	require.ErrorIs(t, err, ordering.ErrForbidden)
}

func TestSetLineQuantityAndEmptyRequests(t *testing.T) {
	f := newFixture(t)
	view := f.cart(f.alice, f.circleA, false, line(f.articleX, 2))
	lineID := view.Lines[0].ID

	require.NoError(t, f.svc.SetLineQuantity(f.ctx, lineID, f.alice, 7))
	assert.Equal(t, 7, f.line(view.ID, f.articleX.ID).Qty)

	assert.ErrorIs(t, f.svc.SetLineQuantity(f.ctx, lineID, f.alice, -1), ordering.ErrValidation)

	require.NoError(t, f.svc.SetLineQuantity(f.ctx, lineID, f.alice, 0))
	_, err := f.store.GetLine(f.ctx, lineID)
	assert.ErrorIs(t, err, ordering.ErrNotFound)

	views, err := f.svc.CircleRequests(f.ctx, f.circleA.ID, f.alice)
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = f.svc.CircleRequests(f.ctx, f.circleA.ID, f.bob)
	assert.ErrorIs(t, err, ordering.ErrForbidden)

	_, err = f.svc.CircleRequests(f.ctx, f.circleA.ID, f.admin)
	assert.NoError(t, err)
}

func TestAggregateDemandSkipsDrafts(t *testing.T) {
	f := newFixture(t)
	a := f.cart(f.alice, f.circleA, true, line(f.articleX, 5), line(f.articleY, 1))
	f.cart(f.carol, f.circleA, false, line(f.articleX, 100))
	b := f.cart(f.bob, f.circleB, true, line(f.articleX, 3))
	p := f.period()

	demand, err := f.svc.AggregateDemand(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, demand, 2)

	x := demand[f.articleX.ID]
	assert.Equal(t, 8, x.TotalQty)
	require.Len(t, x.Lines, 2)
	assert.Equal(t, a.ID, x.Lines[0].RequestID)
	assert.Equal(t, b.ID, x.Lines[1].RequestID)
	assert.Equal(t, 2, x.Unconfirmed)
	assert.Equal(t, 1, demand[f.articleY.ID].TotalQty)

	list, err := f.svc.Demand(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Farine T65", list[0].Article.Label)
}

func TestAggregateDemandMatchesLineSums(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))
	articles := []ordering.Article{f.articleX, f.articleY}
	want := map[uuid.UUID]int{}

	for i := 0; i < 40; i++ {
		member := uuid.New()
		f.store.AddMember(member, f.circleA.ID)
		submit := rng.Intn(3) > 0
		var lines []ordering.LineInput
		for n := rng.Intn(4) + 1; n > 0; n-- {
			a := articles[rng.Intn(len(articles))]
			qty := rng.Intn(9) + 1
			lines = append(lines, line(a, qty))
			if submit {
				want[a.ID] += qty
			}
		}
		f.cart(member, f.circleA, submit, lines...)
	}

	demand, err := f.svc.AggregateDemand(f.ctx, f.period().ID)
	require.NoError(t, err)
	for id, qty := range want {
		assert.Equal(t, qty, demand[id].TotalQty)
	}
}

func TestApplyApprovedQuantityRedistributes(t *testing.T) {
	f := newFixture(t)
	a := f.cart(f.alice, f.circleA, true, line(f.articleX, 5))
	b := f.cart(f.bob, f.circleB, true, line(f.articleX, 3))
	p := f.period()

	d := f.approve(p.ID, f.articleX.ID, 6)
	assert.Equal(t, 6, d.ApprovedQty)
	assert.Equal(t, 4, *f.line(a.ID, f.articleX.ID).QtyValidated)
	assert.Equal(t, 2, *f.line(b.ID, f.articleX.ID).QtyValidated)

	// a second approval recomputes from the requested quantities
	f.approve(p.ID, f.articleX.ID, 8)
	assert.Equal(t, 5, *f.line(a.ID, f.articleX.ID).QtyValidated)
	assert.Equal(t, 3, *f.line(b.ID, f.articleX.ID).QtyValidated)

	_, err := f.svc.ApplyApprovedQuantity(f.ctx, ordering.ApproveInput{PeriodID: p.ID, ArticleID: f.articleX.ID, ApprovedQty: 9, Actor: f.admin})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	_, err = f.svc.ApplyApprovedQuantity(f.ctx, ordering.ApproveInput{PeriodID: p.ID, ArticleID: f.articleX.ID, ApprovedQty: 1, Actor: f.alice})
	assert.ErrorIs(t, err, ordering.ErrForbidden)

	none := f.approve(p.ID, f.articleY.ID, 0)
	assert.Empty(t, none.Lines)
}

func TestApplyApprovedQuantitySurfacesStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.cart(f.alice, f.circleA, true, line(f.articleX, 5))
	p := f.period()

	boom := errors.New("store down")
	f.store.Fail("SetValidatedQty", boom)
	_, err := f.svc.ApplyApprovedQuantity(f.ctx, ordering.ApproveInput{PeriodID: p.ID, ArticleID: f.articleX.ID, ApprovedQty: 2, Actor: f.admin})
	assert.ErrorIs(t, err, boom)
}

func TestOrderPeriodRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	a := f.cart(f.alice, f.circleA, true, line(f.articleX, 5))
	b := f.cart(f.bob, f.circleB, true, line(f.articleY, 3))
	draft := f.cart(f.carol, f.circleA, false, line(f.articleY, 2))
	p := f.period()

	f.approve(p.ID, f.articleX.ID, 0)

	_, err := f.svc.OrderPeriod(f.ctx, ordering.OrderInput{PeriodID: p.ID, Actor: f.admin})
	require.ErrorIs(t, err, ordering.ErrConsistencyWarning)
	var unconfirmed *ordering.UnconfirmedError
	require.True(t, errors.As(err, &unconfirmed))
	assert.Equal(t, []uuid.UUID{f.articleY.ID}, unconfirmed.ArticleIDs)

	period, err := f.svc.GetPeriod(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ordering.PeriodStatusOpen, period.Status)

	result, err := f.svc.OrderPeriod(f.ctx, ordering.OrderInput{PeriodID: p.ID, Confirm: true, Actor: f.admin})
	require.NoError(t, err)
	assert.Equal(t, ordering.PeriodStatusOrdered, result.Period.Status)
	assert.Equal(t, 1, result.Defaulted)
	assert.Equal(t, 1, result.Validated)
	assert.Equal(t, 1, result.Cancelled)

	assert.Equal(t, ordering.RequestStatusCancelled, f.request(a.ID).Status)
	assert.Equal(t, ordering.RequestStatusValidated, f.request(b.ID).Status)
	assert.Equal(t, ordering.RequestStatusDraft, f.request(draft.ID).Status)
	assert.Equal(t, 3, *f.line(b.ID, f.articleY.ID).QtyValidated)

	_, err = f.svc.OrderPeriod(f.ctx, ordering.OrderInput{PeriodID: p.ID, Confirm: true, Actor: f.admin})
	assert.ErrorIs(t, err, ordering.ErrInvalidState)

	_, err = f.svc.ApplyApprovedQuantity(f.ctx, ordering.ApproveInput{PeriodID: p.ID, ArticleID: f.articleY.ID, ApprovedQty: 1, Actor: f.admin})
	assert.ErrorIs(t, err, ordering.ErrInvalidState)
}

func TestSubmitAndRollbackRequest(t *testing.T) {
	f := newFixture(t)
	view := f.cart(f.alice, f.circleA, false, line(f.articleX, 1))

	_, err := f.svc.SubmitRequest(f.ctx, view.ID, f.bob)
	assert.ErrorIs(t, err, ordering.ErrForbidden)

	req, err := f.svc.SubmitRequest(f.ctx, view.ID, f.alice)
	require.NoError(t, err)
	assert.Equal(t, ordering.RequestStatusSubmitted, req.Status)

	req, err = f.svc.SubmitRequest(f.ctx, view.ID, f.alice)
	require.NoError(t, err)
	assert.Equal(t, ordering.RequestStatusSubmitted, req.Status)

	req, err = f.svc.RollbackRequest(f.ctx, view.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, ordering.RequestStatusDraft, req.Status)

	p := f.period()
	_, err = f.svc.SetPeriodStatus(f.ctx, ordering.SetPeriodStatusInput{PeriodID: p.ID, Status: ordering.PeriodStatusOrdered, Actor: f.admin})
	require.NoError(t, err)

	_, err = f.svc.SubmitRequest(f.ctx, view.ID, f.alice)
	assert.ErrorIs(t, err, ordering.ErrInvalidState)
	assert.Equal(t, ordering.RequestStatusDraft, f.request(view.ID).Status)
}

func TestSubmitRequestRejectsEmptyRequest(t *testing.T) {
	f := newFixture(t)
	view := f.cart(f.alice, f.circleA, false, line(f.articleX, 1))
	require.NoError(t, f.svc.SetLineQuantity(f.ctx, view.Lines[0].ID, f.alice, 0))

	_, err := f.svc.SubmitRequest(f.ctx, view.ID, f.alice)
	assert.ErrorIs(t, err, ordering.ErrValidation)
}

func TestBulkTransition(t *testing.T) {
	f := newFixture(t)
	a := f.cart(f.alice, f.circleA, false, line(f.articleX, 1))
	c := f.cart(f.carol, f.circleA, false, line(f.articleX, 2))
	b := f.cart(f.bob, f.circleB, false, line(f.articleX, 3))
	p := f.period()

	in := ordering.BulkTransitionInput{
		CircleID: f.circleA.ID,
		PeriodID: p.ID,
		From:     []ordering.RequestStatus{ordering.RequestStatusDraft},
		To:       ordering.RequestStatusSubmitted,
		Actor:    f.admin,
	}
	moved, err := f.svc.BulkTransition(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, ordering.RequestStatusSubmitted, f.request(a.ID).Status)
	assert.Equal(t, ordering.RequestStatusSubmitted, f.request(c.ID).Status)
	assert.Equal(t, ordering.RequestStatusDraft, f.request(b.ID).Status)

	in.Actor = f.alice
	_, err = f.svc.BulkTransition(f.ctx, in)
	assert.ErrorIs(t, err, ordering.ErrForbidden)

	in.Actor = f.admin
	in.To = ordering.RequestStatusValidated
	_, err = f.svc.BulkTransition(f.ctx, in)
	assert.ErrorIs(t, err, ordering.ErrValidation)
}

func TestSetPeriodStatusOverride(t *testing.T) {
	f := newFixture(t)
	a := f.cart(f.alice, f.circleA, true, line(f.articleX, 2))
	p := f.period()

	_, err := f.svc.SetPeriodStatus(f.ctx, ordering.SetPeriodStatusInput{PeriodID: p.ID, Status: ordering.PeriodStatusOrdered, Actor: f.alice})
	assert.ErrorIs(t, err, ordering.ErrForbidden)

	_, err = f.svc.SetPeriodStatus(f.ctx, ordering.SetPeriodStatusInput{PeriodID: p.ID, Status: "bogus", Actor: f.admin})
	assert.ErrorIs(t, err, ordering.ErrValidation)

	updated, err := f.svc.SetPeriodStatus(f.ctx, ordering.SetPeriodStatusInput{PeriodID: p.ID, Status: ordering.PeriodStatusOrdered, Actor: f.admin})
	require.NoError(t, err)
	assert.Equal(t, ordering.PeriodStatusOrdered, updated.Status)
	assert.Equal(t, ordering.RequestStatusValidated, f.request(a.ID).Status)

	archived, err := f.svc.SetPeriodStatus(f.ctx, ordering.SetPeriodStatusInput{PeriodID: p.ID, Status: ordering.PeriodStatusArchived, Actor: f.admin})
	require.NoError(t, err)
	assert.Equal(t, ordering.PeriodStatusArchived, archived.Status)

	active, err := f.svc.ListPeriods(f.ctx, ordering.PeriodFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPeriodTotals(t *testing.T) {
	f := newFixture(t)
	f.cart(f.alice, f.circleA, true, line(f.articleX, 5))
	f.cart(f.carol, f.circleA, false, line(f.articleY, 2))
	p := f.period()

	totals, err := f.svc.PeriodTotals(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.50").Equal(totals[ordering.RequestStatusSubmitted]))
	assert.True(t, decimal.RequireFromString("20").Equal(totals[ordering.RequestStatusDraft]))
	assert.True(t, totals[ordering.RequestStatusValidated].IsZero())

	all, err := f.svc.PeriodTotal(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("32.50").Equal(all))

	f.approve(p.ID, f.articleX.ID, 2)
	submitted, err := f.svc.PeriodTotal(f.ctx, p.ID, ordering.RequestStatusSubmitted)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("5").Equal(submitted))
}

func TestCircleOrders(t *testing.T) {
	f := newFixture(t)
	f.cart(f.alice, f.circleA, true, line(f.articleX, 5), line(f.articleY, 1))
	f.cart(f.carol, f.circleA, true, line(f.articleX, 1))
	f.cart(f.bob, f.circleB, true, line(f.articleY, 2))
	p := f.period()

	orders, err := f.svc.CircleOrders(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "Cercle A", orders[0].CircleName)
	require.Len(t, orders[0].Items, 2)
	assert.Equal(t, 6, orders[0].Items[0].Qty)
	assert.True(t, decimal.RequireFromString("25").Equal(orders[0].Total))
	assert.True(t, decimal.RequireFromString("20").Equal(orders[1].Total))
}

func TestEditAfterRollbackRequiresReapproval(t *testing.T) {
	f := newFixture(t)
	a := f.cart(f.alice, f.circleA, true, line(f.articleX, 5))
	b := f.cart(f.bob, f.circleB, true, line(f.articleX, 3))
	p := f.period()
	f.approve(p.ID, f.articleX.ID, 6)

	_, err := f.svc.RollbackRequest(f.ctx, a.ID, f.alice)
	require.NoError(t, err)
	require.NoError(t, f.svc.SetLineQuantity(f.ctx, f.line(a.ID, f.articleX.ID).ID, f.alice, 1))
	assert.Nil(t, f.line(a.ID, f.articleX.ID).QtyValidated)
	assert.Equal(t, 2, *f.line(b.ID, f.articleX.ID).QtyValidated)
	_, err = f.svc.SubmitRequest(f.ctx, a.ID, f.alice)
	require.NoError(t, err)

	_, err = f.svc.OrderPeriod(f.ctx, ordering.OrderInput{PeriodID: p.ID, Actor: f.admin})
	var unconfirmed *ordering.UnconfirmedError
	require.True(t, errors.As(err, &unconfirmed))
	assert.Equal(t, []uuid.UUID{f.articleX.ID}, unconfirmed.ArticleIDs)

	f.approve(p.ID, f.articleX.ID, 3)
	_, err = f.svc.OrderPeriod(f.ctx, ordering.OrderInput{PeriodID: p.ID, Actor: f.admin})
	require.NoError(t, err)

	total := 0
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		l := f.line(id, f.articleX.ID)
		require.NotNil(t, l.QtyValidated)
		assert.LessOrEqual(t, *l.QtyValidated, l.Qty)
		total += *l.QtyValidated
	}
	assert.Equal(t, 3, total)
}

func TestBulkSubmitSkipsEmptyRequests(t *testing.T) {
	f := newFixture(t)
	full := f.cart(f.alice, f.circleA, false, line(f.articleX, 2))
	empty := f.cart(f.carol, f.circleA, false, line(f.articleX, 1))
	require.NoError(t, f.svc.SetLineQuantity(f.ctx, empty.Lines[0].ID, f.carol, 0))
	p := f.period()

	moved, err := f.svc.BulkTransition(f.ctx, ordering.BulkTransitionInput{
		CircleID: f.circleA.ID,
		PeriodID: p.ID,
		From:     []ordering.RequestStatus{ordering.RequestStatusDraft},
		To:       ordering.RequestStatusSubmitted,
		Actor:    f.admin,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, ordering.RequestStatusSubmitted, f.request(full.ID).Status)
	assert.Equal(t, ordering.RequestStatusDraft, f.request(empty.ID).Status)
}

// ctxRecordingStore reports the context the period lookup runs with.
type ctxRecordingStore struct {
	*memory.Store
	seen chan error
}

func (s ctxRecordingStore) FindPeriodByName(ctx context.Context, name string) (ordering.Period, error) {
	select {
	case s.seen <- ctx.Err():
	default:
	}
	return s.Store.FindPeriodByName(ctx, name)
}

func TestEnsurePeriodIgnoresCallerCancellation(t *testing.T) {
	store := ctxRecordingStore{Store: memory.New(), seen: make(chan error, 1)}
	svc := ordering.NewService(store, ordering.ServiceConfig{
		Clock:  ordering.NewClock(time.UTC, ordering.NewLabels("fr")),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	window := svc.Clock().CurrentWindow(time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = svc.EnsurePeriod(cancelled, window)
	require.NoError(t, <-store.seen)

	p, err := svc.EnsurePeriod(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, window.Name, p.Name)
	periods, err := store.ListPeriods(context.Background(), ordering.PeriodFilter{})
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}
