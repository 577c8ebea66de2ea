package ordering

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContributingLine is one request line feeding an article's demand.
type ContributingLine struct {
	RequestID    uuid.UUID `json:"request_id"`
	LineID       uuid.UUID `json:"line_id"`
	CircleID     uuid.UUID `json:"circle_id"`
	Qty          int       `json:"qty"`
	QtyValidated *int      `json:"qty_validated,omitempty"`
}

// ArticleDemand is the period-wide demand for one article.
type ArticleDemand struct {
	ArticleID   uuid.UUID          `json:"article_id"`
	Article     Article            `json:"article"`
	TotalQty    int                `json:"total_qty"`
	ApprovedQty int                `json:"approved_qty"`
	Unconfirmed int                `json:"unconfirmed_lines"`
	Lines       []ContributingLine `json:"lines"`
}

// Weights returns the requested quantities in contributing order.
func (d ArticleDemand) Weights() []int {
	weights := make([]int, len(d.Lines))
	for i, l := range d.Lines {
		weights[i] = l.Qty
	}
	return weights
}

// periodLine pairs a line with its owning request.
type periodLine struct {
	request Request
	line    RequestLine
}

// periodLines loads the period's lines in stable order: request creation, then line position.
func (s *Service) periodLines(ctx context.Context, periodID uuid.UUID, filter RequestFilter) ([]periodLine, error) {
	filter.PeriodIDs = []uuid.UUID{periodID}
	requests, err := s.repo.ListRequests(ctx, filter)
	if err != nil {
		return nil, s.storeError(ctx, "list requests", err)
	}
	if len(requests) == 0 {
		return nil, nil
	}
	sortRequests(requests)
	ids := make([]uuid.UUID, 0, len(requests))
	order := make(map[uuid.UUID]int, len(requests))
	for i, r := range requests {
		ids = append(ids, r.ID)
		order[r.ID] = i
	}
	lines, err := s.repo.ListLines(ctx, LineFilter{RequestIDs: ids})
	if err != nil {
		return nil, s.storeError(ctx, "list lines", err)
	}
	sort.SliceStable(lines, func(i, j int) bool {
		oi, oj := order[lines[i].RequestID], order[lines[j].RequestID]
		if oi != oj {
			return oi < oj
		}
		return lines[i].Position < lines[j].Position
	})
	out := make([]periodLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, periodLine{request: requests[order[l.RequestID]], line: l})
	}
	return out, nil
}

// AggregateDemand rolls up every non-draft line of the period per article.
func (s *Service) AggregateDemand(ctx context.Context, periodID uuid.UUID) (map[uuid.UUID]ArticleDemand, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	lines, err := s.periodLines(ctx, periodID, RequestFilter{ExcludeStatuses: []RequestStatus{RequestStatusDraft}})
	if err != nil {
		return nil, err
	}
	demand := make(map[uuid.UUID]ArticleDemand)
	for _, pl := range lines {
		d := demand[pl.line.ArticleID]
		d.ArticleID = pl.line.ArticleID
		d.TotalQty += pl.line.Qty
		d.ApprovedQty += pl.line.EffectiveQty()
		if pl.line.QtyValidated == nil {
			d.Unconfirmed++
		}
		d.Lines = append(d.Lines, ContributingLine{
			RequestID:    pl.request.ID,
			LineID:       pl.line.ID,
			CircleID:     pl.request.CircleID,
			Qty:          pl.line.Qty,
			QtyValidated: pl.line.QtyValidated,
		})
		demand[pl.line.ArticleID] = d
	}
	return demand, nil
}

// Demand returns AggregateDemand as a list sorted by article label, with article details.
func (s *Service) Demand(ctx context.Context, periodID uuid.UUID) ([]ArticleDemand, error) {
	demand, err := s.AggregateDemand(ctx, periodID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	out := make([]ArticleDemand, 0, len(demand))
	if len(ids) == 0 {
		return out, nil
	}
	articles, err := s.repo.ListArticles(ctx, ids)
	if err != nil {
		return nil, s.storeError(ctx, "list articles", err)
	}
	for _, a := range articles {
		if d, ok := demand[a.ID]; ok {
			d.Article = a
			demand[a.ID] = d
		}
	}
	for _, d := range demand {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Article.Label != out[j].Article.Label {
			return out[i].Article.Label < out[j].Article.Label
		}
		return out[i].ArticleID.String() < out[j].ArticleID.String()
	})
	return out, nil
}

// PeriodTotal sums unit price times effective quantity, optionally restricted to statuses.
func (s *Service) PeriodTotal(ctx context.Context, periodID uuid.UUID, statuses ...RequestStatus) (decimal.Decimal, error) {
	lines, err := s.periodLines(ctx, periodID, RequestFilter{Statuses: statuses})
	if err != nil {
		return decimal.Zero, err
	}
	prices, err := s.priceIndex(ctx, lines)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, pl := range lines {
		total = total.Add(lineAmount(prices[pl.line.ArticleID], pl.line))
	}
	return total, nil
}

// PeriodTotals returns the running total per request status.
func (s *Service) PeriodTotals(ctx context.Context, periodID uuid.UUID) (map[RequestStatus]decimal.Decimal, error) {
	lines, err := s.periodLines(ctx, periodID, RequestFilter{})
	if err != nil {
		return nil, err
	}
	prices, err := s.priceIndex(ctx, lines)
	if err != nil {
		return nil, err
	}
	totals := make(map[RequestStatus]decimal.Decimal, len(RequestStatuses))
	for _, st := range RequestStatuses {
		totals[st] = decimal.Zero
	}
	for _, pl := range lines {
		totals[pl.request.Status] = totals[pl.request.Status].Add(lineAmount(prices[pl.line.ArticleID], pl.line))
	}
	return totals, nil
}

// OrderItem is one article of a circle's order.
type OrderItem struct {
	ArticleID uuid.UUID       `json:"article_id"`
	Label     string          `json:"label"`
	Reference string          `json:"reference"`
	Supplier  string          `json:"supplier"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Qty       int             `json:"qty"`
	Total     decimal.Decimal `json:"total"`
}

// CircleOrder is the per-circle rollup of a period's non-draft requests.
type CircleOrder struct {
	CircleID   uuid.UUID       `json:"circle_id"`
	CircleName string          `json:"circle_name"`
	Items      []OrderItem     `json:"items"`
	Total      decimal.Decimal `json:"total"`
}

// CircleOrders groups the period's effective quantities per circle and article.
func (s *Service) CircleOrders(ctx context.Context, periodID uuid.UUID) ([]CircleOrder, error) {
	lines, err := s.periodLines(ctx, periodID, RequestFilter{ExcludeStatuses: []RequestStatus{RequestStatusDraft}})
	if err != nil {
		return nil, err
	}
	articles, err := s.articleIndex(ctx, linesOf(lines))
	if err != nil {
		return nil, err
	}
	circles, err := s.repo.ListCircles(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "list circles", err)
	}
	names := make(map[uuid.UUID]string, len(circles))
	for _, c := range circles {
		names[c.ID] = c.Name
	}

	byCircle := make(map[uuid.UUID]*CircleOrder)
	itemIndex := make(map[[2]uuid.UUID]int)
	var order []uuid.UUID
	for _, pl := range lines {
		cid := pl.request.CircleID
		co, ok := byCircle[cid]
		if !ok {
			co = &CircleOrder{CircleID: cid, CircleName: names[cid], Total: decimal.Zero}
			byCircle[cid] = co
			order = append(order, cid)
		}
		a := articles[pl.line.ArticleID]
		key := [2]uuid.UUID{cid, pl.line.ArticleID}
		i, ok := itemIndex[key]
		if !ok {
			co.Items = append(co.Items, OrderItem{
				ArticleID: a.ID,
				Label:     a.Label,
				Reference: a.Reference,
				Supplier:  a.Supplier,
				UnitPrice: a.UnitPrice,
				Total:     decimal.Zero,
			})
			i = len(co.Items) - 1
			itemIndex[key] = i
		}
		amount := lineAmount(a.UnitPrice, pl.line)
		co.Items[i].Qty += pl.line.EffectiveQty()
		co.Items[i].Total = co.Items[i].Total.Add(amount)
		co.Total = co.Total.Add(amount)
	}

	out := make([]CircleOrder, 0, len(order))
	for _, cid := range order {
		out = append(out, *byCircle[cid])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CircleName < out[j].CircleName })
	return out, nil
}

func (s *Service) priceIndex(ctx context.Context, lines []periodLine) (map[uuid.UUID]decimal.Decimal, error) {
	articles, err := s.articleIndex(ctx, linesOf(lines))
	if err != nil {
		return nil, err
	}
	prices := make(map[uuid.UUID]decimal.Decimal, len(articles))
	for id, a := range articles {
		prices[id] = a.UnitPrice
	}
	return prices, nil
}

func lineAmount(price decimal.Decimal, line RequestLine) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(line.EffectiveQty())))
}

func linesOf(pls []periodLine) []RequestLine {
	out := make([]RequestLine, len(pls))
	for i, pl := range pls {
		out[i] = pl.line
	}
	return out
}
