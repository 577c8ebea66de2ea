// Package postgres implements the ordering repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/grouporder/internal/ordering"
	"github.com/odyssey-erp/grouporder/internal/platform/db"
)

const uniqueViolation = "23505"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var (
	periodColumns  = []string{"id", "name", "cutoff_date", "status", "created_at"}
	requestColumns = []string{"id", "circle_id", "period_id", "created_by", "status", "created_at"}
	lineColumns    = []string{
		"id", "request_id", "article_id", "position", "qty", "qty_validated", "delivery_date",
		"qty_received", "reception_status", "reception_comment", "reception_date", "reception_user",
	}
	articleColumns = []string{"id", "label", "reference", "supplier", "unit_price::text", "link", "active"}
)

// Querier is the part of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a Querier that can open transactions.
type Pool interface {
	Querier
	db.TxBeginner
}

// Store is the PostgreSQL ordering.Repository.
type Store struct {
	pool Pool
	q    Querier
}

// New returns a store running statements on pool.
func New(pool Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx runs fn with a store bound to a repeatable-read transaction.
// Calls made on a store already inside a transaction join it.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ordering.Repository) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{q: tx})
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ordering.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ordering.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func (s *Store) get(ctx context.Context, b squirrel.Sqlizer, scan func(rowScanner) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build query: %w", err)
	}
	return mapError(scan(s.q.QueryRow(ctx, query, args...)))
}

func (s *Store) list(ctx context.Context, b squirrel.Sqlizer, scan func(rowScanner) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build query: %w", err)
	}
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return mapError(err)
		}
	}
	return mapError(rows.Err())
}

func (s *Store) exec(ctx context.Context, b squirrel.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("postgres: build query: %w", err)
	}
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// execOne runs b and reports ErrNotFound when no row matched.
func (s *Store) execOne(ctx context.Context, b squirrel.Sqlizer) error {
	n, err := s.exec(ctx, b)
	if err != nil {
		return err
	}
	if n == 0 {
		return ordering.ErrNotFound
	}
	return nil
}

// FindPeriodByName looks a period up by its unique name.
func (s *Store) FindPeriodByName(ctx context.Context, name string) (ordering.Period, error) {
	var p ordering.Period
	err := s.get(ctx, psql.Select(periodColumns...).From("order_periods").Where(squirrel.Eq{"name": name}),
		func(row rowScanner) (err error) { p, err = scanPeriod(row); return })
	return p, err
}

// GetPeriod returns a period by id.
func (s *Store) GetPeriod(ctx context.Context, id uuid.UUID) (ordering.Period, error) {
	var p ordering.Period
	err := s.get(ctx, psql.Select(periodColumns...).From("order_periods").Where(squirrel.Eq{"id": id}),
		func(row rowScanner) (err error) { p, err = scanPeriod(row); return })
	return p, err
}

// ListPeriods returns periods by cutoff date, newest first.
func (s *Store) ListPeriods(ctx context.Context, filter ordering.PeriodFilter) ([]ordering.Period, error) {
	q := psql.Select(periodColumns...).From("order_periods").OrderBy("cutoff_date DESC", "name")
	switch {
	case len(filter.Statuses) > 0:
		q = q.Where(squirrel.Eq{"status": periodStatusStrings(filter.Statuses)})
	case !filter.IncludeArchived:
		q = q.Where(squirrel.NotEq{"status": string(ordering.PeriodStatusArchived)})
	}
	out := []ordering.Period{}
	err := s.list(ctx, q, func(row rowScanner) error {
		p, err := scanPeriod(row)
		out = append(out, p)
		return err
	})
	return out, err
}

// InsertPeriod stores a period; a duplicate name yields ErrConflict.
func (s *Store) InsertPeriod(ctx context.Context, p ordering.Period) (ordering.Period, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	q := psql.Insert("order_periods").
		Columns(periodColumns...).
		Values(p.ID, p.Name, p.CutoffDate, string(p.Status), p.CreatedAt).
		Suffix("RETURNING id, name, cutoff_date, status, created_at")
	var out ordering.Period
	err := s.get(ctx, q, func(row rowScanner) (err error) { out, err = scanPeriod(row); return })
	return out, err
}

// UpdatePeriodStatus sets the status when the current one is in from.
func (s *Store) UpdatePeriodStatus(ctx context.Context, id uuid.UUID, from []ordering.PeriodStatus, to ordering.PeriodStatus) (bool, error) {
	q := psql.Update("order_periods").Set("status", string(to)).Where(squirrel.Eq{"id": id})
	if len(from) > 0 {
		q = q.Where(squirrel.Eq{"status": periodStatusStrings(from)})
	}
	n, err := s.exec(ctx, q)
	return n > 0, err
}

// GetCircle returns a circle by id.
func (s *Store) GetCircle(ctx context.Context, id uuid.UUID) (ordering.Circle, error) {
	var c ordering.Circle
	err := s.get(ctx, psql.Select("id", "name").From("circles").Where(squirrel.Eq{"id": id}),
		func(row rowScanner) error { return row.Scan(&c.ID, &c.Name) })
	return c, err
}

// ListCircles returns every circle by name.
func (s *Store) ListCircles(ctx context.Context) ([]ordering.Circle, error) {
	return s.circles(ctx, psql.Select("id", "name").From("circles").OrderBy("name"))
}

// MemberCircles returns the circles member belongs to.
func (s *Store) MemberCircles(ctx context.Context, member uuid.UUID) ([]ordering.Circle, error) {
	return s.circles(ctx, psql.Select("c.id", "c.name").
		From("circles c").
		Join("user_circles uc ON uc.circle_id = c.id").
		Where(squirrel.Eq{"uc.user_id": member}).
		OrderBy("c.name"))
}

func (s *Store) circles(ctx context.Context, q squirrel.SelectBuilder) ([]ordering.Circle, error) {
	out := []ordering.Circle{}
	err := s.list(ctx, q, func(row rowScanner) error {
		var c ordering.Circle
		if err := row.Scan(&c.ID, &c.Name); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// ListArticles returns the articles with the given ids.
func (s *Store) ListArticles(ctx context.Context, ids []uuid.UUID) ([]ordering.Article, error) {
	out := []ordering.Article{}
	if len(ids) == 0 {
		return out, nil
	}
	q := psql.Select(articleColumns...).From("articles").Where(squirrel.Eq{"id": ids}).OrderBy("label")
	err := s.list(ctx, q, func(row rowScanner) error {
		var (
			a     ordering.Article
			price string
		)
		if err := row.Scan(&a.ID, &a.Label, &a.Reference, &a.Supplier, &price, &a.Link, &a.Active); err != nil {
			return err
		}
		unitPrice, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("postgres: article %s price: %w", a.ID, err)
		}
		a.UnitPrice = unitPrice
		out = append(out, a)
		return nil
	})
	return out, err
}

// ListRequests returns requests matching filter by creation time.
func (s *Store) ListRequests(ctx context.Context, filter ordering.RequestFilter) ([]ordering.Request, error) {
	q := psql.Select(requestColumns...).From("circle_requests").OrderBy("created_at", "id")
	if filter.CircleID != nil {
		q = q.Where(squirrel.Eq{"circle_id": *filter.CircleID})
	}
	if filter.CreatedBy != nil {
		q = q.Where(squirrel.Eq{"created_by": *filter.CreatedBy})
	}
	if len(filter.PeriodIDs) > 0 {
		q = q.Where(squirrel.Eq{"period_id": filter.PeriodIDs})
	}
	if len(filter.Statuses) > 0 {
		q = q.Where(squirrel.Eq{"status": requestStatusStrings(filter.Statuses)})
	}
	if len(filter.ExcludeStatuses) > 0 {
		q = q.Where(squirrel.NotEq{"status": requestStatusStrings(filter.ExcludeStatuses)})
	}
	out := []ordering.Request{}
	err := s.list(ctx, q, func(row rowScanner) error {
		r, err := scanRequest(row)
		out = append(out, r)
		return err
	})
	return out, err
}

// GetRequest returns a request by id.
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (ordering.Request, error) {
	var r ordering.Request
	err := s.get(ctx, psql.Select(requestColumns...).From("circle_requests").Where(squirrel.Eq{"id": id}),
		func(row rowScanner) (err error) { r, err = scanRequest(row); return })
	return r, err
}

// InsertRequest stores a request.
func (s *Store) InsertRequest(ctx context.Context, r ordering.Request) (ordering.Request, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	q := psql.Insert("circle_requests").
		Columns(requestColumns...).
		Values(r.ID, r.CircleID, r.PeriodID, r.CreatedBy, string(r.Status), r.CreatedAt)
	if _, err := s.exec(ctx, q); err != nil {
		return ordering.Request{}, err
	}
	return r, nil
}

// UpdateRequestStatus sets the status when the current one is in from.
func (s *Store) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from []ordering.RequestStatus, to ordering.RequestStatus) (bool, error) {
	q := psql.Update("circle_requests").Set("status", string(to)).Where(squirrel.Eq{"id": id})
	if len(from) > 0 {
		q = q.Where(squirrel.Eq{"status": requestStatusStrings(from)})
	}
	n, err := s.exec(ctx, q)
	return n > 0, err
}

// ListLines returns lines matching filter ordered by request and position.
func (s *Store) ListLines(ctx context.Context, filter ordering.LineFilter) ([]ordering.RequestLine, error) {
	q := psql.Select(lineColumns...).From("request_lines").OrderBy("request_id", "position")
	if len(filter.RequestIDs) > 0 {
		q = q.Where(squirrel.Eq{"request_id": filter.RequestIDs})
	}
	if filter.ArticleID != nil {
		q = q.Where(squirrel.Eq{"article_id": *filter.ArticleID})
	}
	out := []ordering.RequestLine{}
	err := s.list(ctx, q, func(row rowScanner) error {
		l, err := scanLine(row)
		out = append(out, l)
		return err
	})
	return out, err
}

// GetLine returns a line by id.
func (s *Store) GetLine(ctx context.Context, id uuid.UUID) (ordering.RequestLine, error) {
	var l ordering.RequestLine
	err := s.get(ctx, psql.Select(lineColumns...).From("request_lines").Where(squirrel.Eq{"id": id}),
		func(row rowScanner) (err error) { l, err = scanLine(row); return })
	return l, err
}

// ReplaceLines deletes the request's lines and inserts the new set in order.
func (s *Store) ReplaceLines(ctx context.Context, requestID uuid.UUID, lines []ordering.RequestLine) ([]ordering.RequestLine, error) {
	if _, err := s.exec(ctx, psql.Delete("request_lines").Where(squirrel.Eq{"request_id": requestID})); err != nil {
		return nil, err
	}
	out := make([]ordering.RequestLine, 0, len(lines))
	if len(lines) == 0 {
		return out, nil
	}
	q := psql.Insert("request_lines").Columns("id", "request_id", "article_id", "position", "qty", "qty_validated")
	for i, l := range lines {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.RequestID = requestID
		l.Position = i
		q = q.Values(l.ID, l.RequestID, l.ArticleID, l.Position, l.Qty, l.QtyValidated)
		out = append(out, l)
	}
	if _, err := s.exec(ctx, q); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// UpdateLineQty changes the requested quantity and clears the validated one.
func (s *Store) UpdateLineQty(ctx context.Context, id uuid.UUID, qty int) error {
	return s.execOne(ctx, psql.Update("request_lines").
		Set("qty", qty).
		Set("qty_validated", squirrel.Expr("NULL")).
		Where(squirrel.Eq{"id": id}))
}

// DeleteLine removes a line.
func (s *Store) DeleteLine(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, psql.Delete("request_lines").Where(squirrel.Eq{"id": id}))
}

// SetValidatedQty writes the admin-approved quantity.
func (s *Store) SetValidatedQty(ctx context.Context, id uuid.UUID, qty int) error {
	return s.execOne(ctx, psql.Update("request_lines").Set("qty_validated", qty).Where(squirrel.Eq{"id": id}))
}

// SetDeliveryDate stamps the delivery date on lines; nil clears it.
func (s *Store) SetDeliveryDate(ctx context.Context, ids []uuid.UUID, date *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.exec(ctx, psql.Update("request_lines").Set("delivery_date", date).Where(squirrel.Eq{"id": ids}))
	return err
}

// RecordReception writes the reception outcome of a line.
func (s *Store) RecordReception(ctx context.Context, id uuid.UUID, rec ordering.LineReception) error {
	return s.execOne(ctx, psql.Update("request_lines").
		Set("qty_received", rec.QtyReceived).
		Set("reception_status", string(rec.Status)).
		Set("reception_comment", rec.Comment).
		Set("reception_date", rec.Date).
		Set("reception_user", rec.User).
		Where(squirrel.Eq{"id": id}))
}

func scanPeriod(row rowScanner) (ordering.Period, error) {
	var (
		p      ordering.Period
		status string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.CutoffDate, &status, &p.CreatedAt); err != nil {
		return ordering.Period{}, err
	}
	p.Status = ordering.PeriodStatus(status)
	return p, nil
}

func scanRequest(row rowScanner) (ordering.Request, error) {
	var (
		r      ordering.Request
		status string
	)
	if err := row.Scan(&r.ID, &r.CircleID, &r.PeriodID, &r.CreatedBy, &status, &r.CreatedAt); err != nil {
		return ordering.Request{}, err
	}
	r.Status = ordering.RequestStatus(status)
	return r, nil
}

func scanLine(row rowScanner) (ordering.RequestLine, error) {
	var (
		l      ordering.RequestLine
		status *string
	)
	err := row.Scan(&l.ID, &l.RequestID, &l.ArticleID, &l.Position, &l.Qty, &l.QtyValidated, &l.DeliveryDate,
		&l.QtyReceived, &status, &l.ReceptionComment, &l.ReceptionDate, &l.ReceptionUser)
	if err != nil {
		return ordering.RequestLine{}, err
	}
	if status != nil {
		st := ordering.ReceptionStatus(*status)
		l.ReceptionStatus = &st
	}
	return l, nil
}

func periodStatusStrings(statuses []ordering.PeriodStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func requestStatusStrings(statuses []ordering.RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
