package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/grouporder/internal/ordering"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, New(mock)
}

func TestFindPeriodByName(t *testing.T) {
	mock, store := newMock(t)
	id := uuid.New()
	cutoff := time.Date(2025, 1, 15, 23, 59, 59, 0, time.UTC)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, cutoff_date, status, created_at FROM order_periods WHERE name = \$1`).
		WithArgs("01 janv - 15 janv 2025").
		WillReturnRows(pgxmock.NewRows(periodColumns).AddRow(id, "01 janv - 15 janv 2025", cutoff, "open", created))

	period, err := store.FindPeriodByName(context.Background(), "01 janv - 15 janv 2025")
	require.NoError(t, err)
	assert.Equal(t, id, period.ID)
	assert.Equal(t, ordering.PeriodStatusOpen, period.Status)
	assert.True(t, period.CutoffDate.Equal(cutoff))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPeriodNotFound(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`FROM order_periods WHERE id = \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetPeriod(context.Background(), uuid.New())
	require.ErrorIs(t, err, ordering.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPeriodDuplicateNameIsConflict(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`INSERT INTO order_periods`).
		WithArgs(pgxmock.AnyArg(), "p", pgxmock.AnyArg(), "open", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "order_periods_name_key"})

	_, err := store.InsertPeriod(context.Background(), ordering.Period{Name: "p", Status: ordering.PeriodStatusOpen, CutoffDate: time.Now()})
	require.ErrorIs(t, err, ordering.ErrConflict)
	assert.Contains(t, err.Error(), "order_periods_name_key")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPeriodsHidesArchivedByDefault(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`FROM order_periods WHERE status <> \$1 ORDER BY cutoff_date DESC, name`).
		WithArgs("archived").
		WillReturnRows(pgxmock.NewRows(periodColumns).
			AddRow(uuid.New(), "b", time.Now(), "ordered", time.Now()).
			AddRow(uuid.New(), "a", time.Now(), "open", time.Now()))

	periods, err := store.ListPeriods(context.Background(), ordering.PeriodFilter{})
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, ordering.PeriodStatusOrdered, periods[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPeriodsByStatus(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`FROM order_periods WHERE status IN \(\$1,\$2\)`).
		WithArgs("ordered", "waiting").
		WillReturnRows(pgxmock.NewRows(periodColumns))

	periods, err := store.ListPeriods(context.Background(), ordering.PeriodFilter{
		Statuses: []ordering.PeriodStatus{ordering.PeriodStatusOrdered, ordering.PeriodStatusWaiting},
	})
	require.NoError(t, err)
	assert.Empty(t, periods)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePeriodStatusConditional(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec(`UPDATE order_periods SET status = \$1 WHERE id = \$2 AND status IN \(\$3\)`).
		WithArgs("ordered", pgxmock.AnyArg(), "open").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err := store.UpdatePeriodStatus(context.Background(), uuid.New(),
		[]ordering.PeriodStatus{ordering.PeriodStatusOpen}, ordering.PeriodStatusOrdered)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListArticlesParsesPrice(t *testing.T) {
	mock, store := newMock(t)
	id := uuid.New()
	mock.ExpectQuery(`SELECT id, label, reference, supplier, unit_price::text, link, active FROM articles WHERE id IN \(\$1\)`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "label", "reference", "supplier", "unit_price", "link", "active"}).
			AddRow(id, "Farine T65", "F65", "Moulin", "2.50", "", true))

	articles, err := store.ListArticles(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.True(t, articles[0].UnitPrice.Equal(decimal.RequireFromString("2.5")))
	require.NoError(t, mock.ExpectationsWereMet())

	none, err := store.ListArticles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListRequestsFilters(t *testing.T) {
	mock, store := newMock(t)
	circle := uuid.New()
	mock.ExpectQuery(`FROM circle_requests WHERE circle_id = \$1 AND status NOT IN \(\$2,\$3\) ORDER BY created_at, id`).
		WithArgs(pgxmock.AnyArg(), "received", "cancelled").
		WillReturnRows(pgxmock.NewRows(requestColumns).
			AddRow(uuid.New(), circle, uuid.New(), uuid.New(), "draft", time.Now()))

	requests, err := store.ListRequests(context.Background(), ordering.RequestFilter{
		CircleID:        &circle,
		ExcludeStatuses: []ordering.RequestStatus{ordering.RequestStatusReceived, ordering.RequestStatusCancelled},
	})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, ordering.RequestStatusDraft, requests[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLineScansNullableColumns(t *testing.T) {
	mock, store := newMock(t)
	id, reqID, articleID, user := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	validated, received := 4, 2
	status := "partialy"
	at := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM request_lines WHERE id = \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(lineColumns).
			AddRow(id, reqID, articleID, 0, 5, &validated, nil, &received, &status, "short", &at, &user))

	line, err := store.GetLine(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, line.QtyValidated)
	assert.Equal(t, 4, *line.QtyValidated)
	assert.Nil(t, line.DeliveryDate)
	require.NotNil(t, line.ReceptionStatus)
	assert.Equal(t, ordering.ReceptionPartial, *line.ReceptionStatus)
	assert.Equal(t, 3, line.Outstanding())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceLinesInsideTransaction(t *testing.T) {
	mock, store := newMock(t)
	reqID := uuid.New()
	x, y := uuid.New(), uuid.New()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectExec(`DELETE FROM request_lines WHERE request_id = \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`INSERT INTO request_lines \(id,request_id,article_id,position,qty,qty_validated\) VALUES`).
		WithArgs(
			pgxmock.AnyArg(), reqID, x, 0, 5, pgxmock.AnyArg(),
			pgxmock.AnyArg(), reqID, y, 1, 2, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	var lines []ordering.RequestLine
	err := store.WithTx(context.Background(), func(ctx context.Context, repo ordering.Repository) error {
		var err error
		lines, err = repo.ReplaceLines(ctx, reqID, []ordering.RequestLine{
			{ArticleID: x, Qty: 5},
			{ArticleID: y, Qty: 2},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[1].Position)
	assert.Equal(t, reqID, lines[0].RequestID)
	assert.NotEqual(t, uuid.Nil, lines[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	mock, store := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectExec(`UPDATE circle_requests SET status = \$1 WHERE id = \$2 AND status IN \(\$3\)`).
		WithArgs("submitted", pgxmock.AnyArg(), "draft").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, repo ordering.Repository) error {
		changed, err := repo.UpdateRequestStatus(ctx, uuid.New(),
			[]ordering.RequestStatus{ordering.RequestStatusDraft}, ordering.RequestStatusSubmitted)
		require.NoError(t, err)
		require.True(t, changed)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLineUpdatesReportMissingRows(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec(`UPDATE request_lines SET qty_validated = \$1 WHERE id = \$2`).
		WithArgs(3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`DELETE FROM request_lines WHERE id = \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.ErrorIs(t, store.SetValidatedQty(context.Background(), uuid.New(), 3), ordering.ErrNotFound)
	require.NoError(t, store.DeleteLine(context.Background(), uuid.New()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLineQtyClearsValidatedQty(t *testing.T) {
	mock, store := newMock(t)
	id := uuid.New()
	mock.ExpectExec(`UPDATE request_lines SET qty = \$1, qty_validated = NULL WHERE id = \$2`).
		WithArgs(2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateLineQty(context.Background(), id, 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordReception(t *testing.T) {
	mock, store := newMock(t)
	at := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)
	user := uuid.New()
	mock.ExpectExec(`UPDATE request_lines SET qty_received = \$1, reception_status = \$2, reception_comment = \$3, reception_date = \$4, reception_user = \$5 WHERE id = \$6`).
		WithArgs(2, "partialy", "short", at, user, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.RecordReception(context.Background(), uuid.New(), ordering.LineReception{
		QtyReceived: 2,
		Status:      ordering.ReceptionPartial,
		Comment:     "short",
		Date:        at,
		User:        user,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDeliveryDateSkipsEmptySelection(t *testing.T) {
	mock, store := newMock(t)
	require.NoError(t, store.SetDeliveryDate(context.Background(), nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
