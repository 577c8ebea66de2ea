package ordering

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/grouporder/internal/shared"
)

// Repository is the record store the engine reads and writes through.
//
// Conditional status updates take the allowed current statuses and report
// whether a row changed; an empty from list updates unconditionally.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	FindPeriodByName(ctx context.Context, name string) (Period, error)
	GetPeriod(ctx context.Context, id uuid.UUID) (Period, error)
	ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error)
	InsertPeriod(ctx context.Context, period Period) (Period, error)
	UpdatePeriodStatus(ctx context.Context, id uuid.UUID, from []PeriodStatus, to PeriodStatus) (bool, error)

	GetCircle(ctx context.Context, id uuid.UUID) (Circle, error)
	ListCircles(ctx context.Context) ([]Circle, error)
	MemberCircles(ctx context.Context, member uuid.UUID) ([]Circle, error)
	ListArticles(ctx context.Context, ids []uuid.UUID) ([]Article, error)

	ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error)
	GetRequest(ctx context.Context, id uuid.UUID) (Request, error)
	InsertRequest(ctx context.Context, req Request) (Request, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from []RequestStatus, to RequestStatus) (bool, error)

	ListLines(ctx context.Context, filter LineFilter) ([]RequestLine, error)
	GetLine(ctx context.Context, id uuid.UUID) (RequestLine, error)
	ReplaceLines(ctx context.Context, requestID uuid.UUID, lines []RequestLine) ([]RequestLine, error)
	// UpdateLineQty also clears qty_validated; an earlier approval no longer applies.
	UpdateLineQty(ctx context.Context, id uuid.UUID, qty int) error
	DeleteLine(ctx context.Context, id uuid.UUID) error
	SetValidatedQty(ctx context.Context, id uuid.UUID, qty int) error
	SetDeliveryDate(ctx context.Context, ids []uuid.UUID, date *time.Time) error
	RecordReception(ctx context.Context, id uuid.UUID, rec LineReception) error
}

// PeriodCache remembers period IDs by name. Names never change, so entries need no invalidation.
type PeriodCache interface {
	GetPeriodID(ctx context.Context, name string) (uuid.UUID, bool, error)
	PutPeriodID(ctx context.Context, name string, id uuid.UUID) error
}

// AuditPort records administrative actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
