package ordering

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PeriodStatus tracks the order period lifecycle.
type PeriodStatus string

const (
	PeriodStatusOpen     PeriodStatus = "open"
	PeriodStatusOrdered  PeriodStatus = "ordered"
	PeriodStatusWaiting  PeriodStatus = "waiting"
	PeriodStatusClosed   PeriodStatus = "closed"
	PeriodStatusArchived PeriodStatus = "archived"
)

// IsValid reports whether the status is a known period status.
func (s PeriodStatus) IsValid() bool {
	switch s {
	case PeriodStatusOpen, PeriodStatusOrdered, PeriodStatusWaiting, PeriodStatusClosed, PeriodStatusArchived:
		return true
	}
	return false
}

// IsActive is false only for archived periods.
func (s PeriodStatus) IsActive() bool {
	return s.IsValid() && s != PeriodStatusArchived
}

// InReception reports whether deliveries are being reconciled for the period.
func (s PeriodStatus) InReception() bool {
	return s == PeriodStatusOrdered || s == PeriodStatusWaiting
}

// rank orders the post-order statuses so derived updates never move backwards.
func (s PeriodStatus) rank() int {
	switch s {
	case PeriodStatusOpen:
		return 0
	case PeriodStatusOrdered:
		return 1
	case PeriodStatusWaiting:
		return 2
	case PeriodStatusClosed:
		return 3
	case PeriodStatusArchived:
		return 4
	}
	return -1
}

// CanTransition reports whether the status may move to next without an override.
func (s PeriodStatus) CanTransition(next PeriodStatus) bool {
	switch s {
	case PeriodStatusOpen:
		return next == PeriodStatusOrdered || next == PeriodStatusArchived
	case PeriodStatusOrdered, PeriodStatusWaiting, PeriodStatusClosed:
		return next.IsValid() && next.rank() > s.rank()
	}
	return false
}

// RequestStatus tracks a circle request.
type RequestStatus string

const (
	RequestStatusDraft     RequestStatus = "draft"
	RequestStatusSubmitted RequestStatus = "submitted"
	RequestStatusValidated RequestStatus = "validated"
	RequestStatusWaiting   RequestStatus = "waiting"
	RequestStatusReceived  RequestStatus = "received"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// RequestStatuses lists every request status in lifecycle order.
var RequestStatuses = []RequestStatus{
	RequestStatusDraft,
	RequestStatusSubmitted,
	RequestStatusValidated,
	RequestStatusWaiting,
	RequestStatusReceived,
	RequestStatusCancelled,
}

// IsValid reports whether the status is a known request status.
func (s RequestStatus) IsValid() bool {
	for _, known := range RequestStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanEdit reports whether lines may still be changed.
func (s RequestStatus) CanEdit() bool {
	return s == RequestStatusDraft
}

// IsSettled is true once nothing remains to deliver.
func (s RequestStatus) IsSettled() bool {
	return s == RequestStatusReceived || s == RequestStatusCancelled
}

// IsPreOrder is true for statuses members can still move between.
func (s RequestStatus) IsPreOrder() bool {
	return s == RequestStatusDraft || s == RequestStatusSubmitted
}

// ReceptionStatus records how much of a line arrived.
type ReceptionStatus string

const (
	ReceptionTotal   ReceptionStatus = "totaly"
	ReceptionPartial ReceptionStatus = "partialy"
	ReceptionNone    ReceptionStatus = "none"
)

// IsValid reports whether the status is a known reception decision.
func (s ReceptionStatus) IsValid() bool {
	return s == ReceptionTotal || s == ReceptionPartial || s == ReceptionNone
}

// Period is a half-month ordering window.
type Period struct {
	ID         uuid.UUID    `json:"id"`
	Name       string       `json:"name"`
	CutoffDate time.Time    `json:"cutoff_date"`
	Status     PeriodStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Circle is a sub-group of members ordering together.
type Circle struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Article is catalog reference data.
type Article struct {
	ID        uuid.UUID       `json:"id"`
	Label     string          `json:"label"`
	Reference string          `json:"reference"`
	Supplier  string          `json:"supplier"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Link      string          `json:"link,omitempty"`
	Active    bool            `json:"active"`
}

// Request is one member's cart for a circle and period.
type Request struct {
	ID        uuid.UUID     `json:"id"`
	CircleID  uuid.UUID     `json:"circle_id"`
	PeriodID  uuid.UUID     `json:"period_id"`
	CreatedBy uuid.UUID     `json:"created_by"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// RequestLine is one article entry of a request.
type RequestLine struct {
	ID               uuid.UUID        `json:"id"`
	RequestID        uuid.UUID        `json:"request_id"`
	ArticleID        uuid.UUID        `json:"article_id"`
	Position         int              `json:"position"`
	Qty              int              `json:"qty"`
	QtyValidated     *int             `json:"qty_validated,omitempty"`
	DeliveryDate     *time.Time       `json:"delivery_date,omitempty"`
	QtyReceived      *int             `json:"qty_received,omitempty"`
	ReceptionStatus  *ReceptionStatus `json:"reception_status,omitempty"`
	ReceptionComment string           `json:"reception_comment,omitempty"`
	ReceptionDate    *time.Time       `json:"reception_date,omitempty"`
	ReceptionUser    *uuid.UUID       `json:"reception_user,omitempty"`
}

// EffectiveQty is the validated quantity when set, the requested one otherwise.
func (l RequestLine) EffectiveQty() int {
	if l.QtyValidated != nil {
		return *l.QtyValidated
	}
	return l.Qty
}

// Received returns the cumulative received quantity.
func (l RequestLine) Received() int {
	if l.QtyReceived == nil {
		return 0
	}
	return *l.QtyReceived
}

// Outstanding is what remains to be delivered, never negative.
func (l RequestLine) Outstanding() int {
	if rest := l.EffectiveQty() - l.Received(); rest > 0 {
		return rest
	}
	return 0
}

// DerivedReceptionStatus computes the line status from cumulative quantities.
func (l RequestLine) DerivedReceptionStatus() ReceptionStatus {
	return receptionStatusFor(l.EffectiveQty(), l.Received())
}

func receptionStatusFor(expected, received int) ReceptionStatus {
	switch {
	case received >= expected:
		return ReceptionTotal
	case received > 0:
		return ReceptionPartial
	}
	return ReceptionNone
}

// LineView joins a line with its article.
type LineView struct {
	RequestLine
	Article Article `json:"article"`
}

// RequestView joins a request with its circle, period and lines.
type RequestView struct {
	Request
	CircleName string     `json:"circle_name"`
	PeriodName string     `json:"period_name"`
	Lines      []LineView `json:"lines"`
}

// Total sums unit price times effective quantity over the lines.
func (v RequestView) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range v.Lines {
		total = total.Add(line.Article.UnitPrice.Mul(decimal.NewFromInt(int64(line.EffectiveQty()))))
	}
	return total
}

// LineInput is a requested article quantity.
type LineInput struct {
	ArticleID uuid.UUID `json:"article_id" validate:"required"`
	Qty       int       `json:"qty" validate:"gt=0"`
}

// PeriodFilter narrows ListPeriods.
type PeriodFilter struct {
	Statuses        []PeriodStatus
	IncludeArchived bool
}

// RequestFilter narrows ListRequests. Zero-valued fields are ignored.
type RequestFilter struct {
	CircleID        *uuid.UUID
	PeriodIDs       []uuid.UUID
	CreatedBy       *uuid.UUID
	Statuses        []RequestStatus
	ExcludeStatuses []RequestStatus
}

// LineFilter narrows ListLines.
type LineFilter struct {
	RequestIDs []uuid.UUID
	ArticleID  *uuid.UUID
}

// LineReception is the reception outcome written on one line.
type LineReception struct {
	QtyReceived int
	Status      ReceptionStatus
	Comment     string
	Date        time.Time
	User        uuid.UUID
}
