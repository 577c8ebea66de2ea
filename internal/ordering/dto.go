package ordering

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type createPeriodRequest struct {
	Name       string `json:"name" validate:"required,max=120"`
	CutoffDate string `json:"cutoff_date" validate:"required,datetime=2006-01-02"`
}

type periodStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open ordered waiting closed archived"`
}

type orderRequest struct {
	Confirm bool `json:"confirm"`
}

type approveRequest struct {
	ApprovedQty *int `json:"approved_qty" validate:"required,gte=0"`
}

type deliveryDateRequest struct {
	Date *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type lineRequest struct {
	ArticleID string `json:"article_id" validate:"required,uuid"`
	Qty       int    `json:"qty" validate:"gt=0"`
}

type cartRequest struct {
	CircleID string        `json:"circle_id" validate:"required,uuid"`
	PeriodID string        `json:"period_id" validate:"omitempty,uuid"`
	Lines    []lineRequest `json:"lines" validate:"required,min=1,dive"`
	Submit   bool          `json:"submit"`
}

type replaceLinesRequest struct {
	Lines []lineRequest `json:"lines" validate:"dive"`
}

type lineQtyRequest struct {
	Qty *int `json:"qty" validate:"required,gte=0"`
}

type transitionRequest struct {
	From []string `json:"from" validate:"required,min=1,dive,oneof=draft submitted"`
	To   string   `json:"to" validate:"required,oneof=draft submitted"`
}

type decisionRequest struct {
	ArticleID    string `json:"article_id" validate:"required,uuid"`
	DeliveryDate string `json:"delivery_date" validate:"omitempty,datetime=2006-01-02"`
	Status       string `json:"status" validate:"required,oneof=totaly partialy none"`
	Qty          int    `json:"qty" validate:"gte=0"`
	Comment      string `json:"comment" validate:"max=500"`
}

type receptionRequest struct {
	Decisions []decisionRequest `json:"decisions" validate:"required,min=1,dive"`
}

type periodResponse struct {
	Period
	StatusLabel string `json:"status_label"`
}

type requestResponse struct {
	RequestView
	StatusLabel string `json:"status_label"`
	Total       string `json:"total"`
}

type totalResponse struct {
	Status RequestStatus `json:"status"`
	Label  string        `json:"label"`
	Amount string        `json:"amount"`
}

func toLineInputs(in []lineRequest) ([]LineInput, error) {
	out := make([]LineInput, 0, len(in))
	for _, l := range in {
		id, err := uuid.Parse(l.ArticleID)
		if err != nil {
			return nil, validationError("article_id %q is not a uuid", l.ArticleID)
		}
		out = append(out, LineInput{ArticleID: id, Qty: l.Qty})
	}
	return out, nil
}

func toDecisions(in []decisionRequest) ([]ReceptionDecision, error) {
	out := make([]ReceptionDecision, 0, len(in))
	for _, d := range in {
		id, err := uuid.Parse(d.ArticleID)
		if err != nil {
			return nil, validationError("article_id %q is not a uuid", d.ArticleID)
		}
		date, err := parseDate(d.DeliveryDate)
		if err != nil {
			return nil, err
		}
		out = append(out, ReceptionDecision{
			ArticleID:    id,
			DeliveryDate: date,
			Status:       ReceptionStatus(d.Status),
			Qty:          d.Qty,
			Comment:      d.Comment,
		})
	}
	return out, nil
}

// parseDate reads a YYYY-MM-DD value; empty means no date.
func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", ErrValidation, value)
	}
	return &t, nil
}
