package ordering

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/grouporder/internal/platform/httpx"
	"github.com/odyssey-erp/grouporder/internal/shared"
)

var errorMappings = []httpx.ErrorMapping{
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: ErrInvalidState, Status: http.StatusConflict, Title: "Invalid State"},
	{Target: ErrConflict, Status: http.StatusConflict, Title: "Conflict"},
	{Target: ErrConsistencyWarning, Status: http.StatusConflict, Title: "Confirmation Required"},
}

// Handler exposes the ordering engine over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers ordering routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/circles/mine", h.myCircles)
	r.Get("/circles/{circleID}/requests", h.circleRequests)
	r.Post("/circles/{circleID}/periods/{periodID}/transition", h.bulkTransition)

	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Post("/", h.createPeriod)
		r.Get("/current", h.currentPeriod)
		r.Get("/open", h.openPeriod)
		r.Route("/{periodID}", func(r chi.Router) {
			r.Get("/", h.getPeriod)
			r.Put("/status", h.setPeriodStatus)
			r.Post("/order", h.orderPeriod)
			r.Get("/demand", h.demand)
			r.Get("/totals", h.totals)
			r.Get("/circles", h.circleOrders)
			r.Put("/articles/{articleID}/approved", h.approve)
			r.Put("/articles/{articleID}/delivery-date", h.deliveryDate)
		})
	})

	r.Post("/cart", h.submitCart)
	r.Put("/requests/{requestID}/lines", h.replaceLines)
	r.Post("/requests/{requestID}/submit", h.submitRequest)
	r.Post("/requests/{requestID}/rollback", h.rollbackRequest)
	r.Patch("/lines/{lineID}", h.setLineQty)

	r.Get("/reception", h.worklist)
	r.Post("/reception", h.applyReception)
}

func (h *Handler) myCircles(w http.ResponseWriter, r *http.Request) {
	circles, err := h.service.MemberCircles(r.Context(), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	admin, err := h.service.IsFinAdmin(r.Context(), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"circles": circles, "fin_admin": admin})
}

func (h *Handler) circleRequests(w http.ResponseWriter, r *http.Request) {
	circleID, ok := h.pathID(w, r, "circleID")
	if !ok {
		return
	}
	views, err := h.service.CircleRequests(r.Context(), circleID, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	labels := labelsFor(r)
	out := make([]requestResponse, 0, len(views))
	for _, v := range views {
		out = append(out, requestView(labels, v))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) bulkTransition(w http.ResponseWriter, r *http.Request) {
	circleID, ok := h.pathID(w, r, "circleID")
	if !ok {
		return
	}
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	var body transitionRequest
	if !h.decode(w, r, &body) {
		return
	}
	from := make([]RequestStatus, 0, len(body.From))
	for _, st := range body.From {
		from = append(from, RequestStatus(st))
	}
	moved, err := h.service.BulkTransition(r.Context(), BulkTransitionInput{
		CircleID: circleID,
		PeriodID: periodID,
		From:     from,
		To:       RequestStatus(body.To),
		Actor:    actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	filter := PeriodFilter{}
	if v := r.URL.Query().Get("include_archived"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, validationError("include_archived must be a boolean"))
			return
		}
		filter.IncludeArchived = include
	}
	for _, st := range r.URL.Query()["status"] {
		status := PeriodStatus(st)
		if !status.IsValid() {
			h.fail(w, r, validationError("unknown period status %q", st))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	periods, err := h.service.ListPeriods(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	labels := labelsFor(r)
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, periodView(labels, p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	var body createPeriodRequest
	if !h.decode(w, r, &body) {
		return
	}
	cutoff, err := parseDate(body.CutoffDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	period, err := h.service.CreatePeriod(r.Context(), CreatePeriodInput{Name: body.Name, CutoffDate: *cutoff, Actor: actor(r)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, periodView(labelsFor(r), period))
}

func (h *Handler) currentPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := h.service.CurrentPeriod(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodView(labelsFor(r), period))
}

func (h *Handler) openPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := h.service.OpenPeriod(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodView(labelsFor(r), period))
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	period, err := h.service.GetPeriod(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodView(labelsFor(r), period))
}

func (h *Handler) setPeriodStatus(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	var body periodStatusRequest
	if !h.decode(w, r, &body) {
		return
	}
	period, err := h.service.SetPeriodStatus(r.Context(), SetPeriodStatusInput{
		PeriodID: periodID,
		Status:   PeriodStatus(body.Status),
		Actor:    actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodView(labelsFor(r), period))
}

func (h *Handler) orderPeriod(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	var body orderRequest
	if !h.decode(w, r, &body) {
		return
	}
	result, err := h.service.OrderPeriod(r.Context(), OrderInput{PeriodID: periodID, Confirm: body.Confirm, Actor: actor(r)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) demand(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	demand, err := h.service.Demand(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, demand)
}

func (h *Handler) totals(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	totals, err := h.service.PeriodTotals(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	labels := labelsFor(r)
	out := make([]totalResponse, 0, len(RequestStatuses))
	for _, st := range RequestStatuses {
		out = append(out, totalResponse{Status: st, Label: labels.Request(st), Amount: totals[st].StringFixed(2)})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) circleOrders(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	orders, err := h.service.CircleOrders(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	articleID, ok := h.pathID(w, r, "articleID")
	if !ok {
		return
	}
	var body approveRequest
	if !h.decode(w, r, &body) {
		return
	}
	demand, err := h.service.ApplyApprovedQuantity(r.Context(), ApproveInput{
		PeriodID:    periodID,
		ArticleID:   articleID,
		ApprovedQty: *body.ApprovedQty,
		Actor:       actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, demand)
}

func (h *Handler) deliveryDate(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	articleID, ok := h.pathID(w, r, "articleID")
	if !ok {
		return
	}
	var body deliveryDateRequest
	if !h.decode(w, r, &body) {
		return
	}
	var date *time.Time
	if body.Date != nil {
		var err error
		if date, err = parseDate(*body.Date); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	n, err := h.service.SetDeliveryDate(r.Context(), DeliveryDateInput{PeriodID: periodID, ArticleID: articleID, Date: date, Actor: actor(r)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"lines": n})
}

func (h *Handler) submitCart(w http.ResponseWriter, r *http.Request) {
	var body cartRequest
	if !h.decode(w, r, &body) {
		return
	}
	lines, err := toLineInputs(body.Lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in := SubmitCartInput{
		CircleID: uuid.MustParse(body.CircleID),
		Lines:    lines,
		Submit:   body.Submit,
		Member:   actor(r),
	}
	if body.PeriodID != "" {
		id := uuid.MustParse(body.PeriodID)
		in.PeriodID = &id
	}
	view, err := h.service.SubmitCart(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, requestView(labelsFor(r), view))
}

func (h *Handler) replaceLines(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var body replaceLinesRequest
	if !h.decode(w, r, &body) {
		return
	}
	inputs, err := toLineInputs(body.Lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lines, err := h.service.ReplaceLines(r.Context(), requestID, actor(r), inputs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) submitRequest(w http.ResponseWriter, r *http.Request) {
	h.moveRequest(w, r, h.service.SubmitRequest)
}

func (h *Handler) rollbackRequest(w http.ResponseWriter, r *http.Request) {
	h.moveRequest(w, r, h.service.RollbackRequest)
}

func (h *Handler) moveRequest(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, requestID, actor uuid.UUID) (Request, error)) {
	requestID, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	req, err := move(r.Context(), requestID, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"request":      req,
		"status_label": labelsFor(r).Request(req.Status),
	})
}

func (h *Handler) setLineQty(w http.ResponseWriter, r *http.Request) {
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var body lineQtyRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.service.SetLineQuantity(r.Context(), lineID, actor(r), *body.Qty); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) worklist(w http.ResponseWriter, r *http.Request) {
	if err := h.service.requireFinAdmin(r.Context(), actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	groups, err := h.service.Worklist(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groups)
}

func (h *Handler) applyReception(w http.ResponseWriter, r *http.Request) {
	var body receptionRequest
	if !h.decode(w, r, &body) {
		return
	}
	decisions, err := toDecisions(body.Decisions)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.ApplyReception(r.Context(), ReceptionInput{Decisions: decisions, Actor: actor(r)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// decode reads and validates a JSON body, answering the request itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return false
		}
		fields := make(map[string]any, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			fields[fieldErr.Namespace()] = fieldErr.Tag()
		}
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: "request body is invalid",
			Extra:  map[string]any{"fields": fields},
		})
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var unconfirmed *UnconfirmedError
	if errors.As(err, &unconfirmed) {
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Title:  "Confirmation Required",
			Status: http.StatusConflict,
			Detail: err.Error(),
			Extra:  map[string]any{"article_ids": unconfirmed.ArticleIDs},
		})
		return
	}
	if !isDomainError(err) {
		h.logger.ErrorContext(r.Context(), "ordering request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func actor(r *http.Request) uuid.UUID {
	member, _ := shared.MemberFromContext(r.Context())
	return member
}

func labelsFor(r *http.Request) Labels {
	return NewLabels(r.Header.Get("Accept-Language"))
}

func periodView(labels Labels, p Period) periodResponse {
	return periodResponse{Period: p, StatusLabel: labels.Period(p.Status)}
}

func requestView(labels Labels, v RequestView) requestResponse {
	return requestResponse{RequestView: v, StatusLabel: labels.Request(v.Status), Total: v.Total().StringFixed(2)}
}
