package api

import (
	"context"
	"net/http"

	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/period"
	"github.com/go-chi/chi/v5"
)

// =============================================================================
// PERIOD HANDLERS
//   GET    /api/periods                  ?account_id=&status=active,draft
//   POST   /api/periods                  Create (optionally funded)
//   GET    /api/periods/{id}
//   GET    /api/periods/{id}/summary     ?date=YYYY-MM-DD
//   POST   /api/periods/{id}/activate
//   POST   /api/periods/{id}/finish      {refund, refund_account_id}
//   POST   /api/periods/{id}/cancel      {refund, refund_account_id}
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := period.ListFilter{AccountID: ledger.AccountID(q.Get("account_id"))}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.PeriodStatus(s))
	}
	periods, err := h.Periods.List(r.Context(), ownerFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTOs(periods))
}

func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !decode(w, r, &req) {
		return
	}
	in := period.CreateInput{
		Owner:           ownerFrom(r.Context()),
		AccountID:       ledger.AccountID(req.AccountID),
		Name:            req.Name,
		Percentage:      req.Percentage,
		Days:            req.Days,
		AllocatedAmount: req.AllocatedAmount,
		BaseAmount:      req.BaseAmount,
		Currency:        req.Currency,
		Status:          ledger.PeriodStatus(req.Status),
		IdempotencyKey:  idempotencyKey(r),
	}
	if req.StartsAt != nil {
		in.StartsAt = *req.StartsAt
	}
	if req.Transfer != nil {
		in.Transfer = &period.Funding{SourceAccountID: ledger.AccountID(req.Transfer.SourceAccountID)}
	}

	created, err := h.Periods.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if created.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, PeriodCreatedDTO{
		PeriodDTO: toPeriodDTO(created.Period),
		Transfer:  optionalMovement(created.Transfer),
		Replayed:  created.Replayed,
	})
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Periods.Get(r.Context(), ownerFrom(r.Context()), ledger.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

func (h *Handler) GetPeriodSummary(w http.ResponseWriter, r *http.Request) {
	day, err := queryDate(r, "date")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Periods.Summary(r.Context(), ownerFrom(r.Context()), ledger.PeriodID(chi.URLParam(r, "id")), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodSummaryDTO(s))
}

func (h *Handler) ActivatePeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Periods.Activate(r.Context(), ownerFrom(r.Context()), ledger.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

func (h *Handler) FinishPeriod(w http.ResponseWriter, r *http.Request) {
	h.closePeriod(w, r, h.Periods.Finish)
}

func (h *Handler) CancelPeriod(w http.ResponseWriter, r *http.Request) {
	h.closePeriod(w, r, h.Periods.Cancel)
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request, op func(context.Context, period.CloseInput) (period.Closed, error)) {
	var req ClosePeriodRequest
	if !decode(w, r, &req) {
		return
	}
	closed, err := op(r.Context(), period.CloseInput{
		Owner:           ownerFrom(r.Context()),
		PeriodID:        ledger.PeriodID(chi.URLParam(r, "id")),
		Refund:          req.Refund,
		RefundAccountID: ledger.AccountID(req.RefundAccountID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodClosedDTO{PeriodDTO: toPeriodDTO(closed.Period), Refund: optionalMovement(closed.Refund)})
}
