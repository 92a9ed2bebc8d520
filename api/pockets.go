package api

import (
	"net/http"

	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/pocket"
	"github.com/go-chi/chi/v5"
)

// =============================================================================
// POCKET HANDLERS
//   GET    /api/pockets                         ?type=&status=
//   POST   /api/pockets
//   GET    /api/pockets/{id}
//   GET    /api/pockets/{id}/summary            ?date=
//   POST   /api/pockets/{id}/fund|expenses|withdraw|close|installments
//   GET    /api/pockets/{id}/fixed-expenses
//   POST   /api/pockets/{id}/fixed-expenses
//   GET    /api/pockets/{id}/fixed-expenses/status  ?month=YYYY-MM-DD
//   POST   /api/fixed-expenses/{id}/pay
// =============================================================================

func pocketID(r *http.Request) ledger.PocketID { return ledger.PocketID(chi.URLParam(r, "id")) }

func (h *Handler) ListPockets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pocket.ListFilter{Type: ledger.PocketType(q.Get("type"))}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.PocketStatus(s))
	}
	pockets, err := h.Pockets.List(r.Context(), ownerFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPocketDTOs(pockets))
}

func (h *Handler) CreatePocket(w http.ResponseWriter, r *http.Request) {
	var req CreatePocketRequest
	if !decode(w, r, &req) {
		return
	}
	in := pocket.CreateInput{
		Owner:             ownerFrom(r.Context()),
		AccountID:         ledger.AccountID(req.AccountID),
		Type:              ledger.PocketType(req.Type),
		Subtype:           ledger.PocketSubtype(req.Subtype),
		Name:              req.Name,
		Emoji:             req.Emoji,
		Currency:          req.Currency,
		TargetAmount:      req.TargetAmount,
		AllocatedAmount:   req.AllocatedAmount,
		Days:              req.Days,
		InstallmentAmount: req.InstallmentAmount,
		InstallmentsTotal: req.InstallmentsTotal,
		InterestRate:      req.InterestRate,
		InitialFunding:    req.InitialFunding,
		FundingAccountID:  ledger.AccountID(req.FundingAccountID),
		IdempotencyKey:    idempotencyKey(r),
	}
	if req.StartsAt != nil {
		in.StartsAt = *req.StartsAt
	}
	if req.EndsAt != nil {
		in.EndsAt = *req.EndsAt
	}
	if req.NextPayment != nil {
		in.NextPayment = *req.NextPayment
	}

	created, err := h.Pockets.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if created.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, PocketCreatedDTO{
		PocketDTO: toPocketDTO(created.Pocket),
		Funding:   optionalMovement(created.Funding),
		Replayed:  created.Replayed,
	})
}

func (h *Handler) GetPocket(w http.ResponseWriter, r *http.Request) {
	pk, err := h.Pockets.Get(r.Context(), ownerFrom(r.Context()), pocketID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPocketDTO(pk))
}

func (h *Handler) GetPocketSummary(w http.ResponseWriter, r *http.Request) {
	day, err := queryDate(r, "date")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Pockets.Summary(r.Context(), ownerFrom(r.Context()), pocketID(r), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPocketSummaryDTO(s))
}

func (h *Handler) FundPocket(w http.ResponseWriter, r *http.Request) {
	var req PocketMovementRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Pockets.Fund(r.Context(), pocket.FundInput{
		Owner:           ownerFrom(r.Context()),
		PocketID:        pocketID(r),
		Amount:          req.Amount,
		SourceAccountID: ledger.AccountID(req.SourceAccountID),
		Description:     req.Description,
		IdempotencyKey:  idempotencyKey(r),
	})
	h.writeEffect(w, r, eff, err)
}

func (h *Handler) RecordPocketExpense(w http.ResponseWriter, r *http.Request) {
	var req PocketMovementRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Pockets.RecordExpense(r.Context(), pocket.ExpenseInput{
		Owner:          ownerFrom(r.Context()),
		PocketID:       pocketID(r),
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r),
	})
	h.writeEffect(w, r, eff, err)
}

func (h *Handler) WithdrawFromPocket(w http.ResponseWriter, r *http.Request) {
	var req PocketMovementRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Pockets.Withdraw(r.Context(), pocket.WithdrawInput{
		Owner:           ownerFrom(r.Context()),
		PocketID:        pocketID(r),
		Amount:          req.Amount,
		TargetAccountID: ledger.AccountID(req.TargetAccountID),
		Description:     req.Description,
		IdempotencyKey:  idempotencyKey(r),
	})
	h.writeEffect(w, r, eff, err)
}

func (h *Handler) ClosePocket(w http.ResponseWriter, r *http.Request) {
	var req ClosePocketRequest
	if !decode(w, r, &req) {
		return
	}
	closed, err := h.Pockets.Close(r.Context(), pocket.CloseInput{
		Owner:           ownerFrom(r.Context()),
		PocketID:        pocketID(r),
		TargetAccountID: ledger.AccountID(req.TargetAccountID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PocketClosedDTO{PocketDTO: toPocketDTO(closed.Pocket), Return: optionalMovement(closed.Return)})
}

func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Pockets.PayInstallment(r.Context(), ownerFrom(r.Context()), pocketID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InstallmentDTO{Pocket: toPocketDTO(inst.Pocket), Movement: toMovementDTO(inst.Movement)})
}

// =============================================================================
// FIXED EXPENSES
// =============================================================================

func (h *Handler) ListFixedExpenses(w http.ResponseWriter, r *http.Request) {
	items, err := h.Pockets.ListFixedExpenses(r.Context(), ownerFrom(r.Context()), pocketID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]FixedExpenseDTO, len(items))
	for i, item := range items {
		out[i] = toFixedExpenseDTO(item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateFixedExpense(w http.ResponseWriter, r *http.Request) {
	var req CreateFixedExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.Pockets.AddFixedExpense(r.Context(), pocket.FixedExpenseInput{
		Owner:    ownerFrom(r.Context()),
		PocketID: pocketID(r),
		Name:     req.Name,
		Amount:   req.Amount,
		DueDay:   req.DueDay,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFixedExpenseDTO(item))
}

func (h *Handler) GetFixedExpenseStatus(w http.ResponseWriter, r *http.Request) {
	month, err := queryDate(r, "month")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	today := h.Engine.Today()
	if month.IsZero() {
		month = today
	}
	statuses, err := h.Pockets.FixedExpenseStatus(r.Context(), ownerFrom(r.Context()), pocketID(r), month, today)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]FixedExpenseStatusDTO, len(statuses))
	for i, st := range statuses {
		out[i] = toFixedExpenseStatusDTO(st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) PayFixedExpense(w http.ResponseWriter, r *http.Request) {
	var req PayFixedExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Pockets.PayFixedExpense(r.Context(), pocket.PayFixedInput{
		Owner:          ownerFrom(r.Context()),
		ItemID:         ledger.FixedExpenseID(chi.URLParam(r, "id")),
		AccountID:      ledger.AccountID(req.AccountID),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r),
	})
	h.writeEffect(w, r, eff, err)
}
