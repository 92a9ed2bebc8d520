/*
handlers.go - HTTP API handlers for the balance engine

PURPOSE:
  Exposes accounts, periods, pockets and the ledger over REST. Handlers
  parse HTTP, call a service, and serialize the result. No balance math
  happens here.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                  List the caller's accounts
    POST   /api/accounts                  Create account
    GET    /api/accounts/{id}             Account details
    GET    /api/accounts/{id}/balance     Native balances (+ ?display=USD)
    POST   /api/accounts/{id}/income      Record income
    POST   /api/accounts/{id}/expense     Record expense (optionally against a period)
    POST   /api/accounts/{id}/transfer    Transfer to another account

  Movements:
    GET    /api/movements                 Filtered ledger
    POST   /api/movements                 Apply a raw movement

  Rates:
    GET    /api/rates                     Rates in effect (?date=)
    PUT    /api/rates                     Upsert one rate

ARCHITECTURE:
  Handler struct holds the services. The caller is always the owner from
  the auth middleware; ids in the path are checked against it by the
  services and show up as 404 when they belong to someone else.

IDEMPOTENCY:
  Creating endpoints read the Idempotency-Key header. A replay returns the
  original result with "replayed": true.

ERROR HANDLING:
  Errors are returned as JSON {error, code, details, retryable}:
  - 400: validation
  - 404: not_found
  - 409: invalid_state, concurrency_conflict (retryable)
  - 422: insufficient_balance
  - 500: inconsistent_state, internal
  - 503: dependency (retryable)

SEE ALSO:
  - dto.go: Request/response data structures
  - periods.go, pockets.go: lifecycle endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ffs/balance-engine/account"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/fx"
	"github.com/ffs/balance-engine/invoice"
	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/notify"
	"github.com/ffs/balance-engine/period"
	"github.com/ffs/balance-engine/pocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// IdempotencyHeader carries the client's retry key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RateStore is what the rates endpoints need; the SQL store and fx.Table
// both implement it.
type RateStore interface {
	fx.RateSource
	fx.RateWriter
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *engine.Engine
	Accounts *account.Service
	Periods  *period.Service
	Pockets  *pocket.Service

	Rates     RateStore         // optional
	Extractor invoice.Extractor // optional
	Events    *notify.Hub       // optional
	Ping      func(context.Context) error

	Logger *slog.Logger
}

// NewHandler wires the services around one engine.
func NewHandler(e *engine.Engine, rates RateStore, hub *notify.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Engine:   e,
		Accounts: &account.Service{Engine: e},
		Periods:  &period.Service{Engine: e},
		Pockets:  &pocket.Service{Engine: e},
		Rates:    rates,
		Events:   hub,
		Logger:   logger.With("component", "api"),
	}
	if rates != nil {
		h.Accounts.Rates = rates
	}
	return h
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "time": h.Engine.Now()}
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.fail(w, r, &ledger.DependencyError{Op: "ping store", Err: err})
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Accounts.List(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		out[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.Accounts.Create(r.Context(), account.CreateInput{
		Owner:          ownerFrom(r.Context()),
		Name:           req.Name,
		Currencies:     req.Currencies,
		IsPrimary:      req.IsPrimary,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acc))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Accounts.Get(r.Context(), ownerFrom(r.Context()), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

func (h *Handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	view, err := h.Accounts.Balance(r.Context(), ownerFrom(r.Context()),
		ledger.AccountID(chi.URLParam(r, "id")), r.URL.Query().Get("display"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

func (h *Handler) movementInput(r *http.Request, req AccountMovementRequest) account.MovementInput {
	in := account.MovementInput{
		Owner:          ownerFrom(r.Context()),
		AccountID:      ledger.AccountID(chi.URLParam(r, "id")),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r),
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	return in
}

func (h *Handler) RecordIncome(w http.ResponseWriter, r *http.Request) {
	var req AccountMovementRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Accounts.Income(r.Context(), h.movementInput(r, req))
	h.writeEffect(w, r, eff, err)
}

func (h *Handler) RecordExpense(w http.ResponseWriter, r *http.Request) {
	var req AccountMovementRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Accounts.Expense(r.Context(), account.ExpenseInput{
		MovementInput: h.movementInput(r, req),
		PeriodID:      ledger.PeriodID(req.PeriodID),
	})
	h.writeEffect(w, r, eff, err)
}

func (h *Handler) RecordTransfer(w http.ResponseWriter, r *http.Request) {
	var req AccountMovementRequest
	if !decode(w, r, &req) {
		return
	}
	eff, err := h.Accounts.Transfer(r.Context(), account.TransferInput{
		MovementInput: h.movementInput(r, req),
		ToAccountID:   ledger.AccountID(req.ToAccountID),
	})
	h.writeEffect(w, r, eff, err)
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// ListMovements supports account_id, period_id, pocket_id, fixed_expense_id,
// type (comma separated), from/to (RFC 3339 or YYYY-MM-DD) and limit.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.MovementFilter{
		AccountID:      ledger.AccountID(q.Get("account_id")),
		PeriodID:       ledger.PeriodID(q.Get("period_id")),
		PocketID:       ledger.PocketID(q.Get("pocket_id")),
		FixedExpenseID: ledger.FixedExpenseID(q.Get("fixed_expense_id")),
	}
	for _, t := range splitList(q.Get("type")) {
		mt := ledger.MovementType(t)
		if !mt.Valid() {
			h.fail(w, r, ledger.Invalid("type", fmt.Sprintf("unknown movement type %q", t)))
			return
		}
		f.Types = append(f.Types, mt)
	}
	var err error
	if f.From, err = queryTime(q.Get("from"), "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.To, err = queryTime(q.Get("to"), "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if f.Limit, err = strconv.Atoi(raw); err != nil || f.Limit < 0 {
			h.fail(w, r, ledger.Invalid("limit", "must be a non-negative integer"))
			return
		}
	}

	ms, err := h.Accounts.Movements(r.Context(), ownerFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(ms))
}

// ApplyMovement hands a raw movement to the engine. The owner always comes
// from the credentials.
func (h *Handler) ApplyMovement(w http.ResponseWriter, r *http.Request) {
	var req ApplyMovementRequest
	if !decode(w, r, &req) {
		return
	}
	m := ledger.Movement{
		Owner:          ownerFrom(r.Context()),
		Type:           ledger.MovementType(req.Type),
		Amount:         req.Amount,
		Currency:       ledger.NormalizeCurrency(req.Currency),
		AccountID:      ledger.AccountID(req.AccountID),
		CounterpartyID: ledger.AccountID(req.CounterpartyID),
		PeriodID:       ledger.PeriodID(req.PeriodID),
		PocketID:       ledger.PocketID(req.PocketID),
		FixedExpenseID: ledger.FixedExpenseID(req.FixedExpenseID),
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r),
	}
	if req.OccurredAt != nil {
		m.OccurredAt = *req.OccurredAt
	}
	eff, err := h.Engine.ApplyMovement(r.Context(), m)
	h.writeEffect(w, r, eff, err)
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	if h.Rates == nil {
		h.fail(w, r, &ledger.DependencyError{Op: "list rates", Err: errors.New("no rate store configured")})
		return
	}
	day := h.Engine.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := ledger.ParseDate(raw)
		if err != nil {
			h.fail(w, r, ledger.Invalid("date", "expected YYYY-MM-DD"))
			return
		}
		day = d
	}
	rates, err := h.Rates.RatesOn(r.Context(), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]RateDTO, len(rates))
	for i, rate := range rates {
		out[i] = toRateDTO(rate)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) UpsertRate(w http.ResponseWriter, r *http.Request) {
	if h.Rates == nil {
		h.fail(w, r, &ledger.DependencyError{Op: "upsert rate", Err: errors.New("no rate store configured")})
		return
	}
	var req RateDTO
	if !decode(w, r, &req) {
		return
	}
	rate := fx.Rate{
		From: ledger.NormalizeCurrency(req.From),
		To:   ledger.NormalizeCurrency(req.To),
		Rate: req.Rate,
		Date: req.Date,
	}
	if rate.Date.IsZero() {
		rate.Date = h.Engine.Today()
	}
	if err := rate.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Rates.UpsertRate(r.Context(), rate); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(code string) int {
	switch code {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "concurrency_conflict":
		return http.StatusConflict
	case "insufficient_balance":
		return http.StatusUnprocessableEntity
	case "dependency":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a domain error. Server-side failures are logged with the
// request id; their details never reach the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.Code(err)
	status := statusFor(code)
	resp := ErrorResponse{Error: err.Error(), Code: code, Retryable: ledger.IsRetryable(err), Details: errorDetails(err)}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method, "path", r.URL.Path, "code", code, "error", err)
		switch code {
		case "dependency":
			resp.Error = "a dependency is unavailable; try again later"
		case "inconsistent_state":
			resp.Error = "stored data failed a consistency check"
		default:
			resp.Error = "internal error"
		}
		resp.Details = nil
	}
	writeJSON(w, status, resp)
}

func errorDetails(err error) any {
	var ve *ledger.ValidationError
	var ie *ledger.InsufficientBalanceError
	var se *ledger.InvalidStateError
	switch {
	case errors.As(err, &ve):
		return map[string]string{"field": ve.Field, "reason": ve.Reason}
	case errors.As(err, &ie):
		return map[string]string{
			"scope":     ie.Scope,
			"id":        ie.ID,
			"currency":  string(ie.Currency),
			"available": ie.Available.StringFixed(2),
			"requested": ie.Requested.StringFixed(2),
			"shortfall": ie.Shortfall().StringFixed(2),
		}
	case errors.As(err, &se):
		return map[string]string{"kind": se.Kind, "id": se.ID, "status": se.Status}
	}
	return nil
}

func (h *Handler) writeEffect(w http.ResponseWriter, r *http.Request, eff engine.Effect, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if eff.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toEffectDTO(eff))
}

// decode reads a JSON body. An empty body leaves v untouched, so optional
// bodies need no special casing.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", err.Error())
		return false
	}
	return true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdempotencyHeader))
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func queryTime(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	d, err := ledger.ParseDate(raw)
	if err != nil {
		return nil, ledger.Invalid(field, "expected RFC 3339 or YYYY-MM-DD")
	}
	t := d.Time()
	return &t, nil
}

func queryDate(r *http.Request, name string) (ledger.Date, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return ledger.Date{}, nil
	}
	d, err := ledger.ParseDate(raw)
	if err != nil {
		return ledger.Date{}, ledger.Invalid(name, "expected YYYY-MM-DD")
	}
	return d, nil
}
