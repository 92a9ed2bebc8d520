package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/ffs/balance-engine/api"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/fx"
	"github.com/ffs/balance-engine/invoice"
	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/ledger/store"
	"github.com/ffs/balance-engine/notify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const owner = "owner-1"

// Monday.
var fixedNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testAPI struct {
	t       *testing.T
	srv     *httptest.Server
	handler *api.Handler
	auth    *api.Authenticator
	hub     *notify.Hub
	mem     *store.Memory
}

func newAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	hub := notify.NewHub()
	e := engine.New(mem,
		engine.WithClock(func() time.Time { return fixedNow }),
		engine.WithLogger(quietLogger()),
		engine.WithNotifier(hub),
	)
	h := api.NewHandler(e, fx.NewTable(), hub, quietLogger())
	auth := &api.Authenticator{Secret: []byte("test-secret"), DevHeader: true}
	srv := httptest.NewServer(api.NewRouter(h, api.RouterConfig{Auth: auth}))
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, handler: h, auth: auth, hub: hub, mem: mem}
}

// call sends a JSON request as owner (unless headers override it) and
// returns the status and raw body.
func (a *testAPI) call(method, path string, body any, headers ...string) (int, []byte) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.OwnerHeader, owner)
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp.StatusCode, raw
}

func decodeAs[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (a *testAPI) createAccount(name string, currencies ...string) api.AccountDTO {
	a.t.Helper()
	status, raw := a.call(http.MethodPost, "/api/accounts", api.CreateAccountRequest{Name: name, Currencies: currencies})
	require.Equal(a.t, http.StatusCreated, status, string(raw))
	return decodeAs[api.AccountDTO](a.t, raw)
}

func (a *testAPI) income(accountID, amount, currency string) {
	a.t.Helper()
	status, raw := a.call(http.MethodPost, "/api/accounts/"+accountID+"/income",
		api.AccountMovementRequest{Amount: dec(amount), Currency: currency})
	require.Equal(a.t, http.StatusCreated, status, string(raw))
}

func (a *testAPI) balance(accountID, currency string) decimal.Decimal {
	a.t.Helper()
	status, raw := a.call(http.MethodGet, "/api/accounts/"+accountID+"/balance", nil)
	require.Equal(a.t, http.StatusOK, status, string(raw))
	return decodeAs[api.BalanceDTO](a.t, raw).Native[currency]
}

// =============================================================================
// HEALTH & AUTH
// =============================================================================

func TestHealth_NoAuthNeeded(t *testing.T) {
	a := newAPI(t)
	status, raw := a.call(http.MethodGet, "/api/health", nil, api.OwnerHeader, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"status":"ok"`)
}

func TestAuth(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")

	// No credentials.
	status, raw := a.call(http.MethodGet, "/api/accounts", nil, api.OwnerHeader, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", decodeAs[api.ErrorResponse](t, raw).Code)

	// A token signed with another secret.
	forged, err := (&api.Authenticator{Secret: []byte("other")}).IssueToken("owner-1", time.Hour)
	require.NoError(t, err)
	status, _ = a.call(http.MethodGet, "/api/accounts", nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, status)

	// A valid token for another owner sees nothing of owner-1.
	token, err := a.auth.IssueToken("owner-2", time.Hour)
	require.NoError(t, err)
	status, raw = a.call(http.MethodGet, "/api/accounts", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(raw))

	status, raw = a.call(http.MethodGet, "/api/accounts/"+bank.ID, nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", decodeAs[api.ErrorResponse](t, raw).Code)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccounts_MovementsAndErrors(t *testing.T) {
	a := newAPI(t)

	// GIVEN: a primary account with 5000 COP
	bank := a.createAccount("Bank", "cop")
	assert.True(t, bank.IsPrimary)
	assert.Equal(t, []string{"COP"}, bank.Currencies)
	a.income(bank.ID, "5000", "COP")

	// WHEN: spending more than the balance
	status, raw := a.call(http.MethodPost, "/api/accounts/"+bank.ID+"/expense",
		api.AccountMovementRequest{Amount: dec("6000"), Currency: "COP", Description: "laptop"})

	// THEN: 422 with the shortfall, nothing written
	require.Equal(t, http.StatusUnprocessableEntity, status, string(raw))
	er := decodeAs[api.ErrorResponse](t, raw)
	assert.Equal(t, "insufficient_balance", er.Code)
	assert.False(t, er.Retryable)
	details, ok := er.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1000.00", details["shortfall"])
	assert.True(t, a.balance(bank.ID, "COP").Equal(dec("5000")))

	// A valid expense returns the effect.
	status, raw = a.call(http.MethodPost, "/api/accounts/"+bank.ID+"/expense",
		api.AccountMovementRequest{Amount: dec("1200"), Currency: "COP", Description: "groceries"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	eff := decodeAs[api.EffectDTO](t, raw)
	assert.Equal(t, "expense", eff.Movement.Type)
	require.NotNil(t, eff.Account)
	assert.True(t, eff.Account.Balances["COP"].Equal(dec("3800")))

	// Validation errors name the field.
	status, raw = a.call(http.MethodPost, "/api/accounts", api.CreateAccountRequest{Name: "Empty"})
	require.Equal(t, http.StatusBadRequest, status)
	er = decodeAs[api.ErrorResponse](t, raw)
	assert.Equal(t, "validation", er.Code)
	assert.Equal(t, "currencies", er.Details.(map[string]any)["field"])

	// Unknown JSON fields are rejected.
	status, _ = a.call(http.MethodPost, "/api/accounts", map[string]any{"name": "X", "currencies": []string{"COP"}, "balance": 10})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAccounts_TransferAndMovementQuery(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")
	wallet := a.createAccount("Wallet", "COP")
	a.income(bank.ID, "5000", "COP")

	status, raw := a.call(http.MethodPost, "/api/accounts/"+bank.ID+"/transfer",
		api.AccountMovementRequest{Amount: dec("750"), Currency: "COP", ToAccountID: wallet.ID})
	require.Equal(t, http.StatusCreated, status, string(raw))
	eff := decodeAs[api.EffectDTO](t, raw)
	require.NotNil(t, eff.Counterparty)
	assert.True(t, eff.Counterparty.Balances["COP"].Equal(dec("750")))

	status, raw = a.call(http.MethodGet, "/api/movements?account_id="+wallet.ID, nil)
	require.Equal(t, http.StatusOK, status)
	ms := decodeAs[[]api.MovementDTO](t, raw)
	require.Len(t, ms, 1)
	assert.Equal(t, "transfer", ms[0].Type)

	status, raw = a.call(http.MethodGet, "/api/movements?type=income,transfer", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeAs[[]api.MovementDTO](t, raw), 2)

	status, _ = a.call(http.MethodGet, "/api/movements?type=refund", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestApplyMovement_RawAndIdempotent(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")

	body := api.ApplyMovementRequest{Type: "income", Amount: dec("100"), Currency: "COP", AccountID: bank.ID}
	status, raw := a.call(http.MethodPost, "/api/movements", body, api.IdempotencyHeader, "salary-03")
	require.Equal(t, http.StatusCreated, status, string(raw))
	first := decodeAs[api.EffectDTO](t, raw)

	status, raw = a.call(http.MethodPost, "/api/movements", body, api.IdempotencyHeader, "salary-03")
	require.Equal(t, http.StatusOK, status, string(raw))
	again := decodeAs[api.EffectDTO](t, raw)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Movement.ID, again.Movement.ID)
	assert.True(t, a.balance(bank.ID, "COP").Equal(dec("100")))
}

// =============================================================================
// PERIODS
// =============================================================================

func createPeriodBody(walletID, bankID string) api.CreatePeriodRequest {
	req := api.CreatePeriodRequest{
		AccountID: walletID, Name: "March", Percentage: dec("20"), Days: 10, AllocatedAmount: dec("1000"),
	}
	req.Transfer = &struct {
		SourceAccountID string `json:"source_account_id"`
	}{SourceAccountID: bankID}
	return req
}

func TestPeriods_CreateIsIdempotentAndFinishRefunds(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")
	wallet := a.createAccount("Wallet", "COP")
	a.income(bank.ID, "5000", "COP")

	// GIVEN: a funded period created twice with one key
	status, raw := a.call(http.MethodPost, "/api/periods", createPeriodBody(wallet.ID, bank.ID), api.IdempotencyHeader, "march")
	require.Equal(t, http.StatusCreated, status, string(raw))
	created := decodeAs[api.PeriodCreatedDTO](t, raw)
	require.NotNil(t, created.Transfer)
	assert.True(t, created.DailyAmount.Equal(dec("100")))

	status, raw = a.call(http.MethodPost, "/api/periods", createPeriodBody(wallet.ID, bank.ID), api.IdempotencyHeader, "march")
	require.Equal(t, http.StatusOK, status, string(raw))
	replay := decodeAs[api.PeriodCreatedDTO](t, raw)
	assert.True(t, replay.Replayed)
	assert.Equal(t, created.ID, replay.ID)
	assert.True(t, a.balance(bank.ID, "COP").Equal(dec("4000")), "funded once")

	// WHEN: 300 is spent and the period is finished with a refund
	status, raw = a.call(http.MethodPost, "/api/accounts/"+wallet.ID+"/expense",
		api.AccountMovementRequest{Amount: dec("300"), Currency: "COP", PeriodID: created.ID})
	require.Equal(t, http.StatusCreated, status, string(raw))

	status, raw = a.call(http.MethodPost, "/api/periods/"+created.ID+"/finish", api.ClosePeriodRequest{Refund: true})
	require.Equal(t, http.StatusOK, status, string(raw))
	closed := decodeAs[api.PeriodClosedDTO](t, raw)

	// THEN
	assert.Equal(t, "finished", closed.Status)
	require.NotNil(t, closed.Refund)
	assert.True(t, closed.Refund.Amount.Equal(dec("700")))
	assert.True(t, a.balance(bank.ID, "COP").Equal(dec("4700")))
	assert.True(t, a.balance(wallet.ID, "COP").Equal(dec("0")))

	// Finishing twice is a state error.
	status, raw = a.call(http.MethodPost, "/api/periods/"+created.ID+"/finish", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state", decodeAs[api.ErrorResponse](t, raw).Code)
}

func TestPeriods_SummaryAndList(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")
	wallet := a.createAccount("Wallet", "COP")
	a.income(bank.ID, "5000", "COP")
	status, raw := a.call(http.MethodPost, "/api/periods", createPeriodBody(wallet.ID, bank.ID))
	require.Equal(t, http.StatusCreated, status, string(raw))
	p := decodeAs[api.PeriodCreatedDTO](t, raw)

	status, raw = a.call(http.MethodGet, "/api/periods/"+p.ID+"/summary?date=2025-03-04", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	sum := decodeAs[api.PeriodSummaryDTO](t, raw)
	assert.Equal(t, 2, sum.Snapshot.DaysElapsed)
	assert.True(t, sum.Snapshot.Accumulated.Equal(dec("200")))
	assert.NotEmpty(t, sum.Projection)

	status, raw = a.call(http.MethodGet, "/api/periods?status=active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeAs[[]api.PeriodDTO](t, raw), 1)

	status, raw = a.call(http.MethodGet, "/api/periods?status=draft", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeAs[[]api.PeriodDTO](t, raw))

	status, _ = a.call(http.MethodGet, "/api/periods/"+p.ID+"/summary?date=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// POCKETS
// =============================================================================

func TestPockets_ExpenseAndClose(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")
	a.income(bank.ID, "5000", "COP")

	// GIVEN: a 10-day groceries pocket funded with 500 from the bank
	status, raw := a.call(http.MethodPost, "/api/pockets", api.CreatePocketRequest{
		AccountID: bank.ID, Type: "expense", Subtype: "period", Name: "Groceries",
		AllocatedAmount: dec("500"), Days: 10,
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	pk := decodeAs[api.PocketCreatedDTO](t, raw)
	require.NotNil(t, pk.Funding)
	assert.True(t, pk.CurrentBalance.Equal(dec("500")))

	status, raw = a.call(http.MethodPost, "/api/pockets/"+pk.ID+"/expenses", api.PocketMovementRequest{Amount: dec("320"), Description: "market"})
	require.Equal(t, http.StatusCreated, status, string(raw))

	// WHEN
	status, raw = a.call(http.MethodPost, "/api/pockets/"+pk.ID+"/close", nil)

	// THEN: the unspent 180 goes back to the bank
	require.Equal(t, http.StatusOK, status, string(raw))
	closed := decodeAs[api.PocketClosedDTO](t, raw)
	assert.Equal(t, "cancelled", closed.Status)
	require.NotNil(t, closed.Return)
	assert.True(t, closed.Return.Amount.Equal(dec("180")))
	assert.True(t, a.balance(bank.ID, "COP").Equal(dec("4680")))

	status, _ = a.call(http.MethodPost, "/api/pockets/"+pk.ID+"/close", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestPockets_FixedExpenses(t *testing.T) {
	a := newAPI(t)
	bank := a.createAccount("Bank", "COP")
	a.income(bank.ID, "5000", "COP")

	status, raw := a.call(http.MethodPost, "/api/pockets", api.CreatePocketRequest{
		AccountID: bank.ID, Type: "expense", Subtype: "fixed", Name: "Bills", InitialFunding: dec("1000"),
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	bills := decodeAs[api.PocketCreatedDTO](t, raw)

	status, raw = a.call(http.MethodPost, "/api/pockets/"+bills.ID+"/fixed-expenses",
		api.CreateFixedExpenseRequest{Name: "Rent", Amount: dec("800"), DueDay: 5})
	require.Equal(t, http.StatusCreated, status, string(raw))
	rent := decodeAs[api.FixedExpenseDTO](t, raw)

	status, raw = a.call(http.MethodPost, "/api/fixed-expenses/"+rent.ID+"/pay", nil)
	require.Equal(t, http.StatusCreated, status, string(raw))
	eff := decodeAs[api.EffectDTO](t, raw)
	assert.Equal(t, "fixed_expense", eff.Movement.Type)
	assert.Equal(t, rent.ID, eff.Movement.FixedExpenseID)

	status, raw = a.call(http.MethodGet, "/api/pockets/"+bills.ID+"/fixed-expenses/status", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	sts := decodeAs[[]api.FixedExpenseStatusDTO](t, raw)
	require.Len(t, sts, 1)
	assert.True(t, sts[0].Paid)
	assert.Equal(t, eff.Movement.ID, sts[0].PaidBy)
	assert.Equal(t, ledger.NewDate(2025, time.March, 5), sts[0].DueDate)
}

// =============================================================================
// RATES
// =============================================================================

func TestRates_DisplayConversion(t *testing.T) {
	a := newAPI(t)
	acc := a.createAccount("Savings", "USD")
	a.income(acc.ID, "10", "USD")

	status, raw := a.call(http.MethodPut, "/api/rates", api.RateDTO{From: "usd", To: "COP", Rate: dec("4000"), Date: ledger.NewDate(2025, time.March, 1)})
	require.Equal(t, http.StatusOK, status, string(raw))

	status, raw = a.call(http.MethodGet, "/api/accounts/"+acc.ID+"/balance?display=COP", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	view := decodeAs[api.BalanceDTO](t, raw)
	require.NotNil(t, view.Display)
	assert.True(t, view.Display.Total.Equal(dec("40000")))
	assert.True(t, view.Native["USD"].Equal(dec("10")), "native balances are untouched")

	status, _ = a.call(http.MethodPut, "/api/rates", api.RateDTO{From: "COP", To: "COP", Rate: dec("1")})
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw = a.call(http.MethodGet, "/api/rates", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeAs[[]api.RateDTO](t, raw), 1)
}

// =============================================================================
// INVOICES
// =============================================================================

type stubExtractor struct{ out invoice.Extraction }

func (s stubExtractor) Extract(context.Context, []byte, string) (invoice.Extraction, error) {
	return s.out, nil
}

func uploadReceipt(t *testing.T, a *testAPI) (int, []byte) {
	t.Helper()
	var img bytes.Buffer
	require.NoError(t, imaging.Encode(&img, imaging.New(60, 90, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), imaging.PNG))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="receipt.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/api/invoices/extract", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(api.OwnerHeader, owner)
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestExtractInvoice(t *testing.T) {
	a := newAPI(t)

	// Without an extractor the feature is unavailable.
	status, raw := uploadReceipt(t, a)
	require.Equal(t, http.StatusServiceUnavailable, status)
	er := decodeAs[api.ErrorResponse](t, raw)
	assert.Equal(t, "dependency", er.Code)
	assert.True(t, er.Retryable)

	// GIVEN: a COP primary account and a receipt with no currency
	a.createAccount("Bank", "COP")
	a.handler.Extractor = stubExtractor{out: invoice.Extraction{Vendor: "Exito", Date: "2025-03-01", Total: "45.000"}}

	// WHEN
	status, raw = uploadReceipt(t, a)

	// THEN: the primary account's currency is assumed and flagged
	require.Equal(t, http.StatusOK, status, string(raw))
	draft := decodeAs[invoice.Draft](t, raw)
	assert.Equal(t, ledger.Currency("COP"), draft.Currency)
	require.NotNil(t, draft.Amount)
	assert.True(t, draft.Amount.Equal(dec("45000")))
	var fields []string
	for _, is := range draft.Issues {
		fields = append(fields, is.Field)
	}
	assert.ElementsMatch(t, []string{"currency", "amount"}, fields)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestStreamEvents(t *testing.T) {
	a := newAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set(api.OwnerHeader, owner)
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return a.hub.Subscribers(owner) == 1 }, time.Second, 5*time.Millisecond)

	// WHEN: the owner creates an account
	a.createAccount("Bank", "COP")

	// THEN: one change arrives on the stream
	lines := bufio.NewScanner(resp.Body)
	var data string
	for lines.Scan() {
		if d, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
			data = d
			break
		}
	}
	require.NotEmpty(t, data)
	change := decodeAs[notify.Change](t, []byte(data))
	assert.Equal(t, "create_account", change.Operation)
	assert.Equal(t, ledger.OwnerID(owner), change.Owner)
	assert.Len(t, change.Accounts, 1)
}
