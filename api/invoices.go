package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/invoice"
	"github.com/ffs/balance-engine/ledger"
)

// ExtractInvoice reads a multipart upload ("image" file, optional
// "currency" field) and returns a draft expense. Nothing is recorded.
//
//	POST /api/invoices/extract
func (h *Handler) ExtractInvoice(w http.ResponseWriter, r *http.Request) {
	if h.Extractor == nil {
		h.fail(w, r, &ledger.DependencyError{Op: "extract invoice", Err: errors.New("invoice extraction is not configured")})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, invoice.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(invoice.MaxUploadBytes); err != nil {
		h.fail(w, r, ledger.Invalid("image", "expected a multipart upload no larger than 10 MB"))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		h.fail(w, r, ledger.Invalid("image", "required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, ledger.Invalid("image", "unreadable upload"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	mimeType, _, _ = strings.Cut(mimeType, ";")

	owner := ownerFrom(r.Context())
	fallback := ledger.NormalizeCurrency(r.FormValue("currency"))
	if fallback == "" {
		if primary, err := engine.PrimaryAccount(r.Context(), h.Engine.Reader(), owner); err == nil && len(primary.Currencies) > 0 {
			fallback = primary.Currencies[0]
		}
	}

	draft, err := invoice.Scan(r.Context(), h.Extractor, data, strings.TrimSpace(mimeType), fallback, h.Engine.Today())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Debug("invoice extracted", "owner", owner, "issues", len(draft.Issues), "complete", draft.Complete())
	writeJSON(w, http.StatusOK, draft)
}
