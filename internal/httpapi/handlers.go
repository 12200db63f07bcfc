package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corebank/payments-ledger/internal/domain"
	"github.com/corebank/payments-ledger/internal/engine"
	"github.com/corebank/payments-ledger/internal/money"
	"github.com/corebank/payments-ledger/internal/statemachine"
)

type Handlers struct {
	eng *engine.Engine
}

func NewHandlers(eng *engine.Engine) *Handlers { return &Handlers{eng: eng} }

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr renders the spec's {"error":{type,message,details?}} envelope.
func writeErr(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		derr = domain.WrapError(domain.KindInternalError, "internal error", err)
	}

	code := httpStatusForKind(derr.ErrKind)
	body := map[string]any{"type": string(derr.ErrKind), "message": derr.Message}
	if code >= 500 {
		body["message"] = "internal error"
	} else if derr.Details != nil {
		body["details"] = derr.Details
	}
	writeJSON(w, code, map[string]any{"error": body})
}

func httpStatusForKind(k domain.Kind) int {
	switch k {
	case domain.KindValidationError:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidStateTransition, domain.KindIdempotencyConflict:
		return http.StatusConflict
	case domain.KindInvalidAmount:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func correlationID(r *http.Request) string {
	if c := r.Header.Get("X-Correlation-Id"); c != "" {
		return c
	}
	return uuid.New().String()
}

func renderPayment(p *domain.Payment) map[string]any {
	out := map[string]any{
		"id":                p.ID,
		"object":            "payment",
		"status":            string(p.Status),
		"amount":            p.Amount,
		"currency":          p.Currency,
		"authorized_amount": p.AuthorizedAmount,
		"captured_amount":   p.CapturedAmount,
		"refunded_amount":   p.RefundedAmount,
		"description":       p.Description,
		"metadata":          p.Metadata,
		"created_at":        p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.ExpiresAt != nil {
		out["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	} else {
		out["expires_at"] = nil
	}
	return out
}

// authorizeRequest is the wire shape for POST /v1/payments/authorize.
type authorizeRequest struct {
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, domain.ValidationError("invalid request body: %v", err))
		return
	}

	amt, err := money.FromString(req.Amount)
	if err != nil {
		writeErr(w, domain.InvalidAmountError("amount %q is not a valid integer minor-unit amount", req.Amount))
		return
	}

	p, err := h.eng.Authorize(r.Context(), engine.AuthorizeParams{
		Amount:      amt,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    req.Metadata,
	}, correlationID(r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPayment(p))
}

type amountOnlyRequest struct {
	Amount *string `json:"amount"`
}

func parseOptionalAmount(r *http.Request) (*money.Amount, error) {
	var req amountOnlyRequest
	if r.ContentLength == 0 {
		return nil, nil
	}
	if err := decodeJSON(r, &req); err != nil {
		return nil, domain.ValidationError("invalid request body: %v", err)
	}
	if req.Amount == nil {
		return nil, nil
	}
	amt, err := money.FromString(*req.Amount)
	if err != nil {
		return nil, domain.InvalidAmountError("amount %q is not a valid integer minor-unit amount", *req.Amount)
	}
	return &amt, nil
}

func (h *Handlers) Capture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amt, err := parseOptionalAmount(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, err := h.eng.Capture(r.Context(), id, engine.CaptureParams{Amount: amt}, correlationID(r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(p))
}

func (h *Handlers) Void(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.eng.Void(r.Context(), id, correlationID(r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(p))
}

func (h *Handlers) Settle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.eng.Settle(r.Context(), id, correlationID(r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(p))
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amt, err := parseOptionalAmount(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, err := h.eng.Refund(r.Context(), id, engine.RefundParams{Amount: amt}, correlationID(r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(p))
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.eng.GetPayment(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPayment(p))
}

func (h *Handlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeErr(w, domain.ValidationError("limit must be an integer between 1 and 100"))
			return
		}
		limit = n
	}

	var status *statemachine.Status
	if v := q.Get("status"); v != "" {
		s := statemachine.Status(v)
		status = &s
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	page, err := h.eng.ListPayments(ctx, limit, q.Get("cursor"), status)
	if err != nil {
		writeErr(w, err)
		return
	}

	data := make([]map[string]any, len(page.Data))
	for i := range page.Data {
		data[i] = renderPayment(&page.Data[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object":      "list",
		"data":        data,
		"has_more":    page.HasMore,
		"next_cursor": page.NextCursor,
	})
}

func (h *Handlers) GetPaymentLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	txs, err := h.eng.GetPaymentLedger(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		entries := make([]map[string]any, 0, len(tx.Entries))
		for _, e := range tx.Entries {
			entries = append(entries, map[string]any{
				"id":         e.ID,
				"account_id": e.AccountID,
				"direction":  string(e.Direction),
				"amount":     e.Amount,
			})
		}
		out = append(out, map[string]any{
			"id":          tx.ID,
			"description": tx.Description,
			"created_at":  tx.CreatedAt.UTC().Format(time.RFC3339),
			"entries":     entries,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (h *Handlers) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := h.eng.GetAccountBalance(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object":     "balance",
		"account_id": bal.AccountID,
		"kind":       string(bal.Kind),
		"balance":    bal.Balance,
	})
}
