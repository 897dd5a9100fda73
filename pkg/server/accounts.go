package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/export"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/types"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.poller.Accounts())
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	kind := types.EntityKind(r.URL.Query().Get("kind"))
	entities := s.poller.Entities(kind)
	if entities == nil {
		entities = []types.Entity{}
	}
	writeJSON(w, entities)
}

func (s *Server) handleListUnsupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.poller.Unsupported())
}

// accountHandler resolves the {code} path value. It writes a 404 and returns
// false when the account is unknown or unsupported.
func (s *Server) accountHandler(w http.ResponseWriter, r *http.Request) (energosbyt.AccountHandler, bool) {
	code := r.PathValue("code")
	if h, ok := s.poller.Handler(code); ok {
		return h, true
	}
	for _, u := range s.poller.Unsupported() {
		if u.Code == code {
			writeJSONError(w, u.Reason, http.StatusNotFound)
			return nil, false
		}
	}
	writeJSONError(w, "account not found", http.StatusNotFound)
	return nil, false
}

func (s *Server) handleAccountMeters(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.accountHandler(w, r); !ok {
		return
	}
	code := r.PathValue("code")
	meters := []types.Entity{}
	for _, e := range s.poller.Entities(types.KindMeters) {
		if e.AccountCode == code {
			meters = append(meters, e)
		}
	}
	writeJSON(w, meters)
}

func (s *Server) handleAccountInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h, ok := s.accountHandler(w, r)
	if !ok {
		return
	}
	start, end, err := s.parseTimeRange(r, defaultBillingWindow)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	invoices, err := h.FetchInvoices(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch invoices", slog.String("account", r.PathValue("code")), slog.Any("error", err))
		writeError(w, err)
		return
	}
	if invoices == nil {
		invoices = []types.Invoice{}
	}
	writeJSON(w, invoices)
}

func (s *Server) handleAccountPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h, ok := s.accountHandler(w, r)
	if !ok {
		return
	}
	start, end, err := s.parseTimeRange(r, defaultBillingWindow)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	payments, err := h.FetchPayments(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch payments", slog.String("account", r.PathValue("code")), slog.Any("error", err))
		writeError(w, err)
		return
	}
	if payments == nil {
		payments = []types.Payment{}
	}
	writeJSON(w, payments)
}

type balanceResponse struct {
	AccountCode string    `json:"accountCode"`
	Balance     float64   `json:"balance"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h, ok := s.accountHandler(w, r)
	if !ok {
		return
	}
	balance, err := h.FetchCurrentBalance(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch balance", slog.String("account", r.PathValue("code")), slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, balanceResponse{
		AccountCode: h.Account().Code,
		Balance:     balance,
		Timestamp:   s.now(),
	})
}

// statement collects the invoices and payments of the requested range for
// an export.
func (s *Server) statement(ctx context.Context, h energosbyt.AccountHandler, start, end time.Time) (export.Statement, error) {
	st := export.Statement{
		Account:     h.Account(),
		Start:       start,
		End:         end,
		GeneratedAt: s.now(),
	}
	var err error
	if st.Invoices, err = h.FetchInvoices(ctx, start, end); err != nil {
		return st, fmt.Errorf("failed to fetch invoices: %w", err)
	}
	st.Payments, err = h.FetchPayments(ctx, start, end)
	if err != nil && !errors.Is(err, energosbyt.ErrNotSupported) {
		return st, fmt.Errorf("failed to fetch payments: %w", err)
	}
	balance, err := h.FetchCurrentBalance(ctx)
	switch {
	case err == nil:
		st.Balance = &balance
	case !errors.Is(err, energosbyt.ErrNotSupported):
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch balance for export", slog.Any("error", err))
	}
	return st, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, ext, contentType string, render func(export.Statement) ([]byte, error)) {
	ctx := r.Context()
	h, ok := s.accountHandler(w, r)
	if !ok {
		return
	}
	start, end, err := s.parseTimeRange(r, defaultBillingWindow)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	st, err := s.statement(ctx, h, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build statement", slog.String("account", st.Account.Code), slog.Any("error", err))
		writeError(w, err)
		return
	}
	b, err := render(st)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to render statement", slog.String("format", ext), slog.Any("error", err))
		writeJSONError(w, "failed to render statement", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-invoices.%s"`, st.Account.Code, ext))
	if _, err := w.Write(b); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", export.XLSX)
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, "pdf", "application/pdf", export.PDF)
}
