package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/types"
)

const (
	defaultHistoryWindow = 30 * 24 * time.Hour
	defaultBillingWindow = 365 * 24 * time.Hour
	maxRangeWindow       = 3 * 366 * 24 * time.Hour
)

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := s.parseTimeRange(r, defaultHistoryWindow)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	profileID := s.poller.ProfileID()
	events, err := s.storage.GetEventHistory(ctx, profileID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get events", slog.String("profileID", profileID), slog.Any("error", err))
		writeJSONError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []types.StoredEvent{}
	}
	writeJSON(w, events)
}

func (s *Server) handleBalanceHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")
	if _, ok := s.accountHandler(w, r); !ok {
		return
	}
	start, end, err := s.parseTimeRange(r, defaultHistoryWindow)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	profileID := s.poller.ProfileID()
	balances, err := s.storage.GetBalanceHistory(ctx, profileID, code, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get balances", slog.String("account", code), slog.Any("error", err))
		writeJSONError(w, "failed to get balances", http.StatusInternalServerError)
		return
	}
	if balances == nil {
		balances = []types.Balance{}
	}
	writeJSON(w, balances)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

// parseTimeRange reads the start and end query parameters. A missing end is
// now and a missing start is end minus the default window.
func (s *Server) parseTimeRange(r *http.Request, window time.Duration) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	end := s.now()
	if endStr != "" {
		var err error
		end, err = parseTime(endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
	}
	start := end.Add(-window)
	if startStr != "" {
		var err error
		start, err = parseTime(startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}
	if end.Sub(start) > maxRangeWindow {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %d days", int(maxRangeWindow.Hours()/24))
	}
	return start, end, nil
}
