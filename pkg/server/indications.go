package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/types"
)

// indicationsRequest is the body of push and calculate calls. Indications
// may be a list, a comma-separated string or a map keyed by zone.
type indicationsRequest struct {
	Indications       any  `json:"indications"`
	IgnorePeriod      bool `json:"ignore_period"`
	IgnoreIndications bool `json:"ignore_indications"`
	Incremental       bool `json:"incremental"`
	Notification      any  `json:"notification"`
}

type indicationsResponse struct {
	Error string                  `json:"error,omitempty"`
	Event *types.IndicationsEvent `json:"event,omitempty"`
}

func (s *Server) decodeIndicationsCall(w http.ResponseWriter, r *http.Request) (types.IndicationsCall, bool) {
	var req indicationsRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return types.IndicationsCall{}, false
	}
	values, err := types.ParseIndications(req.Indications)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, types.ErrEmptyIndications) {
			status = http.StatusUnprocessableEntity
		}
		writeJSONError(w, err.Error(), status)
		return types.IndicationsCall{}, false
	}
	return types.IndicationsCall{
		Indications:       values,
		IgnorePeriod:      req.IgnorePeriod,
		IgnoreIndications: req.IgnoreIndications,
		Incremental:       req.Incremental,
		Notification:      req.Notification,
	}, true
}

func (s *Server) handleIndications(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, string, types.IndicationsCall) (types.IndicationsEvent, error)) {
	ctx := r.Context()
	key := r.PathValue("key")
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("meter", key), slog.String("operation", op)))

	call, ok := s.decodeIndicationsCall(w, r)
	if !ok {
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "indications requested", slog.String("email", getEmail(r)), slog.Any("indications", call.Indications))

	event, err := run(ctx, key, call)
	resp := indicationsResponse{}
	if event.MeterCode != "" {
		resp.Event = &event
	}
	if err != nil {
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusForError(err))
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			panic(http.ErrAbortHandler)
		}
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handlePushIndications(w http.ResponseWriter, r *http.Request) {
	s.handleIndications(w, r, "push", s.indications.PushIndications)
}

func (s *Server) handleCalculateIndications(w http.ResponseWriter, r *http.Request) {
	s.handleIndications(w, r, "calculate", s.indications.CalculateIndications)
}
