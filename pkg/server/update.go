package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/types"
)

type refreshRequest struct {
	Kind types.EntityKind `json:"kind"`
}

type refreshResponse struct {
	Kinds    []types.EntityKind `json:"kinds"`
	Entities int                `json:"entities"`
	Error    string             `json:"error,omitempty"`
}

// handleRefresh runs an immediate refresh of one entity kind, or of every
// kind when none is given.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	kinds := types.EntityKinds
	var err error
	if req.Kind != "" {
		if !slices.Contains(types.EntityKinds, req.Kind) {
			writeJSONError(w, "unknown entity kind", http.StatusBadRequest)
			return
		}
		kinds = []types.EntityKind{req.Kind}
		err = s.poller.Refresh(ctx, req.Kind)
	} else {
		err = s.poller.RefreshAll(ctx)
	}

	resp := refreshResponse{Kinds: kinds}
	for _, kind := range kinds {
		resp.Entities += len(s.poller.Entities(kind))
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "manual refresh failed", slog.String("email", getEmail(r)), slog.Any("error", err))
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusForError(err))
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			panic(http.ErrAbortHandler)
		}
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "manual refresh done", slog.Int("entities", resp.Entities))
	writeJSON(w, resp)
}
