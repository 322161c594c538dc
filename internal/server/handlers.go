package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/curation"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/source"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, records.ErrRecordNotFound), errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, records.ErrProtectedRecord),
		errors.Is(err, checkpoint.ErrProvisionalCheckpoint),
		errors.Is(err, checkpoint.ErrUnresolvableRevision):
		return http.StatusConflict
	case errors.Is(err, curation.ErrInvalidTier),
		errors.Is(err, curation.ErrReservedTier),
		errors.Is(err, curation.ErrUnknownSourcePath),
		errors.Is(err, eventlog.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("server: request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handler) exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if h.Lock == nil {
		return fn(ctx)
	}
	return h.Lock.Exclusive(ctx, fn)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"records": h.Records.Snapshot().CountByTier(),
	}
	if h.Cycles != nil {
		if last := h.Cycles.Last(); last != nil {
			resp["last_cycle"] = map[string]any{
				"cycle_id":   last.CycleID,
				"outcome":    last.Outcome,
				"started_at": last.StartedAt,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listRecords(w http.ResponseWriter, r *http.Request) {
	var tier model.Tier
	if t := r.URL.Query().Get("tier"); t != "" {
		parsed, err := model.ParseTier(t)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		tier = parsed
	}
	writeJSON(w, http.StatusOK, h.Records.List(tier))
}

func (h *handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.Records.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found: " + id})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) curateRecord(w http.ResponseWriter, r *http.Request) {
	var rec model.DerivedRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if rec.ID == "" {
		badRequest(w, "id is required")
		return
	}
	out, err := h.Curation.Curate(r.Context(), rec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// deriveRecord stores a record produced by a deriver and clears its stale flag.
func (h *handler) deriveRecord(w http.ResponseWriter, r *http.Request) {
	var rec model.DerivedRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	rec.ID = chi.URLParam(r, "id")
	if rec.Tier != "" {
		if _, err := model.ParseTier(string(rec.Tier)); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	out, err := h.Curation.Derive(r.Context(), rec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.Curation.Delete(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) promoteRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := h.Curation.Promote(r.Context(), chi.URLParam(r, "id"), tier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) touchRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Curation.Touch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.Checkpoints.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cps == nil {
		cps = []model.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (h *handler) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	var cp model.Checkpoint
	err := h.exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		cp, err = h.Checkpoints.Create(ctx, req.Label)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (h *handler) restoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	var res checkpoint.RestoreResult
	err := h.exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = h.Checkpoints.Restore(ctx, chi.URLParam(r, "id"))
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.EventFilter{
		EntityID: q.Get("entity_id"),
		Kind:     model.EventKind(q.Get("kind")),
	}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, key+" must be RFC3339")
			return
		}
		*dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	events, err := h.Events.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) runSync(w http.ResponseWriter, r *http.Request) {
	if h.Cycles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync is not configured"})
		return
	}
	rep, err := h.Cycles.Run(r.Context())
	if err != nil {
		status := statusFor(err)
		if rep == nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, status, rep)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
