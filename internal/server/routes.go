package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/dedup"
	"github.com/kairoshq/kairos/internal/readiness"
	"github.com/kairoshq/kairos/internal/store"
)

type createOrMergeRequest struct {
	UserID     string       `json:"user_id"`
	EntityType string       `json:"entity_type"`
	Payload    core.Payload `json:"payload"`
}

func (s *Server) handleCreateOrMerge(w http.ResponseWriter, r *http.Request) {
	var req createOrMergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Payload.Label() == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and a labeled payload are required"})
		return
	}
	if req.EntityType == "" {
		req.EntityType = core.EntityTask
	}

	out, err := s.eng.CreateOrMerge(r.Context(), dedup.Request{
		UserID:        req.UserID,
		EntityType:    req.EntityType,
		NormalizedKey: dedup.NormalizeKey(req.Payload.Label()),
		Payload:       req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if out.Status == dedup.StatusCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

type writeRequest struct {
	Mode            string       `json:"mode"` // evolve | correct
	ValidFrom       int64        `json:"valid_from,omitempty"`
	ValidTo         *int64       `json:"valid_to,omitempty"`
	State           string       `json:"state,omitempty"`
	ExpectVersionID string       `json:"expect_version_id"`
	Payload         core.Payload `json:"payload"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	mode := core.WriteMode(req.Mode)
	if mode != core.ModeEvolve && mode != core.ModeCorrect {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be evolve or correct"})
		return
	}
	if mode == core.ModeEvolve && req.ValidFrom == 0 {
		req.ValidFrom = time.Now().UnixMilli()
	}

	v, err := s.eng.Write(r.Context(), store.WriteRequest{
		EntityID:        entityID,
		Mode:            mode,
		Payload:         req.Payload,
		State:           req.State,
		ValidFrom:       req.ValidFrom,
		ValidTo:         req.ValidTo,
		ExpectVersionID: req.ExpectVersionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReadCurrent(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.ReadCurrent(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReadAsOf(w http.ResponseWriter, r *http.Request) {
	validAt := queryInt64(r, "valid_at", time.Now().UnixMilli())
	storedAt := queryInt64(r, "stored_at", time.Now().UnixMilli())

	v, err := s.eng.ReadAsOf(r.Context(), chi.URLParam(r, "entityID"), validAt, storedAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.eng.History(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	var edge core.DependencyEdge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if edge.Kind != core.EdgeHard && edge.Kind != core.EdgeSoft {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be hard or soft"})
		return
	}
	if err := s.eng.AddEdge(r.Context(), edge); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

type checkinRequest struct {
	UserID string  `json:"user_id"`
	Score  float64 `json:"score"`
	At     int64   `json:"at,omitempty"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	snap, err := s.eng.RecordExplicit(r.Context(), req.UserID, req.Score, req.At)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	at := queryInt64(r, "at", time.Now().UnixMilli())

	snap, err := s.eng.Estimate(r.Context(), userID, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDuePatterns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	asOf := queryInt64(r, "as_of", time.Now().UnixMilli())

	patterns, err := s.eng.DuePatterns(r.Context(), userID, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "as_of": asOf})
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	ranked, err := s.eng.Rank(r.Context(), userID, nil, readiness.Options{
		At: queryInt64(r, "at", time.Now().UnixMilli()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranked": ranked})
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
