package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"nexus/internal/apperr"
	"nexus/internal/models"
)

// alertJSON is the wire rendering of one alert.
type alertJSON struct {
	ID          int64                  `json:"id"`
	Titulo      string                 `json:"titulo"`
	Descripcion string                 `json:"descripcion"`
	Prioridad   string                 `json:"prioridad"`
	Tipo        string                 `json:"tipo"`
	Estado      string                 `json:"estado"`
	Etiqueta    string                 `json:"etiqueta"`
	FechaLimite *time.Time             `json:"fecha_limite,omitempty"`
	Metadata    models.ContextEnvelope `json:"metadata"`
	CreadoEn    time.Time              `json:"creado_en"`
}

func toAlertJSON(a models.Alert) alertJSON {
	return alertJSON{
		ID:          a.ID,
		Titulo:      a.Title,
		Descripcion: a.Description,
		Prioridad:   string(a.Priority),
		Tipo:        string(a.Type),
		Estado:      string(a.State),
		Etiqueta:    string(a.Label),
		FechaLimite: a.DueAt,
		Metadata:    a.Metadata,
		CreadoEn:    a.CreatedAt,
	}
}

func toAlertList(alerts []models.Alert) []alertJSON {
	out := make([]alertJSON, len(alerts))
	for i, a := range alerts {
		out[i] = toAlertJSON(a)
	}
	return out
}

// estadoParam maps the Spanish query vocabulary onto stored states.
func estadoParam(v string) (state string, ok bool) {
	switch v {
	case "", "pendiente":
		return string(models.AlertPending), true
	case "completada":
		return string(models.AlertCompleted), true
	case "descartada":
		return string(models.AlertDiscarded), true
	case "todas":
		return "", true
	}
	return "", false
}

func (s *Server) handleListAlertas(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	state, ok := estadoParam(r.URL.Query().Get("estado"))
	if !ok {
		s.writeError(w, apperr.New(apperr.Input, "estado must be pendiente, completada, or todas"))
		return
	}
	includeArchived := r.URL.Query().Get("incluir_archivadas") == "true"

	alerts, err := s.store.ListAlerts(user.ID, state, includeArchived)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alertas": toAlertList(alerts)})
}

func (s *Server) handlePriorityAlertas(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limite"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, apperr.New(apperr.Input, "limite must be a positive integer"))
			return
		}
		limit = n
	}

	alerts, err := s.store.PriorityAlerts(user.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alertas": toAlertList(alerts),
		"total":   len(alerts),
	})
}

type patchAlertRequest struct {
	Estado   *string `json:"estado"`
	Etiqueta *string `json:"etiqueta"`
}

func (s *Server) handlePatchAlerta(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req patchAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var state *models.AlertState
	if req.Estado != nil {
		mapped, ok := map[string]models.AlertState{
			"pendiente":  models.AlertPending,
			"completada": models.AlertCompleted,
			"descartada": models.AlertDiscarded,
		}[*req.Estado]
		if !ok {
			s.writeError(w, apperr.New(apperr.Input, "estado must be pendiente, completada, or descartada"))
			return
		}
		state = &mapped
	}

	var label *models.AlertLabel
	if req.Etiqueta != nil {
		l := models.AlertLabel(*req.Etiqueta)
		label = &l
	}

	updated, err := s.store.PatchAlert(id, user.ID, state, label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": toAlertJSON(*updated)})
}

// ─── shared request helpers ─────────────────────────────────────────────

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.Input, "invalid JSON body", err)
	}
	return nil
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.Input, "invalid id")
	}
	return id, nil
}
