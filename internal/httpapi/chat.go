package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"nexus/internal/apperr"
	"nexus/internal/authn"
	"nexus/internal/gate"
	"nexus/internal/models"
)

type chatRequest struct {
	Mensaje      string `json:"mensaje"`
	ModoProfundo bool   `json:"modo_profundo"`
}

type chatResponse struct {
	Respuesta          string                  `json:"respuesta"`
	Metadata           *models.ContextEnvelope `json:"metadata,omitempty"`
	AlertasGeneradas   []alertJSON             `json:"alertas_generadas,omitempty"`
	NuevosAprendizajes []string                `json:"nuevos_aprendizajes,omitempty"`
}

// handleChat is the main conversational entry: questions go to the
// consulta engine, everything else through the intent gate into the task
// extractor or the value processor.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Mensaje) == "" {
		s.writeError(w, apperr.New(apperr.Input, "mensaje is required"))
		return
	}

	resp, err := s.routeUtterance(r, user, req.Mensaje, req.ModoProfundo, models.OriginAppChat)
	if err != nil {
		if isDataIntegrity(err) {
			s.writeJSON(w, http.StatusOK, map[string]string{
				"status":    "error_db",
				"respuesta": "Tu sesión quedó desincronizada, por favor vuelve a iniciar sesión.",
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// routeUtterance is the gate-then-dispatch core shared by /chat, the
// file analyzer, and the webhook.
func (s *Server) routeUtterance(r *http.Request, user *models.User, mensaje string, deep bool, origin models.ConversationOrigin) (*chatResponse, error) {
	ctx := r.Context()

	// Questions are read-only: route them to consulta before spending a
	// gate call.
	if strings.Contains(mensaje, "?") || strings.Contains(mensaje, "¿") {
		answer, err := s.consulta.Answer(ctx, user.ID, mensaje, deep)
		if err != nil {
			return nil, err
		}
		return &chatResponse{Respuesta: answer}, nil
	}

	result := gate.Classify(ctx, s.llm, mensaje)
	switch result.Intent {
	case gate.IntentTask:
		alert, err := s.tasks.ExtractAndStore(ctx, user.ID, user.PushToken, mensaje, true)
		if err != nil {
			return nil, err
		}
		return &chatResponse{
			Respuesta:        fmt.Sprintf("Listo, agendado: %s", alert.Title),
			Metadata:         &alert.Metadata,
			AlertasGeneradas: []alertJSON{toAlertJSON(*alert)},
		}, nil

	case gate.IntentValue:
		res, err := s.values.Process(ctx, user.ID, user.PushToken, mensaje, result.Urgency, origin)
		if err != nil {
			return nil, apperr.Wrap(apperr.External, "no pude procesar el mensaje ahora", err)
		}
		out := &chatResponse{
			Respuesta:          "Anotado 📝",
			NuevosAprendizajes: res.LearnedFacts,
		}
		for _, a := range res.DerivedAlerts {
			out.AlertasGeneradas = append(out.AlertasGeneradas, toAlertJSON(*a))
		}
		return out, nil

	default:
		return &chatResponse{Respuesta: "¡Hola! ¿En qué te ayudo?"}, nil
	}
}

// handleAnalizar ingests uploaded files as VALUE context.
func (s *Server) handleAnalizar(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		s.writeError(w, apperr.Wrap(apperr.Input, "invalid multipart body", err))
		return
	}

	var combined strings.Builder
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			data, rerr := io.ReadAll(io.LimitReader(f, 1<<20))
			f.Close()
			if rerr != nil {
				continue
			}
			combined.Write(data)
			combined.WriteString("\n")
		}
	}
	if strings.TrimSpace(combined.String()) == "" {
		s.writeError(w, apperr.New(apperr.Input, "no readable files in upload"))
		return
	}

	resp, err := s.routeUtterance(r, user, combined.String(), false, models.OriginAppFile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": resp})
}

// handleWebhook is the unauthenticated telco entry: form-encoded in, an
// empty XML response out, the actual processing async.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	body := r.FormValue("Body")

	// Ack immediately; the carrier only needs the empty envelope.
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)

	if strings.TrimSpace(body) == "" {
		return
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil && s.log != nil {
				s.log.Errorw("httpapi: webhook processing panic", "panic", rec)
			}
		}()
		user, err := s.store.GetOrCreateUser(authn.StubUserID, "")
		if err != nil {
			if s.log != nil {
				s.log.Warnw("httpapi: webhook user provisioning failed", "err", err)
			}
			return
		}
		req, _ := http.NewRequest(http.MethodPost, "/", nil)
		if _, err := s.routeUtterance(req, user, body, false, models.OriginWhatsAppWebhook); err != nil && s.log != nil {
			s.log.Warnw("httpapi: webhook processing failed", "err", err)
		}
	}()
}

func isDataIntegrity(err error) bool {
	return apperr.HTTPStatus(err) == http.StatusConflict
}
