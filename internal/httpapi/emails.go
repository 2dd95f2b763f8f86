package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/models"
)

const syncBatchSize = 25

type syncEmailsRequest struct {
	GmailAccessToken string `json:"gmail_access_token"`
	EmailGmail       string `json:"email_gmail"`
	ServerAuthCode   string `json:"server_auth_code"`
	RefreshToken     string `json:"refresh_token"`
}

// handleSyncEmails upserts the account, pulls the latest inbox slice,
// and runs it through the triage cascade.
func (s *Server) handleSyncEmails(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req syncEmailsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.GmailAccessToken == "" || req.EmailGmail == "" {
		s.writeError(w, apperr.New(apperr.Input, "gmail_access_token and email_gmail are required"))
		return
	}

	accountID, err := s.store.UpsertEmailAccount(&models.EmailAccount{
		UserID:       user.ID,
		EmailAddress: req.EmailGmail,
		AccessToken:  req.GmailAccessToken,
		RefreshToken: req.RefreshToken,
		ClientID:     s.cfg.GmailOAuthClientID,
		ClientSecret: s.cfg.GmailOAuthClientSecret,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	gc, err := s.gmail(r.Context(), req.GmailAccessToken)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.External, "could not reach Gmail", err))
		return
	}

	emails, err := gc.ListRecent(r.Context(), syncBatchSize)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.External, "could not fetch mailbox", err))
		return
	}

	stats, criticals, err := s.triage.ProcessBatch(r.Context(), user.ID, accountID, user.DisplayName, user.PushToken, emails)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{
		"status":              "ok",
		"estadisticas":        stats,
		"correos_importantes": criticals,
	}
	if len(criticals) > 0 {
		resp["top_correo"] = criticals[0]
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAnalyzeHistory runs the one-shot historic mailbox scan.
func (s *Server) handleAnalyzeHistory(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req syncEmailsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.GmailAccessToken == "" || req.EmailGmail == "" {
		s.writeError(w, apperr.New(apperr.Input, "gmail_access_token and email_gmail are required"))
		return
	}

	account, err := s.store.GetEmailAccount(user.ID, req.EmailGmail)
	if err != nil {
		accountID, uerr := s.store.UpsertEmailAccount(&models.EmailAccount{
			UserID: user.ID, EmailAddress: req.EmailGmail, AccessToken: req.GmailAccessToken,
		})
		if uerr != nil {
			s.writeError(w, uerr)
			return
		}
		account = &models.EmailAccount{ID: accountID}
	}

	gc, err := s.gmail(r.Context(), req.GmailAccessToken)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.External, "could not reach Gmail", err))
		return
	}

	stats, err := s.triage.AnalyzeHistory(r.Context(), user.ID, account.ID, gc)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.External, "historic analysis failed", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "resultado": stats})
}

type sendEmailRequest struct {
	GmailAccessToken string `json:"gmail_access_token"`
	Destinatario     string `json:"destinatario"`
	Asunto           string `json:"asunto"`
	Cuerpo           string `json:"cuerpo"`
	ThreadID         string `json:"thread_id"`
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authUser(r); err != nil {
		s.writeError(w, err)
		return
	}

	var req sendEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.GmailAccessToken == "" || req.Destinatario == "" {
		s.writeError(w, apperr.New(apperr.Input, "gmail_access_token and destinatario are required"))
		return
	}

	gc, err := s.gmail(r.Context(), req.GmailAccessToken)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.External, "could not reach Gmail", err))
		return
	}
	if err := gc.Send(r.Context(), req.Destinatario, req.Asunto, req.Cuerpo, req.ThreadID); err != nil {
		s.writeError(w, apperr.Wrap(apperr.External, "send failed", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// emailJSON is the wire rendering of one analyzed email.
type emailJSON struct {
	ID             int64      `json:"id"`
	Remitente      string     `json:"remitente"`
	Asunto         string     `json:"asunto"`
	Fecha          time.Time  `json:"fecha"`
	Score          int        `json:"score_importancia"`
	Categoria      string     `json:"categoria"`
	Urgencia       string     `json:"urgencia"`
	RequiereAccion bool       `json:"requiere_accion"`
	Respuesta      string     `json:"respuesta_sugerida"`
	Tono           string     `json:"tono_detectado"`
	Acciones       []string   `json:"acciones_pendientes"`
	FechaLimite    *time.Time `json:"fecha_limite,omitempty"`
	Leido          bool       `json:"leido"`
	Respondido     bool       `json:"respondido"`
	RespondidoEn   *time.Time `json:"respondido_en,omitempty"`
}

func toEmailList(emails []models.AnalyzedEmail) []emailJSON {
	out := make([]emailJSON, len(emails))
	for i, e := range emails {
		out[i] = emailJSON{
			ID:             e.ID,
			Remitente:      e.Sender,
			Asunto:         e.Subject,
			Fecha:          e.Date,
			Score:          e.ImportanceScore,
			Categoria:      e.Category,
			Urgencia:       e.Urgency,
			RequiereAccion: e.RequiresAction,
			Respuesta:      e.SuggestedReply,
			Tono:           e.DetectedTone,
			Acciones:       e.PendingActions,
			FechaLimite:    e.DueDate,
			Leido:          e.Read,
			Respondido:     e.Answered,
			RespondidoEn:   e.AnsweredAt,
		}
	}
	return out
}

func (s *Server) handlePendingEmails(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	onlyPending := r.URL.Query().Get("filtro") != "todos"
	emails, err := s.store.PendingEmails(user.ID, onlyPending)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"correos": toEmailList(emails)})
}

func (s *Server) handleAnsweredEmails(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limite"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	emails, err := s.store.AnsweredEmails(user.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"correos": toEmailList(emails),
		"total":   len(emails),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.MarkEmailRead(id, user.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"mensaje": "correo marcado como leído"})
}

type markAnsweredRequest struct {
	FechaRespuesta   string `json:"fecha_respuesta"`
	RespuestaEnviada string `json:"respuesta_enviada"`
}

func (s *Server) handleMarkAnswered(w http.ResponseWriter, r *http.Request) {
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

	var req markAnsweredRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	answeredAt := time.Now()
	if req.FechaRespuesta != "" {
		if t, err := time.Parse(time.RFC3339, req.FechaRespuesta); err == nil {
			answeredAt = t
		}
	}

	if err := s.store.MarkEmailAnswered(id, user.ID, answeredAt, req.RespuestaEnviada); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevertAnswered(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.RevertEmailAnswered(id, user.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
