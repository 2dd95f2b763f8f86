package httpapi

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"nexus/internal/apperr"
	"nexus/internal/models"
)

// syncMessage is the device batch's wire shape for one message.
type syncMessage struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	ChatName  string `json:"chat_name"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	IsMine    bool   `json:"is_mine"`
	Kind      string `json:"kind"`
}

// handleSyncBatch ingests a device's message batch, gunzipping when the
// device compressed it. It never touches the LLM.
func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			s.writeError(w, apperr.Wrap(apperr.Input, "invalid gzip body", err))
			return
		}
		defer gz.Close()
		body = gz
	}

	var wire []syncMessage
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		s.writeError(w, apperr.Wrap(apperr.Input, "invalid JSON batch", err))
		return
	}

	msgs := make([]models.WhatsAppMessage, len(wire))
	for i, m := range wire {
		kind := m.Kind
		if kind == "" {
			kind = "text"
		}
		msgs[i] = models.WhatsAppMessage{
			ID:        m.ID,
			ChatID:    m.ChatID,
			ChatName:  m.ChatName,
			Content:   m.Content,
			Timestamp: time.Unix(m.Timestamp, 0),
			IsMine:    m.IsMine,
			Kind:      kind,
		}
	}

	saved, err := s.nexus.Ingest(r.Context(), user.ID, r.Header.Get("x-device-id"), msgs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"mensajes_guardados": saved,
	})
}

// handleBrain triggers a brain pass over the caller's unprocessed
// messages and reports the per-chat outcome.
func (s *Server) handleBrain(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	results, err := s.nexus.RunBrain(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"resumen_operacion": results,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	user, err := s.authUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mux.Vars(r)["user_id"] != user.ID {
		s.writeError(w, apperr.New(apperr.Authorization, "stats belong to another user"))
		return
	}

	total, processed, err := s.store.MessageCounts(user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"mensajes_totales":    total,
		"mensajes_procesados": processed,
		"mensajes_pendientes": total - processed,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTranscribe accepts a voice note, queues its background
// transcription, and returns immediately.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authUser(r); err != nil {
		s.writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(25 << 20); err != nil {
		s.writeError(w, apperr.Wrap(apperr.Input, "invalid multipart body", err))
		return
	}
	messageID := r.FormValue("mensaje_id")
	chatName := r.FormValue("chat_nombre")
	if messageID == "" {
		s.writeError(w, apperr.New(apperr.Input, "mensaje_id is required"))
		return
	}

	file, _, err := r.FormFile("archivo")
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.Input, "archivo is required", err))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "nexus-audio-"+uuid.NewString()+"-*")
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.Programming, "temp file", err))
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.writeError(w, apperr.Wrap(apperr.Programming, "temp write", err))
		return
	}
	tmp.Close()

	s.nexus.TranscribeAsync(messageID, chatName, tmp.Name())
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "encolado"})
}
