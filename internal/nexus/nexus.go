// Package nexus handles the WhatsApp device path: idempotent bulk ingest
// of message batches and the background brain pass that distils
// unprocessed messages into per-chat rolling memories and alerts.
package nexus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/store"
)

// Transcriber is the speech-to-text collaborator for voice notes.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// UnavailableTranscriber stands in when no STT backend is configured:
// every request fails and the voice note simply stays untranscribed.
type UnavailableTranscriber struct{}

func (UnavailableTranscriber) Transcribe(ctx context.Context, filePath string) (string, error) {
	return "", fmt.Errorf("nexus: no transcription backend configured")
}

// Service owns ingest, the brain pass, and voice-note transcription.
type Service struct {
	store       *store.Store
	client      llm.Client
	transcriber Transcriber
	log         *zap.SugaredLogger

	// chatLocks serialises brain work per chat so two overlapping passes
	// cannot interleave one chat's read-advance-write cycle.
	chatLocks sync.Map // map[string]*sync.Mutex
}

func New(s *store.Store, c llm.Client, tr Transcriber, log *zap.SugaredLogger) *Service {
	return &Service{store: s, client: c, transcriber: tr, log: log}
}

func (s *Service) lockFor(key string) *sync.Mutex {
	v, _ := s.chatLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Ingest bulk-upserts a device batch. It never calls the LLM; the
// endpoint returns as fast as the store permits.
func (s *Service) Ingest(ctx context.Context, userID, deviceID string, msgs []models.WhatsAppMessage) (int, error) {
	for i := range msgs {
		msgs[i].UserID = userID
		msgs[i].DeviceID = deviceID
		msgs[i].Synced = true
	}
	if _, err := s.store.GetOrCreateUser(userID, ""); err != nil {
		return 0, err
	}
	return s.store.UpsertWhatsAppMessages(msgs)
}

// ChatResult summarises one chat's slice of a brain pass.
type ChatResult struct {
	Chat          string `json:"chat"`
	Mensajes      int    `json:"mensajes"`
	TareasCreadas int    `json:"tareas_creadas"`
}

type brainTask struct {
	Titulo      string `json:"titulo"`
	Descripcion string `json:"descripcion"`
	Prioridad   string `json:"prioridad"`
}

type brainResponse struct {
	NuevoResumen string      `json:"nuevo_resumen"`
	Tareas       []brainTask `json:"tareas"`
	Intencion    string      `json:"intencion"`
}

// noPreviousHistory is the sentinel fed to the LLM for a chat with no
// stored memory yet.
const noPreviousHistory = "(sin historial previo)"

// RunBrain processes every unprocessed message for userID: group by
// chat, advance each chat's running summary with one LLM call, emit one
// alert per extracted task, then mark the messages processed. One chat
// failing never stops the others.
func (s *Service) RunBrain(ctx context.Context, userID string) ([]ChatResult, error) {
	msgs, err := s.store.UnprocessedMessages(userID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []ChatResult{}, nil
	}

	// Messages arrive sorted by chat_name then ts; group preserving order.
	var chatOrder []string
	byChat := map[string][]models.WhatsAppMessage{}
	for _, m := range msgs {
		if _, ok := byChat[m.ChatName]; !ok {
			chatOrder = append(chatOrder, m.ChatName)
		}
		byChat[m.ChatName] = append(byChat[m.ChatName], m)
	}

	results := make([]ChatResult, 0, len(chatOrder))
	for _, chat := range chatOrder {
		res, err := s.processChat(ctx, userID, chat, byChat[chat])
		if err != nil {
			if s.log != nil {
				s.log.Warnw("nexus: chat brain pass failed", "chat", chat, "err", err)
			}
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func (s *Service) processChat(ctx context.Context, userID, chat string, msgs []models.WhatsAppMessage) (*ChatResult, error) {
	mu := s.lockFor(userID + "|" + chat)
	mu.Lock()
	defer mu.Unlock()

	ids := make([]string, len(msgs))
	totalLen := 0
	for i, m := range msgs {
		ids[i] = m.ID
		totalLen += len(m.Content)
	}

	// A lone near-empty message is noise: mark it processed and move on
	// without burning an LLM call.
	if len(msgs) == 1 && totalLen < 10 {
		if err := s.store.MarkProcessed(ids); err != nil {
			return nil, err
		}
		return &ChatResult{Chat: chat, Mensajes: 1, TareasCreadas: 0}, nil
	}

	prevSummary := noPreviousHistory
	if mem, err := s.store.GetChatMemory(userID, chat); err == nil {
		prevSummary = mem.CurrentSummary
	}

	var transcript strings.Builder
	for _, m := range msgs {
		who := chat
		if m.IsMine {
			who = "YO"
		}
		fmt.Fprintf(&transcript, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), who, m.Content)
	}

	prompt := fmt.Sprintf("RESUMEN PREVIO DEL CHAT %q:\n%s\n\nMENSAJES NUEVOS:\n%s",
		chat, prevSummary, transcript.String())

	raw, err := s.client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptBrain),
		UserPrompt:   prompt,
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}
	var resp brainResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}

	if err := s.store.UpsertChatMemory(&models.ChatMemory{
		UserID:         userID,
		ChatName:       chat,
		CurrentSummary: resp.NuevoResumen,
		OpenTopics:     resp.Intencion,
	}); err != nil {
		return nil, err
	}

	lastTS := msgs[len(msgs)-1].Timestamp.Format("2006-01-02T15:04:05")
	created := 0
	for _, task := range resp.Tareas {
		alert := &models.Alert{
			UserID:      userID,
			Title:       "⚡ " + task.Titulo,
			Description: task.Descripcion,
			Priority:    mapBrainPriority(task.Prioridad),
			Type:        models.AlertTareaIA,
			Label:       models.LabelOthers,
			Metadata: models.ContextEnvelope{
				TipoAccion: "tarea_general",
			},
		}
		// Provenance rides on the envelope's scheduled-actions slot so
		// the client can render where the task came from.
		alert.Metadata.AccionesProgramadas = []models.ScheduledAction{{
			Tipo:      "origen",
			Titulo:    "whatsapp_cerebro: " + chat,
			DatoExtra: lastTS,
		}}
		if _, err := s.store.InsertAlert(alert); err != nil {
			if s.log != nil {
				s.log.Warnw("nexus: brain alert insert failed", "chat", chat, "err", err)
			}
			continue
		}
		created++
	}

	if err := s.store.MarkProcessed(ids); err != nil {
		return nil, err
	}
	return &ChatResult{Chat: chat, Mensajes: len(msgs), TareasCreadas: created}, nil
}

func mapBrainPriority(p string) models.AlertPriority {
	switch strings.ToUpper(p) {
	case "HIGH", "ALTA":
		return models.PriorityHigh
	case "LOW", "BAJA":
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

// TranscribeAsync schedules a voice note's transcription in the
// background and returns immediately. On success the message's content
// is overwritten with the transcribed text and the message rejoins the
// next brain pass. The temporary file is removed on every exit.
func (s *Service) TranscribeAsync(messageID, chatName, filePath string) {
	go func() {
		defer os.Remove(filePath)
		defer func() {
			if rec := recover(); rec != nil && s.log != nil {
				s.log.Errorw("nexus: transcription panic", "message_id", messageID, "panic", rec)
			}
		}()

		if s.transcriber == nil {
			return
		}
		text, err := s.transcriber.Transcribe(context.Background(), filePath)
		if err != nil {
			if s.log != nil {
				s.log.Warnw("nexus: transcription failed", "message_id", messageID, "err", err)
			}
			return
		}
		if err := s.store.UpdateMessageContent(messageID, "[AUDIO TRANSCRITO] "+text); err != nil && s.log != nil {
			s.log.Warnw("nexus: transcription store failed", "message_id", messageID, "err", err)
		}
	}()
}
