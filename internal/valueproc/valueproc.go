// Package valueproc implements the value processor: turns a VALUE
// utterance into a Conversation summary, durable ProfileFacts, and any
// derived Alerts.
package valueproc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"time"

	"go.uber.org/zap"

	"nexus/internal/llm"
	"nexus/internal/memory"
	"nexus/internal/models"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/tasks"
	"nexus/internal/textctx"
)

type derivedTask struct {
	Titulo      string `json:"titulo"`
	Prioridad   string `json:"prioridad"`
	Descripcion string `json:"descripcion"`
	Etiqueta    string `json:"etiqueta"`
}

type llmResponse struct {
	ResumenGuardar      string        `json:"resumen_guardar"`
	TipoEvento          string        `json:"tipo_evento"`
	AprendizajesUsuario []string      `json:"aprendizajes_usuario"`
	Tareas              []derivedTask `json:"tareas"`
}

// Result is what Process produced, for callers (e.g. the /chat handler)
// that need to report back alertas_generadas / nuevos_aprendizajes.
type Result struct {
	ConversationID int64
	LearnedFacts   []string
	DerivedAlerts  []*models.Alert
}

// Processor persists what a VALUE utterance is worth keeping.
type Processor struct {
	store     *store.Store
	client    llm.Client
	extractor *tasks.Extractor
	sender    push.Sender
	memory    *memory.Memory
	log       *zap.SugaredLogger
}

func New(s *store.Store, c llm.Client, extractor *tasks.Extractor, sender push.Sender, mem *memory.Memory, log *zap.SugaredLogger) *Processor {
	return &Processor{store: s, client: c, extractor: extractor, sender: sender, memory: mem, log: log}
}

// Process handles an already gate-classified VALUE utterance: one LLM
// call, one Conversation insert, idempotent ProfileFact upserts, and one
// Alert insert per derived task with its own deterministic envelope.
func (p *Processor) Process(ctx context.Context, userID, deviceToken, utterance string, urgency models.Urgency, origin models.ConversationOrigin) (*Result, error) {
	raw, err := p.client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptValue),
		UserPrompt:   utterance,
		JSONMode:     true,
	})
	if err != nil {
		if p.log != nil {
			p.log.Warnw("valueproc: llm call failed", "err", err)
		}
		return nil, err
	}

	var resp llmResponse
	if jerr := json.Unmarshal([]byte(raw), &resp); jerr != nil {
		if p.log != nil {
			p.log.Warnw("valueproc: llm response parse failed", "err", jerr)
		}
		return nil, jerr
	}

	convID, err := p.store.InsertConversation(&models.Conversation{
		UserID:  userID,
		Summary: resp.ResumenGuardar,
		Type:    mapTipoEvento(resp.TipoEvento),
		Urgency: urgency,
		Origin:  origin,
		Metadata: models.ConversationMetadata{
			RawTextTruncated: truncate(utterance, 1000),
			LearnedFacts:     resp.AprendizajesUsuario,
		},
	})
	if err != nil {
		return nil, err
	}

	if p.memory != nil {
		p.memory.AttachEmbedding(ctx, convID, resp.ResumenGuardar)
	}

	for _, fact := range resp.AprendizajesUsuario {
		f := &models.ProfileFact{
			UserID:    userID,
			FactText:  fact,
			Category:  models.AutoFactCategory,
			OriginRef: fmt.Sprintf("conv_%d", convID),
		}
		if err := p.store.UpsertProfileFact(f); err != nil && p.log != nil {
			p.log.Warnw("valueproc: upsert profile fact failed", "err", err)
		}
	}

	var derivedAlerts []*models.Alert
	anyHigh := false
	for _, dt := range resp.Tareas {
		if strings.EqualFold(dt.Prioridad, "HIGH") {
			anyHigh = true
		}
	}
	notify := tasks.ShouldNotifyDerived(utterance, anyHigh)

	for _, dt := range resp.Tareas {
		alert, aerr := p.insertDerivedAlert(ctx, userID, convID, dt)
		if aerr != nil {
			if p.log != nil {
				p.log.Warnw("valueproc: derived alert insert failed", "err", aerr)
			}
			continue
		}
		derivedAlerts = append(derivedAlerts, alert)
	}

	if notify && len(derivedAlerts) > 0 && p.sender != nil && deviceToken != "" {
		p.dispatchGroupedNotification(ctx, deviceToken, derivedAlerts)
	}

	return &Result{ConversationID: convID, LearnedFacts: resp.AprendizajesUsuario, DerivedAlerts: derivedAlerts}, nil
}

// insertDerivedAlert runs the deterministic extractor over a derived
// task's title+description and inserts it directly — it does not re-invoke
// the task extractor's own LLM call, since the value processor already
// has a structured task in hand.
func (p *Processor) insertDerivedAlert(ctx context.Context, userID string, convID int64, dt derivedTask) (*models.Alert, error) {
	extraction := textctx.Extract(dt.Titulo+" "+dt.Descripcion, time.Now().In(textctx.Lima))
	envelope := extraction.ToEnvelope()

	alert := &models.Alert{
		UserID:         userID,
		ConversationID: &convID,
		Title:          dt.Titulo,
		Description:    dt.Descripcion,
		Priority:       mapDerivedPriority(dt.Prioridad),
		Type:           models.AlertAutoDetected,
		Label:          mapDerivedLabel(dt.Etiqueta),
		Metadata:       envelope,
	}
	if t, ok := parseEnvelopeTimestamp(envelope); ok {
		alert.DueAt = &t
	}

	id, err := p.store.InsertAlert(alert)
	if err != nil {
		return nil, err
	}
	alert.ID = id
	return alert, nil
}

func (p *Processor) dispatchGroupedNotification(ctx context.Context, deviceToken string, alerts []*models.Alert) {
	var n models.PushNotification
	if len(alerts) == 1 {
		a := alerts[0]
		n = models.PushNotification{
			Title: a.Title,
			Body:  a.Description,
			Data: map[string]string{
				models.PushKeyTipo:     "tarea_derivada",
				models.PushKeyAlertaID: fmt.Sprintf("%d", a.ID),
			},
		}
	} else {
		titles := make([]string, 0, 3)
		for i, a := range alerts {
			if i >= 3 {
				break
			}
			titles = append(titles, a.Title)
		}
		body := strings.Join(titles, ", ")
		if len(alerts) > 3 {
			body += fmt.Sprintf(" …y %d más", len(alerts)-3)
		}
		n = models.PushNotification{
			Title: "Nuevas tareas detectadas",
			Body:  body,
			Data:  map[string]string{models.PushKeyTipo: "tareas_derivadas"},
		}
	}
	if err := p.sender.Send(context.Background(), deviceToken, n); err != nil && p.log != nil {
		p.log.Warnw("valueproc: grouped push send failed", "err", err)
	}
}

func mapTipoEvento(t string) models.ConversationType {
	switch strings.ToLower(t) {
	case "meeting":
		return models.ConvMeeting
	case "agreement":
		return models.ConvAgreement
	case "client_data":
		return models.ConvClientData
	case "personal":
		return models.ConvPersonal
	case "health":
		return models.ConvHealth
	default:
		return models.ConvOther
	}
}

func mapDerivedPriority(p string) models.AlertPriority {
	switch strings.ToUpper(p) {
	case "HIGH":
		return models.PriorityHigh
	case "LOW":
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

func mapDerivedLabel(l string) models.AlertLabel {
	switch strings.ToUpper(l) {
	case "BUSINESS":
		return models.LabelBusiness
	case "STUDY":
		return models.LabelStudy
	case "PARTNER":
		return models.LabelPartner
	case "HEALTH":
		return models.LabelHealth
	case "PERSONAL":
		return models.LabelPersonal
	default:
		return models.LabelOthers
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
