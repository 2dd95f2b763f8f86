// Package tasks implements the task extractor: turns a natural
// language utterance into a structured Alert with a calendrical
// timestamp, ordered sub-actions, and a priority.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"nexus/internal/apperr"
	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/textctx"
)

// confirmationKeywords gate notification emission for VALUE-path derived
// tasks.
var confirmationKeywords = []string{"confirma", "avisa", "notifica", "recuérdame", "recuerdame"}

// subAction mirrors the task.yaml response schema's array element.
type subAction struct {
	Titulo      string `json:"titulo"`
	Descripcion string `json:"descripcion"`
	TipoAccion  string `json:"tipo_accion"`
	Prioridad   string `json:"prioridad"`
	Etiqueta    string `json:"etiqueta"`
	FechaISO    string `json:"fecha_iso"`
	DatoExtra   string `json:"dato_extra"`
}

// Extractor turns utterances into alerts. It is constructed once and shared by
// every handler that can produce a task (chat, value-processor derived
// tasks, WhatsApp brain pass).
type Extractor struct {
	store  *store.Store
	client llm.Client
	sender push.Sender
	log    *zap.SugaredLogger
}

func New(s *store.Store, c llm.Client, sender push.Sender, log *zap.SugaredLogger) *Extractor {
	return &Extractor{store: s, client: c, sender: sender, log: log}
}

// ExtractAndStore runs the full extraction path: a best-effort deterministic
// envelope, a single LLM sub-action call, aggregation into one Alert, a
// retried auto-provisioning insert, and (when notify is true) a push
// notification summarising the stored sub-actions.
func (e *Extractor) ExtractAndStore(ctx context.Context, userID, deviceToken, utterance string, notify bool) (*models.Alert, error) {
	now := time.Now().In(textctx.Lima)
	extraction := textctx.Extract(utterance, now)
	envelope := extraction.ToEnvelope()

	fechaReferencia := envelope.FechaHora.Fecha
	if fechaReferencia == "" {
		fechaReferencia = now.Format("2006-01-02")
	}

	alert := e.buildAlert(ctx, userID, utterance, now, fechaReferencia, envelope)

	id, err := e.insertWithRetry(ctx, userID, alert)
	if err != nil {
		return nil, err
	}
	alert.ID = id

	if hasMeet(alert.Metadata.AccionesProgramadas) {
		e.rewriteMeetLink(alert)
	}

	if notify && e.sender != nil && deviceToken != "" {
		e.dispatchNotification(ctx, deviceToken, alert)
	}

	return alert, nil
}

func (e *Extractor) buildAlert(ctx context.Context, userID, utterance string, now time.Time, fechaReferencia string, envelope models.ContextEnvelope) *models.Alert {
	userPrompt := fmt.Sprintf(
		"Reference now (America/Lima): %s\nFallback date if none found: %s\nDeterministic extraction: %s\nUtterance: %s",
		now.Format(time.RFC3339), fechaReferencia, mustJSON(envelope), utterance,
	)

	raw, err := e.client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptTask),
		UserPrompt:   userPrompt,
		JSONMode:     true,
	})
	if err != nil {
		if e.log != nil {
			e.log.Warnw("tasks: llm call failed, using fallback alert", "err", err)
		}
		return fallbackAlert(userID, utterance, envelope)
	}

	var subActions []subAction
	if jerr := json.Unmarshal([]byte(raw), &subActions); jerr != nil || len(subActions) == 0 {
		if e.log != nil {
			e.log.Warnw("tasks: llm response parse failed, using fallback alert", "err", jerr)
		}
		return fallbackAlert(userID, utterance, envelope)
	}

	return aggregate(userID, subActions, envelope)
}

// aggregate picks a primary sub-action
// (first agendar_calendario, else first in order) whose fields become the
// Alert's own, with every sub-action preserved in metadata.
func aggregate(userID string, subActions []subAction, envelope models.ContextEnvelope) *models.Alert {
	primaryIdx := 0
	for i, sa := range subActions {
		if sa.TipoAccion == "agendar_calendario" {
			primaryIdx = i
			break
		}
	}
	primary := subActions[primaryIdx]

	scheduled := make([]models.ScheduledAction, 0, len(subActions))
	for _, sa := range subActions {
		scheduled = append(scheduled, models.ScheduledAction{
			Tipo:                sa.TipoAccion,
			Titulo:              sa.Titulo,
			FechaHoraEspecifica: sa.FechaISO,
			DatoExtra:           sa.DatoExtra,
		})
	}
	envelope.AccionesProgramadas = scheduled
	if len(subActions) > 1 {
		envelope.TipoAccion = "multiple"
	}

	var dueAt *time.Time
	if t, ok := parseLocal(primary.FechaISO); ok {
		dueAt = &t
	}

	return &models.Alert{
		UserID:      userID,
		Title:       nonEmpty(primary.Titulo, "Recordatorio"),
		Description: nonEmpty(primary.Descripcion, primary.Titulo),
		Priority:    mapPriority(primary.Prioridad),
		Type:        models.AlertAutoDetected,
		Label:       mapLabel(primary.Etiqueta),
		DueAt:       dueAt,
		Metadata:    envelope,
	}
}

func fallbackAlert(userID, utterance string, envelope models.ContextEnvelope) *models.Alert {
	return &models.Alert{
		UserID:      userID,
		Title:       "Recordatorio Rápido",
		Description: utterance,
		Priority:    models.PriorityMedium,
		Type:        models.AlertAutoDetected,
		Label:       models.LabelOthers,
		Metadata:    envelope,
	}
}

func (e *Extractor) insertWithRetry(ctx context.Context, userID string, alert *models.Alert) (int64, error) {
	id, err := e.store.InsertAlert(alert)
	if err == nil {
		return id, nil
	}

	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.DataIntegrity {
		return 0, err
	}

	// One-shot auto-provision retry.
	if _, provErr := e.store.GetOrCreateUser(userID, ""); provErr != nil {
		return 0, err
	}
	return e.store.InsertAlert(alert)
}

func hasMeet(actions []models.ScheduledAction) bool {
	for _, a := range actions {
		if a.Tipo == "crear_meet" {
			return true
		}
	}
	return false
}

// rewriteMeetLink generates a deterministic, real-looking meet link from
// the alert id, since this implementation has no DB-side trigger to rewrite
// the `https://meet.google.com/new` placeholder.
func (e *Extractor) rewriteMeetLink(alert *models.Alert) {
	link := fmt.Sprintf("https://meet.google.com/nexus-%d", alert.ID)
	alert.Metadata.LinkMeet = link
	for i := range alert.Metadata.AccionesProgramadas {
		if alert.Metadata.AccionesProgramadas[i].Tipo == "crear_meet" && alert.Metadata.AccionesProgramadas[i].DatoExtra == "" {
			alert.Metadata.AccionesProgramadas[i].DatoExtra = link
		}
	}
	if err := e.store.UpdateAlertMetadata(alert.ID, alert.Metadata); err != nil && e.log != nil {
		e.log.Warnw("tasks: failed to persist rewritten meet link", "alert_id", alert.ID, "err", err)
	}
}

func (e *Extractor) dispatchNotification(ctx context.Context, deviceToken string, alert *models.Alert) {
	body := summarizeActions(alert.Metadata.AccionesProgramadas)
	n := models.PushNotification{
		Title: alert.Title,
		Body:  body,
		Data: map[string]string{
			models.PushKeyTipo:               "alerta",
			models.PushKeyAlertaID:           fmt.Sprintf("%d", alert.ID),
			models.PushKeyAccionesJSON:       push.MarshalData(alert.Metadata.AccionesProgramadas),
			models.PushKeyMetadata:           push.MarshalData(alert.Metadata),
			models.PushKeyEjecutarAutomatico: "true",
		},
	}
	if err := e.sender.Send(ctx, deviceToken, n); err != nil && e.log != nil {
		e.log.Warnw("tasks: push send failed", "alert_id", alert.ID, "err", err)
	}
}

func summarizeActions(actions []models.ScheduledAction) string {
	if len(actions) == 0 {
		return ""
	}
	if len(actions) == 1 {
		return fmt.Sprintf("%s a las %s", actions[0].Titulo, actions[0].FechaHoraEspecifica)
	}
	var titles []string
	for _, a := range actions {
		titles = append(titles, a.Titulo)
	}
	return strings.Join(titles, ", ")
}

// ShouldNotifyDerived decides whether a batch of derived tasks warrants
// a notification: only on a confirmation
// keyword in the source utterance, or when any derived task is HIGH
// priority.
func ShouldNotifyDerived(utterance string, anyHighPriority bool) bool {
	if anyHighPriority {
		return true
	}
	lower := strings.ToLower(utterance)
	for _, kw := range confirmationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func mapPriority(p string) models.AlertPriority {
	switch strings.ToUpper(p) {
	case "ALTA", "HIGH":
		return models.PriorityHigh
	default:
		return models.PriorityMedium
	}
}

func mapLabel(l string) models.AlertLabel {
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

func nonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func parseLocal(iso string) (time.Time, bool) {
	if iso == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", iso, textctx.Lima)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
