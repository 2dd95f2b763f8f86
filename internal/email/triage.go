package email

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nexus/internal/gmailclient"
	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/push"
	"nexus/internal/store"
)

const (
	minLayerScore  = 30
	deepScoreGate  = 70
	senderHistoryN = 5
)

// Triage runs the cascade over a batch and persists what survives.
type Triage struct {
	store  *store.Store
	client llm.Client
	sender push.Sender
	// limiter paces deep-analysis calls so a large batch doesn't trip
	// provider-side throttling.
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func NewTriage(s *store.Store, c llm.Client, sender push.Sender, log *zap.SugaredLogger) *Triage {
	return &Triage{
		store:   s,
		client:  c,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(4*time.Second), 1),
		log:     log,
	}
}

// BatchStats mirrors the per-batch counters the sync endpoint reports.
type BatchStats struct {
	Procesados     int `json:"procesados"`
	SpamDescartado int `json:"spam_descartado"`
	AccionBaja     int `json:"accion_baja"`
	AccionMedia    int `json:"accion_media"`
	AccionAlta     int `json:"accion_alta"`
}

// Critical is one email that finished the deep layer, for the response
// payload and the push.
type Critical struct {
	Sender       string `json:"remitente"`
	Subject      string `json:"asunto"`
	ShortSummary string `json:"resumen_corto"`
	AnalyzedID   int64  `json:"id"`
}

type quickClassification struct {
	RequiereAccion bool   `json:"requiere_accion"`
	Categoria      string `json:"categoria"`
	Urgencia       string `json:"urgencia"`
	ResumenCorto   string `json:"resumen_corto"`
}

type deepAnalysis struct {
	RespuestaSugerida  string   `json:"respuesta_sugerida"`
	TonoDetectado      string   `json:"tono_detectado"`
	AccionesPendientes []string `json:"acciones_pendientes"`
	FechaLimite        string   `json:"fecha_limite"`
	PrioridadFinal     int      `json:"prioridad_final"`
	ContextoAdicional  string   `json:"contexto_adicional"`
	CambioTono         bool     `json:"cambio_tono"`
}

// ProcessBatch runs every email through the cascade. A rejection in any
// layer skips all downstream work; a failure on one email never kills
// the batch. Already-analyzed gmail ids are filtered out first.
func (t *Triage) ProcessBatch(ctx context.Context, userID string, accountID int64, userName, deviceToken string, emails []gmailclient.Email) (*BatchStats, []Critical, error) {
	ids := make([]string, len(emails))
	for i, e := range emails {
		ids[i] = e.ID
	}
	seen, err := t.store.ExistingGmailIDs(userID, ids)
	if err != nil {
		return nil, nil, err
	}

	stats := &BatchStats{}
	var criticals []Critical

	for _, e := range emails {
		if seen[e.ID] {
			continue
		}
		stats.Procesados++

		// Layer 1: no LLM.
		if IsObviousSpam(e) {
			stats.SpamDescartado++
			continue
		}
		score := InitialScore(e, userName)
		if score < minLayerScore {
			stats.SpamDescartado++
			continue
		}

		// Layer 2: cheap classification.
		cls, err := t.quickClassify(ctx, e)
		if err != nil {
			if t.log != nil {
				t.log.Warnw("email: quick classify failed", "gmail_id", e.ID, "err", err)
			}
			stats.AccionBaja++
			continue
		}
		if cls.Categoria == "spam" || !cls.RequiereAccion {
			stats.AccionBaja++
			continue
		}

		// Layer 3: deep analysis for what's actually critical.
		if cls.Urgencia != "alta" && score <= deepScoreGate {
			stats.AccionMedia++
			continue
		}

		if err := t.limiter.Wait(ctx); err != nil {
			return stats, criticals, err
		}

		analyzedID, err := t.deepAnalyze(ctx, userID, accountID, e, cls, score)
		if err != nil {
			if t.log != nil {
				t.log.Warnw("email: deep analysis failed", "gmail_id", e.ID, "err", err)
			}
			stats.AccionMedia++
			continue
		}
		stats.AccionAlta++
		criticals = append(criticals, Critical{
			Sender:       e.Sender,
			Subject:      e.Subject,
			ShortSummary: cls.ResumenCorto,
			AnalyzedID:   analyzedID,
		})
	}

	if len(criticals) > 0 && t.sender != nil && deviceToken != "" {
		t.notifyCritical(ctx, deviceToken, criticals[0], len(criticals))
	}

	return stats, criticals, nil
}

func (t *Triage) quickClassify(ctx context.Context, e gmailclient.Email) (*quickClassification, error) {
	prompt := fmt.Sprintf("REMITENTE: %s\nASUNTO: %s\nCUERPO (primeros 800 caracteres): %s",
		e.Sender, e.Subject, truncate(e.Body, 800))

	raw, err := t.client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptEmailQuick),
		UserPrompt:   prompt,
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}
	var cls quickClassification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return nil, err
	}
	return &cls, nil
}

// deepAnalyze fetches the sender context, issues the enriched prompt,
// and persists the AnalyzedEmail row.
func (t *Triage) deepAnalyze(ctx context.Context, userID string, accountID int64, e gmailclient.Email, cls *quickClassification, score int) (int64, error) {
	history, _ := t.store.RecentFromSender(userID, accountID, e.Sender, senderHistoryN)
	senderCtx := buildSenderContext(history)

	prompt := fmt.Sprintf("%s\nCORREO ACTUAL:\nDe: %s\nAsunto: %s\nFecha: %s\nCuerpo:\n%s",
		senderCtx, e.Sender, e.Subject, e.Date.Format("2006-01-02 15:04"), e.Body)

	raw, err := t.client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptEmailDeep),
		UserPrompt:   prompt,
		JSONMode:     true,
	})
	if err != nil {
		return 0, err
	}
	var analysis deepAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return 0, err
	}

	row := &models.AnalyzedEmail{
		UserID:          userID,
		EmailAccountID:  accountID,
		GmailMessageID:  e.ID,
		Sender:          e.Sender,
		Subject:         e.Subject,
		Date:            e.Date,
		ImportanceScore: score,
		Category:        cls.Categoria,
		Urgency:         cls.Urgencia,
		RequiresAction:  true,
		SuggestedReply:  analysis.RespuestaSugerida,
		DetectedTone:    analysis.TonoDetectado,
		PendingActions:  analysis.AccionesPendientes,
		Metadata: models.AnalyzedEmailMetadata{
			RawGmailID:        e.ID,
			SenderHistory:     fmt.Sprintf("%d correos previos", len(history)),
			ToneChanged:       analysis.CambioTono,
			ContextoAdicional: analysis.ContextoAdicional,
		},
	}
	if analysis.FechaLimite != "" {
		if d, err := time.Parse("2006-01-02", analysis.FechaLimite); err == nil {
			row.DueDate = &d
		}
	}
	// Flag tone drift against the sender's stored habitual tone too, in
	// case the model missed it.
	if profile, perr := t.store.GetSenderProfile(userID, accountID, e.Sender); perr == nil {
		if profile.HabitualTone != "" && analysis.TonoDetectado != "" &&
			!strings.EqualFold(profile.HabitualTone, analysis.TonoDetectado) {
			row.Metadata.ToneChanged = true
		}
	}

	id, err := t.store.InsertAnalyzedEmail(row)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// buildSenderContext renders the last few analyzed emails from this
// sender into the deep prompt's history block.
func buildSenderContext(history []models.AnalyzedEmail) string {
	if len(history) == 0 {
		return "PRIMER CORREO de este remitente. Usar tono neutro-profesional.\n"
	}

	tones := map[string]int{}
	categories := map[string]int{}
	var replies []string
	for _, h := range history {
		tones[h.DetectedTone]++
		categories[h.Category]++
		if h.Answered && h.Metadata.SentReply != "" {
			replies = append(replies, truncate(h.Metadata.SentReply, 200))
		}
	}
	if len(replies) > 2 {
		replies = replies[:2]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HISTORIAL CON ESTE REMITENTE:\n")
	fmt.Fprintf(&b, "- Total de correos previos: %d\n", len(history))
	fmt.Fprintf(&b, "- Último contacto: %s\n", history[0].Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "- Tono habitual: %s\n", mostCommon(tones))
	fmt.Fprintf(&b, "- Tema principal: %s\n", mostCommon(categories))
	if len(replies) > 0 {
		b.WriteString("RESPUESTAS ANTERIORES (para mantener consistencia):\n")
		for i, r := range replies {
			fmt.Fprintf(&b, "%d. %s\n", i+1, r)
		}
	}
	b.WriteString("ÚLTIMOS CORREOS:\n")
	for _, h := range history {
		fmt.Fprintf(&b, "- [%s] %s\n", h.Date.Format("2006-01-02"), h.Subject)
	}
	return b.String()
}

func mostCommon(counts map[string]int) string {
	best, bestN := "desconocido", 0
	for k, n := range counts {
		if k != "" && n > bestN {
			best, bestN = k, n
		}
	}
	return best
}

func (t *Triage) notifyCritical(ctx context.Context, deviceToken string, top Critical, total int) {
	body := fmt.Sprintf("%s — %s", top.Sender, top.ShortSummary)
	if total > 1 {
		body += fmt.Sprintf(" (+%d más)", total-1)
	}
	n := models.PushNotification{
		Title: "Correo crítico: " + top.Subject,
		Body:  body,
		Data: map[string]string{
			models.PushKeyTipo: "correo_critico",
			models.PushKeyIrA:  "correos",
		},
	}
	if err := t.sender.Send(ctx, deviceToken, n); err != nil && t.log != nil {
		t.log.Warnw("email: critical push failed", "err", err)
	}
}

// SetPacingForTest replaces the deep-call limiter. Only call from tests.
func (t *Triage) SetPacingForTest(l *rate.Limiter) { t.limiter = l }
