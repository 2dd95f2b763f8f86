// Package consulta answers user questions read-only from the user's
// stored profile, recent context, and semantically similar history. It
// never writes.
package consulta

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nexus/internal/apperr"
	"nexus/internal/llm"
	"nexus/internal/memory"
	"nexus/internal/models"
	"nexus/internal/store"
)

// Engine assembles the per-user context and asks the LLM.
type Engine struct {
	store  *store.Store
	client llm.Client
	memory *memory.Memory
	log    *zap.SugaredLogger
}

func New(s *store.Store, c llm.Client, m *memory.Memory, log *zap.SugaredLogger) *Engine {
	return &Engine{store: s, client: c, memory: m, log: log}
}

// Answer resolves the question with one LLM call over the assembled
// context. deep pulls a wider history window; the default favors what is
// pending now. The vector lookup is best-effort and its absence changes
// nothing but recall.
func (e *Engine) Answer(ctx context.Context, userID, utterance string, deep bool) (string, error) {
	var b strings.Builder

	facts, err := e.store.ProfileFacts(userID)
	if err != nil && e.log != nil {
		e.log.Warnw("consulta: profile facts fetch failed", "err", err)
	}
	if len(facts) > 0 {
		b.WriteString("DATOS DEL USUARIO:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f.FactText)
		}
		b.WriteString("\n")
	}

	if deep {
		convs, err := e.store.RecentConversations(userID, 100)
		if err == nil {
			writeConversations(&b, convs)
		}
		alerts, err := e.store.RecentAlerts(userID, 30)
		if err == nil {
			writeAlerts(&b, "ALERTAS RECIENTES:", alerts)
		}
	} else {
		pending, err := e.store.ListAlerts(userID, string(models.AlertPending), false)
		if err == nil {
			writeAlerts(&b, "ALERTAS PENDIENTES:", pending)
		}
		convs, err := e.store.RecentConversations(userID, 15)
		if err == nil {
			writeConversations(&b, convs)
		}
	}

	if e.memory != nil {
		if similar := e.memory.Query(ctx, userID, utterance); similar != "" {
			b.WriteString("RECUERDOS RELACIONADOS:\n")
			b.WriteString(similar)
			b.WriteString("\n")
		}
	}

	b.WriteString("PREGUNTA:\n")
	b.WriteString(utterance)

	answer, err := e.client.Complete(ctx, llm.Request{
		SystemPrompt:    llm.SystemPrompt(llm.PromptConsulta),
		UserPrompt:      b.String(),
		EnableWebSearch: true,
	})
	if err != nil {
		if e.log != nil {
			e.log.Warnw("consulta: llm call failed", "err", err)
		}
		return "", apperr.Wrap(apperr.External, "no pude responder la consulta en este momento", err)
	}
	return answer, nil
}

// writeConversations renders summaries oldest-first so the model reads
// them in chronological order.
func writeConversations(b *strings.Builder, convs []models.Conversation) {
	if len(convs) == 0 {
		return
	}
	b.WriteString("CONVERSACIONES PREVIAS:\n")
	for i := len(convs) - 1; i >= 0; i-- {
		c := convs[i]
		fmt.Fprintf(b, "- [%s] %s\n", c.CreatedAt.Format("2006-01-02"), c.Summary)
	}
	b.WriteString("\n")
}

func writeAlerts(b *strings.Builder, header string, alerts []models.Alert) {
	if len(alerts) == 0 {
		return
	}
	b.WriteString(header + "\n")
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		due := "sin fecha"
		if a.DueAt != nil {
			due = a.DueAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(b, "- [%s] %s (%s)\n", due, a.Title, a.State)
	}
	b.WriteString("\n")
}
