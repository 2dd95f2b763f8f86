// Package gate implements the intent gate: a single LLM call
// classifying an inbound utterance as NOISE, TASK, or VALUE, with a
// deterministic rule-based fallback when the call fails.
package gate

import (
	"context"
	"encoding/json"
	"strings"

	"nexus/internal/llm"
	"nexus/internal/models"
)

// Intent is the gate's classification vocabulary.
type Intent string

const (
	IntentNoise Intent = "NOISE"
	IntentTask  Intent = "TASK"
	IntentValue Intent = "VALUE"
)

// Result is the gate's output: an intent, a free-form subtype label, and
// an urgency suitable for a resulting Conversation row.
type Result struct {
	Intent  Intent
	Subtype string
	Urgency models.Urgency
}

type llmResponse struct {
	Intencion string `json:"intencion"`
	Subtype   string `json:"subtype"`
	Urgency   string `json:"urgency"`
}

// complaintKeywords feed the fallback rule when the LLM call fails.
var complaintKeywords = []string{"por qué", "por que", "qué pasó", "que paso", "error", "no pudiste"}

// Classify runs the intent gate over text. It never returns an error the
// caller needs to branch on — on any LLM failure it falls back to the
// deterministic rule and logs nothing itself, leaving that to the caller.
func Classify(ctx context.Context, client llm.Client, text string) Result {
	raw, err := client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptGate),
		UserPrompt:   text,
		JSONMode:     true,
	})
	if err != nil {
		return fallback(text)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return fallback(text)
	}

	intent := Intent(strings.ToUpper(resp.Intencion))
	if intent != IntentNoise && intent != IntentTask && intent != IntentValue {
		return fallback(text)
	}

	urgency := models.Urgency(strings.ToUpper(resp.Urgency))
	if urgency != models.UrgencyHigh && urgency != models.UrgencyMedium && urgency != models.UrgencyLow {
		urgency = models.UrgencyMedium
	}

	return Result{Intent: intent, Subtype: resp.Subtype, Urgency: urgency}
}

// fallback is the deterministic rule-based gate: VALUE if the text is
// longer than 20 characters or contains a complaint keyword, else NOISE.
func fallback(text string) Result {
	lower := strings.ToLower(text)
	for _, kw := range complaintKeywords {
		if strings.Contains(lower, kw) {
			return Result{Intent: IntentValue, Subtype: "queja", Urgency: models.UrgencyMedium}
		}
	}
	if len(text) > 20 {
		return Result{Intent: IntentValue, Subtype: "fallback_largo", Urgency: models.UrgencyLow}
	}
	return Result{Intent: IntentNoise, Subtype: "fallback_corto", Urgency: models.UrgencyLow}
}
