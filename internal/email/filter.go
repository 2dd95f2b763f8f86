// Package email implements the three-layer triage cascade over inbound
// mail: deterministic heuristics first, a cheap LLM classification
// second, and a deep LLM analysis only for what survives as critical.
package email

import (
	"regexp"
	"strings"

	"nexus/internal/gmailclient"
)

// Closed lexicons for the no-LLM first layer.
var (
	spamSenderWords = []string{
		"noreply", "no-reply", "newsletter", "marketing",
		"notifications", "promo", "deals", "offers",
	}

	spamSubjectWords = []string{
		"unsubscribe", "suscripción", "descuento", "oferta",
		"% off", "compra ahora", "click here", "gratis",
		"winner", "ganador", "premio", "sorteo",
	}

	actionTriggers = [][]string{
		{"urgente", "prioridad", "inmediato", "cuanto antes", "hoy", "deadline"},
		{"entrevista", "oferta", "vacante", "postulación", "proceso de selección", "segunda etapa"},
		{"tarea", "examen", "proyecto", "entrega", "plazo", "calificación"},
		{"contrato", "firma", "documento", "trámite", "constancia", "certificado"},
		{"factura", "pago", "vencimiento", "cobro", "transferencia", "deuda"},
	}

	corporateTLDs = []string{".edu", ".gob", ".com.pe", "company.com"}

	mentionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`@\w+`),
		regexp.MustCompile(`\btu\b.*\b(debes|necesitas|solicito|requiero)`),
		regexp.MustCompile(`favor.*responder`),
		regexp.MustCompile(`necesito.*que`),
	}
)

// IsObviousSpam is the cascade's first gate: it drops obvious junk
// without any LLM spend. Only the first 500 body chars are inspected.
func IsObviousSpam(e gmailclient.Email) bool {
	sender := strings.ToLower(e.Sender)
	subject := strings.ToLower(e.Subject)
	body := strings.ToLower(truncate(e.Body, 500))

	for _, w := range spamSenderWords {
		if strings.Contains(sender, w) {
			return true
		}
	}
	for _, w := range spamSubjectWords {
		if strings.Contains(subject, w) {
			return true
		}
	}
	// Very short bodies are almost always automated notifications.
	if len(body) < 50 {
		return true
	}
	// Link-stuffed bodies are marketing.
	if strings.Count(body, "http") > 5 {
		return true
	}
	return false
}

// mentionsUser reports whether the email addresses the user directly,
// either by name or by one of the demand patterns.
func mentionsUser(e gmailclient.Email, userName string) bool {
	body := strings.ToLower(e.Body)
	if userName != "" && strings.Contains(body, strings.ToLower(userName)) {
		return true
	}
	for _, p := range mentionPatterns {
		if p.MatchString(body) {
			return true
		}
	}
	return false
}

// InitialScore rates an email 0..100 on deterministic rules alone.
// Emails under 30 never reach an LLM.
func InitialScore(e gmailclient.Email, userName string) int {
	score := 0
	subject := strings.ToLower(e.Subject)
	body := strings.ToLower(e.Body)

	for _, group := range actionTriggers {
		matched := false
		for _, w := range group {
			if strings.Contains(subject, w) || strings.Contains(body, w) {
				score += 30
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}

	if mentionsUser(e, userName) {
		score += 20
	}

	for _, tld := range corporateTLDs {
		if strings.Contains(e.Sender, tld) {
			score += 15
			break
		}
	}

	if words := len(strings.Fields(subject)); words > 5 && words < 10 {
		score += 10
	}

	if !strings.Contains(body, "<img") && len(body) < 2000 {
		score += 10
	}

	if strings.Contains(body, "unsubscribe") || strings.Contains(body, "darse de baja") {
		score -= 20
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
