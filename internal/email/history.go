package email

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"nexus/internal/gmailclient"
	"nexus/internal/llm"
	"nexus/internal/models"
)

const (
	historyFetchLimit = 500
	topSendersLimit   = 30
	topKeywordsLimit  = 5
)

var reWord = regexp.MustCompile(`\b\w{4,}\b`)

// HistoryStats is the completion report for one historic scan.
type HistoryStats struct {
	TotalCorreos         int     `json:"total_correos"`
	SpamDescartado       int     `json:"spam_descartado"`
	CorreosValor         int     `json:"correos_valor"`
	RemitentesAprendidos int     `json:"remitentes_aprendidos"`
	LlamadasIA           int     `json:"llamadas_ia"`
	AhorroPorcentaje     float64 `json:"ahorro_porcentaje"`
}

type senderProfileLLM struct {
	TonoHabitual       string `json:"tono_habitual"`
	TemaPrincipal      string `json:"tema_principal"`
	NivelImportancia   int    `json:"nivel_importancia"`
	PatronComunicacion string `json:"patron_comunicacion"`
}

// AnalyzeHistory runs the one-shot historic pass over a mailbox: fetch
// up to 500 messages, filter without LLM, aggregate by sender, keep the
// 30 most frequent, compute per-sender statistics locally, and spend
// exactly one short LLM call per kept sender. Re-running for an already
// scanned account is a no-op.
func (t *Triage) AnalyzeHistory(ctx context.Context, userID string, accountID int64, gc gmailclient.Client) (*HistoryStats, error) {
	done, err := t.store.HasHistoryScan(accountID)
	if err != nil {
		return nil, err
	}
	if done {
		return &HistoryStats{}, nil
	}

	emails, err := gc.ListRecent(ctx, historyFetchLimit)
	if err != nil {
		return nil, err
	}

	stats := &HistoryStats{TotalCorreos: len(emails)}
	if len(emails) == 0 {
		return stats, nil
	}

	var valuable []gmailclient.Email
	for _, e := range emails {
		if IsObviousSpam(e) || InitialScore(e, "") < minLayerScore {
			stats.SpamDescartado++
			continue
		}
		valuable = append(valuable, e)
	}
	stats.CorreosValor = len(valuable)

	bySender := map[string][]gmailclient.Email{}
	for _, e := range valuable {
		bySender[e.Sender] = append(bySender[e.Sender], e)
	}

	type senderGroup struct {
		sender string
		emails []gmailclient.Email
	}
	groups := make([]senderGroup, 0, len(bySender))
	for s, es := range bySender {
		groups = append(groups, senderGroup{sender: s, emails: es})
	}
	sort.SliceStable(groups, func(i, j int) bool { return len(groups[i].emails) > len(groups[j].emails) })
	if len(groups) > topSendersLimit {
		groups = groups[:topSendersLimit]
	}

	for _, g := range groups {
		profile := statsForSender(userID, accountID, g.sender, g.emails)

		if err := t.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		llmProfile, err := t.profileSender(ctx, g.sender, g.emails)
		if err != nil {
			if t.log != nil {
				t.log.Warnw("email: sender profiling failed", "sender", g.sender, "err", err)
			}
			continue
		}
		stats.LlamadasIA++
		profile.HabitualTone = llmProfile.TonoHabitual
		profile.PrimaryTopic = llmProfile.TemaPrincipal
		profile.ImportanceLevel = fmt.Sprintf("%d", llmProfile.NivelImportancia)

		if err := t.store.UpsertSenderProfile(profile); err != nil {
			if t.log != nil {
				t.log.Warnw("email: sender profile upsert failed", "sender", g.sender, "err", err)
			}
			continue
		}
		stats.RemitentesAprendidos++
	}

	if stats.TotalCorreos > 0 {
		stats.AhorroPorcentaje = (1 - float64(stats.LlamadasIA)/float64(stats.TotalCorreos)) * 100
	}

	statsJSON, _ := json.Marshal(stats)
	if err := t.store.MarkHistoryScanned(accountID, string(statsJSON)); err != nil {
		return stats, err
	}
	return stats, nil
}

// statsForSender computes the no-LLM aggregate columns for one sender.
func statsForSender(userID string, accountID int64, sender string, emails []gmailclient.Email) *models.SenderProfile {
	p := &models.SenderProfile{
		UserID:         userID,
		EmailAccountID: accountID,
		Sender:         sender,
		TotalEmails:    len(emails),
	}

	first, last := emails[0].Date, emails[0].Date
	hours := map[int]int{}
	totalLen := 0
	words := map[string]int{}

	for _, e := range emails {
		if e.Date.Before(first) {
			first = e.Date
		}
		if e.Date.After(last) {
			last = e.Date
		}
		hours[e.Date.Hour()]++
		totalLen += len(e.Body)
		for _, w := range reWord.FindAllString(strings.ToLower(e.Subject+" "+e.Body), -1) {
			words[w]++
		}
	}

	p.FirstContact = first
	p.LastContact = last
	if len(emails) > 1 {
		p.FrequencyDays = last.Sub(first).Hours() / 24 / float64(len(emails))
	}
	bestHour, bestN := 12, 0
	for h, n := range hours {
		if n > bestN {
			bestHour, bestN = h, n
		}
	}
	p.TypicalHour = bestHour
	p.AvgLength = totalLen / len(emails)
	p.TopKeywords = topKeywords(words, topKeywordsLimit)
	return p
}

func topKeywords(counts map[string]int, limit int) []string {
	type kv struct {
		word string
		n    int
	}
	all := make([]kv, 0, len(counts))
	for w, n := range counts {
		all = append(all, kv{w, n})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].word < all[j].word
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.word
	}
	return out
}

// profileSender issues the single short LLM call per sender over a
// 3-message sample.
func (t *Triage) profileSender(ctx context.Context, sender string, emails []gmailclient.Email) (*senderProfileLLM, error) {
	sample := emails
	if len(sample) > 3 {
		sample = sample[len(sample)-3:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Remitente: %s\n\n", sender)
	for _, e := range sample {
		fmt.Fprintf(&b, "Asunto: %s\nExtracto: %s\n\n", e.Subject, truncate(e.Body, 200))
	}

	raw, err := t.client.Complete(ctx, llm.Request{
		SystemPrompt: llm.SystemPrompt(llm.PromptSender),
		UserPrompt:   b.String(),
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}
	var p senderProfileLLM
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
