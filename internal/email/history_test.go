package email

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/gmailclient"
)

type fakeGmail struct {
	emails []gmailclient.Email
	calls  int
}

func (f *fakeGmail) ListRecent(ctx context.Context, max int64) ([]gmailclient.Email, error) {
	f.calls++
	return f.emails, nil
}

func (f *fakeGmail) Send(ctx context.Context, to, subject, body, threadID string) error {
	return nil
}

const senderProfile = `{"tono_habitual":"formal","tema_principal":"laboral","nivel_importancia":8,"patron_comunicacion":"correos cortos con pedidos concretos"}`

func historicalMailbox() []gmailclient.Email {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	var out []gmailclient.Email
	// One frequent valuable sender.
	for i := 0; i < 4; i++ {
		out = append(out, gmailclient.Email{
			ID:      fmt.Sprintf("boss-%d", i),
			Sender:  "jefa@empresa.com.pe",
			Subject: "Entrega del informe mensual pendiente",
			Body:    "Hola, necesito que revises la entrega del informe antes del plazo. Gracias por coordinar los detalles con el equipo.",
			Date:    base.AddDate(0, 0, i*7),
		})
	}
	// Spam that layer 1 discards.
	out = append(out, gmailclient.Email{
		ID:      "promo-1",
		Sender:  "promo@deals.example",
		Subject: "oferta imperdible",
		Body:    "compra ahora http://a http://b http://c http://d http://e http://f",
		Date:    base,
	})
	return out
}

func TestAnalyzeHistory_BuildsSenderProfiles(t *testing.T) {
	client := &routingClient{senderResponse: senderProfile}
	tr, s, _, accID := newFixture(t, client)
	gc := &fakeGmail{emails: historicalMailbox()}

	stats, err := tr.AnalyzeHistory(context.Background(), "u1", accID, gc)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.TotalCorreos)
	assert.Equal(t, 1, stats.SpamDescartado)
	assert.Equal(t, 4, stats.CorreosValor)
	assert.Equal(t, 1, stats.RemitentesAprendidos)
	assert.Equal(t, 1, stats.LlamadasIA)
	assert.Greater(t, stats.AhorroPorcentaje, 50.0)

	p, err := s.GetSenderProfile("u1", accID, "jefa@empresa.com.pe")
	require.NoError(t, err)
	assert.Equal(t, 4, p.TotalEmails)
	assert.Equal(t, "formal", p.HabitualTone)
	assert.Equal(t, "laboral", p.PrimaryTopic)
	assert.Equal(t, 10, p.TypicalHour)
	assert.NotEmpty(t, p.TopKeywords)
	assert.LessOrEqual(t, len(p.TopKeywords), 5)
}

func TestAnalyzeHistory_SecondRunIsNoop(t *testing.T) {
	client := &routingClient{senderResponse: senderProfile}
	tr, _, _, accID := newFixture(t, client)
	gc := &fakeGmail{emails: historicalMailbox()}

	_, err := tr.AnalyzeHistory(context.Background(), "u1", accID, gc)
	require.NoError(t, err)
	require.Equal(t, 1, gc.calls)

	stats, err := tr.AnalyzeHistory(context.Background(), "u1", accID, gc)
	require.NoError(t, err)
	assert.Equal(t, 1, gc.calls, "mailbox must not be re-fetched")
	assert.Zero(t, stats.TotalCorreos)
}

func TestTopKeywords_OrderAndLimit(t *testing.T) {
	counts := map[string]int{"informe": 5, "entrega": 3, "plazo": 3, "hola": 1, "equipo": 1, "detalles": 1}
	got := topKeywords(counts, 5)
	require.Len(t, got, 5)
	assert.Equal(t, "informe", got[0])
}
