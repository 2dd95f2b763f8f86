package email

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nexus/internal/gmailclient"
	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/push"
	"nexus/internal/store"
)

func init() {
	llm.SetSystemPromptForTest(llm.PromptEmailQuick, "QUICK")
	llm.SetSystemPromptForTest(llm.PromptEmailDeep, "DEEP")
	llm.SetSystemPromptForTest(llm.PromptSender, "SENDER")
}

// routingClient answers per prompt kind and counts calls.
type routingClient struct {
	quickResponse  string
	deepResponse   string
	senderResponse string
	quickCalls     int
	deepCalls      int
	senderCalls    int
}

func (c *routingClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	switch req.SystemPrompt {
	case "QUICK":
		c.quickCalls++
		return c.quickResponse, nil
	case "DEEP":
		c.deepCalls++
		return c.deepResponse, nil
	case "SENDER":
		c.senderCalls++
		return c.senderResponse, nil
	}
	return "", nil
}

func newFixture(t *testing.T, client llm.Client) (*Triage, *store.Store, *push.RecordingSender, int64) {
	t.Helper()
	s := store.Init(":memory:")
	t.Cleanup(func() { s.Close() })
	if _, err := s.GetOrCreateUser("u1", ""); err != nil {
		t.Fatal(err)
	}
	accID, err := s.UpsertEmailAccount(&models.EmailAccount{UserID: "u1", EmailAddress: "u1@gmail.com", AccessToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	rec := &push.RecordingSender{}
	tr := NewTriage(s, client, rec, zap.NewNop().Sugar())
	tr.SetPacingForTest(rate.NewLimiter(rate.Inf, 1))
	return tr, s, rec, accID
}

func spamEmail() gmailclient.Email {
	return gmailclient.Email{
		ID:      "spam-1",
		Sender:  "newsletter@deals.example",
		Subject: "50% off",
		Body:    strings.Repeat("visita http://promo.example ", 10),
		Date:    time.Now(),
	}
}

func criticalEmail() gmailclient.Email {
	return gmailclient.Email{
		ID:      "crit-1",
		Sender:  "rrhh@empresa.com.pe",
		Subject: "Segunda etapa del proceso de selección",
		Body:    "Hola, te escribimos por la segunda etapa de la entrevista. Necesito que confirmes tu disponibilidad para el 10 de marzo. Favor de responder antes del viernes.",
		Date:    time.Now(),
	}
}

const quickActionable = `{"requiere_accion":true,"categoria":"laboral","urgencia":"alta","resumen_corto":"Confirmar entrevista"}`
const deepResult = `{"respuesta_sugerida":"Estimado equipo, confirmo mi disponibilidad.","tono_detectado":"formal","acciones_pendientes":["Confirmar disponibilidad"],"fecha_limite":"2026-03-06","prioridad_final":90,"contexto_adicional":"","cambio_tono":false}`

func TestProcessBatch_SpamDroppedWithoutLLM(t *testing.T) {
	client := &routingClient{}
	tr, s, _, accID := newFixture(t, client)

	stats, criticals, err := tr.ProcessBatch(context.Background(), "u1", accID, "", "", []gmailclient.Email{spamEmail()})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Procesados)
	assert.Equal(t, 1, stats.SpamDescartado)
	assert.Zero(t, client.quickCalls)
	assert.Zero(t, client.deepCalls)
	assert.Empty(t, criticals)

	rows, err := s.PendingEmails("u1", false)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcessBatch_CriticalReachesDeepAnalysis(t *testing.T) {
	client := &routingClient{quickResponse: quickActionable, deepResponse: deepResult}
	tr, s, rec, accID := newFixture(t, client)

	stats, criticals, err := tr.ProcessBatch(context.Background(), "u1", accID, "", "device-tok", []gmailclient.Email{criticalEmail()})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AccionAlta)
	assert.Equal(t, 1, client.quickCalls)
	assert.Equal(t, 1, client.deepCalls)
	require.Len(t, criticals, 1)

	rows, err := s.PendingEmails("u1", true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	e := rows[0]
	assert.True(t, e.RequiresAction)
	assert.Equal(t, "Estimado equipo, confirmo mi disponibilidad.", e.SuggestedReply)
	assert.Equal(t, "formal", e.DetectedTone)
	assert.Equal(t, []string{"Confirmar disponibilidad"}, e.PendingActions)
	require.NotNil(t, e.DueDate)
	assert.Equal(t, "2026-03-06", e.DueDate.Format("2006-01-02"))

	require.Len(t, rec.Sent, 1)
	assert.Contains(t, rec.Sent[0].Notification.Title, "Segunda etapa")
}

func TestProcessBatch_QuickRejectionSkipsDeep(t *testing.T) {
	client := &routingClient{
		quickResponse: `{"requiere_accion":false,"categoria":"personal","urgencia":"baja","resumen_corto":"fyi"}`,
	}
	tr, _, _, accID := newFixture(t, client)

	e := criticalEmail()
	stats, _, err := tr.ProcessBatch(context.Background(), "u1", accID, "", "", []gmailclient.Email{e})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AccionBaja)
	assert.Equal(t, 1, client.quickCalls)
	assert.Zero(t, client.deepCalls)
}

func TestProcessBatch_MediumUrgencyLowScoreStopsAtLayer2(t *testing.T) {
	client := &routingClient{
		quickResponse: `{"requiere_accion":true,"categoria":"personal","urgencia":"media","resumen_corto":"x"}`,
	}
	tr, _, _, accID := newFixture(t, client)

	// Actionable but neither urgent nor high-scoring: no deep call.
	e := gmailclient.Email{
		ID:      "med-1",
		Sender:  "amigo@correo.com.pe",
		Subject: "Almuerzo la próxima semana quizás",
		Body:    "Hola, quería ver si almorzamos la próxima semana, antes de la entrega del proyecto. Avísame qué día te acomoda mejor.",
		Date:    time.Now(),
	}
	stats, _, err := tr.ProcessBatch(context.Background(), "u1", accID, "", "", []gmailclient.Email{e})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AccionMedia)
	assert.Zero(t, client.deepCalls)
}

func TestProcessBatch_DedupesByGmailID(t *testing.T) {
	client := &routingClient{quickResponse: quickActionable, deepResponse: deepResult}
	tr, s, _, accID := newFixture(t, client)

	batch := []gmailclient.Email{criticalEmail()}
	_, _, err := tr.ProcessBatch(context.Background(), "u1", accID, "", "", batch)
	require.NoError(t, err)
	_, _, err = tr.ProcessBatch(context.Background(), "u1", accID, "", "", batch)
	require.NoError(t, err)

	rows, err := s.PendingEmails("u1", false)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, client.deepCalls)
}

func TestIsObviousSpam(t *testing.T) {
	assert.True(t, IsObviousSpam(spamEmail()))
	assert.True(t, IsObviousSpam(gmailclient.Email{Sender: "a@b.com", Subject: "hola", Body: "corto"}))
	assert.False(t, IsObviousSpam(criticalEmail()))
}

func TestInitialScore(t *testing.T) {
	crit := InitialScore(criticalEmail(), "")
	assert.GreaterOrEqual(t, crit, 30)

	bland := InitialScore(gmailclient.Email{
		Sender:  "someone@example.org",
		Subject: "hola",
		Body:    strings.Repeat("sin contenido accionable alguno aquí ", 10) + " unsubscribe",
	}, "")
	assert.Less(t, bland, 30)
}

func TestInitialScore_DirectMentionOfUser(t *testing.T) {
	e := gmailclient.Email{
		Sender:  "x@example.org",
		Subject: "nota breve sobre un asunto puntual",
		Body:    "Hola Adrián, quería comentarte una cosa sobre el local y la mudanza planificada.",
	}
	with := InitialScore(e, "Adrián")
	without := InitialScore(e, "Beatriz")
	assert.Equal(t, 20, with-without)
}
