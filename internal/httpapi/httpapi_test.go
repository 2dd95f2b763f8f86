package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexus/internal/authn"
	"nexus/internal/config"
	"nexus/internal/consulta"
	"nexus/internal/email"
	"nexus/internal/gmailclient"
	"nexus/internal/llm"
	"nexus/internal/memory"
	"nexus/internal/models"
	"nexus/internal/nexus"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/tasks"
	"nexus/internal/valueproc"
)

// scriptedClient replies per prompt kind, so one fixture serves every
// handler path.
type scriptedClient struct {
	byPrompt map[string]string
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	if resp, ok := c.byPrompt[req.SystemPrompt]; ok {
		return resp, nil
	}
	return "", fmt.Errorf("no scripted response")
}

type fixture struct {
	server   *Server
	store    *store.Store
	resolver *authn.HMACResolver
	sender   *push.RecordingSender
	ts       *httptest.Server
}

func newFixture(t *testing.T, responses map[string]string) *fixture {
	t.Helper()

	llm.SetSystemPromptForTest(llm.PromptGate, "GATE")
	llm.SetSystemPromptForTest(llm.PromptTask, "TASK")
	llm.SetSystemPromptForTest(llm.PromptValue, "VALUE")
	llm.SetSystemPromptForTest(llm.PromptConsulta, "CONSULTA")
	llm.SetSystemPromptForTest(llm.PromptBrain, "BRAIN")

	s := store.Init(":memory:")
	t.Cleanup(func() { s.Close() })

	client := &scriptedClient{byPrompt: responses}
	resolver := authn.NewHMACResolver("test-secret")
	rec := &push.RecordingSender{}
	log := zap.NewNop().Sugar()

	mem := memory.New(s, nil, log)
	extractor := tasks.New(s, client, rec, log)
	values := valueproc.New(s, client, extractor, rec, mem, log)
	engine := consulta.New(s, client, mem, log)
	triage := email.NewTriage(s, client, rec, log)
	nx := nexus.New(s, client, nexus.UnavailableTranscriber{}, log)

	gmailFactory := func(ctx context.Context, token string) (gmailclient.Client, error) {
		return nil, fmt.Errorf("gmail unavailable in tests")
	}

	cfg := &config.Config{}
	server := NewServer(cfg, s, resolver, client, extractor, values, engine, triage, nx, rec, gmailFactory, log)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: server, store: s, resolver: resolver, sender: rec, ts: ts}
}

func (f *fixture) request(t *testing.T, method, path, token string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+f.resolver.Sign(token))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth_NoAuth(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.request(t, http.MethodGet, "/nexus/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestAlertas_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.request(t, http.MethodGet, "/api/alertas", "", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAlertas_AuthIsolation(t *testing.T) {
	f := newFixture(t, nil)

	for _, u := range []string{"u1", "u2"} {
		_, err := f.store.GetOrCreateUser(u, "")
		require.NoError(t, err)
	}
	id, err := f.store.InsertAlert(&models.Alert{
		UserID: "u1", Title: "privada", Description: "d",
		Priority: models.PriorityHigh, Type: models.AlertManual, Label: models.LabelBusiness,
	})
	require.NoError(t, err)

	// u2 never sees u1's alert.
	resp := f.request(t, http.MethodGet, "/api/alertas?estado=todas", "u2", nil, nil)
	var listing struct {
		Alertas []alertJSON `json:"alertas"`
	}
	decodeBody(t, resp, &listing)
	assert.Empty(t, listing.Alertas)

	// And PATCHing it as u2 is forbidden.
	body, _ := json.Marshal(map[string]string{"estado": "completada"})
	resp = f.request(t, http.MethodPatch, fmt.Sprintf("/api/alertas/%d", id), "u2", body, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPatchAlerta_CompletesAndLists(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetOrCreateUser("u1", "")
	require.NoError(t, err)
	id, err := f.store.InsertAlert(&models.Alert{
		UserID: "u1", Title: "t", Description: "d",
		Priority: models.PriorityMedium, Type: models.AlertManual, Label: models.LabelOthers,
	})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"estado": "completada", "etiqueta": "HEALTH"})
	resp := f.request(t, http.MethodPatch, fmt.Sprintf("/api/alertas/%d", id), "u1", body, nil)
	var patched struct {
		Status string    `json:"status"`
		Data   alertJSON `json:"data"`
	}
	decodeBody(t, resp, &patched)
	assert.Equal(t, "completed", patched.Data.Estado)
	assert.Equal(t, "HEALTH", patched.Data.Etiqueta)

	resp = f.request(t, http.MethodGet, "/api/alertas?estado=completada", "u1", nil, nil)
	var listing struct {
		Alertas []alertJSON `json:"alertas"`
	}
	decodeBody(t, resp, &listing)
	assert.Len(t, listing.Alertas, 1)
}

func TestPatchAlerta_InvalidEstado(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetOrCreateUser("u1", "")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"estado": "hecha"})
	resp := f.request(t, http.MethodPatch, "/api/alertas/1", "u1", body, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_TaskPath(t *testing.T) {
	f := newFixture(t, map[string]string{
		"GATE": `{"intencion":"TASK","subtype":"recordatorio","urgency":"HIGH"}`,
		"TASK": `[{"titulo":"Entrevista","descripcion":"Entrevista mañana","tipo_accion":"agendar_calendario","prioridad":"ALTA","etiqueta":"BUSINESS","fecha_iso":"2026-02-05T17:00:00"}]`,
	})

	body, _ := json.Marshal(map[string]any{"mensaje": "recuérdame la entrevista mañana a las 5 de la tarde"})
	resp := f.request(t, http.MethodPost, "/chat", "u1", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	decodeBody(t, resp, &out)
	assert.Contains(t, out.Respuesta, "Entrevista")
	require.Len(t, out.AlertasGeneradas, 1)
	assert.Equal(t, "BUSINESS", out.AlertasGeneradas[0].Etiqueta)

	alerts, err := f.store.ListAlerts("u1", string(models.AlertPending), false)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestChat_ValuePath(t *testing.T) {
	f := newFixture(t, map[string]string{
		"GATE":  `{"intencion":"VALUE","subtype":"dato_personal","urgency":"LOW"}`,
		"VALUE": `{"resumen_guardar":"Alérgico a las nueces","tipo_evento":"personal","aprendizajes_usuario":["Alérgico a las nueces"],"tareas":[]}`,
	})

	body, _ := json.Marshal(map[string]any{"mensaje": "soy alérgico a las nueces"})
	resp := f.request(t, http.MethodPost, "/chat", "u1", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, []string{"Alérgico a las nueces"}, out.NuevosAprendizajes)

	facts, err := f.store.ProfileFacts("u1")
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestChat_NoisePath_NoRows(t *testing.T) {
	f := newFixture(t, map[string]string{
		"GATE": `{"intencion":"NOISE","subtype":"saludo","urgency":"LOW"}`,
	})

	body, _ := json.Marshal(map[string]any{"mensaje": "Hola"})
	resp := f.request(t, http.MethodPost, "/chat", "u1", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	decodeBody(t, resp, &out)
	assert.NotEmpty(t, out.Respuesta)

	convs, _ := f.store.RecentConversations("u1", 10)
	alerts, _ := f.store.ListAlerts("u1", "", true)
	assert.Empty(t, convs)
	assert.Empty(t, alerts)
}

func TestChat_QuestionGoesToConsulta(t *testing.T) {
	f := newFixture(t, map[string]string{
		"CONSULTA": "Tu reunión es el viernes.",
	})

	body, _ := json.Marshal(map[string]any{"mensaje": "¿cuándo es mi reunión?", "modo_profundo": true})
	resp := f.request(t, http.MethodPost, "/chat", "u1", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "Tu reunión es el viernes.", out.Respuesta)
}

func TestWebhook_ReturnsEmptyXML(t *testing.T) {
	f := newFixture(t, map[string]string{
		"GATE": `{"intencion":"NOISE","subtype":"saludo","urgency":"LOW"}`,
	})

	form := "Body=" + strings.ReplaceAll("hola desde el telefono", " ", "+")
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/webhook", strings.NewReader(form))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "<Response></Response>")
}

func TestSyncBatch_GzipAndIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	batch := []map[string]any{
		{"id": "m1", "chat_id": "c", "chat_name": "Amigos", "content": "hola que tal", "timestamp": time.Now().Unix(), "is_mine": false},
		{"id": "m2", "chat_id": "c", "chat_name": "Amigos", "content": "todo bien", "timestamp": time.Now().Unix(), "is_mine": true},
	}
	raw, _ := json.Marshal(batch)

	var gzBody bytes.Buffer
	gz := gzip.NewWriter(&gzBody)
	gz.Write(raw)
	gz.Close()

	headers := map[string]string{
		"Content-Encoding": "gzip",
		"x-device-id":      "dev-9",
		"x-batch-size":     "2",
	}
	for i := 0; i < 2; i++ {
		resp := f.request(t, http.MethodPost, "/nexus/sync/batch", "u1", gzBody.Bytes(), headers)
		var out map[string]any
		decodeBody(t, resp, &out)
		assert.Equal(t, float64(2), out["mensajes_guardados"])
	}

	total, _, err := f.store.MessageCounts("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestBrainEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{
		"BRAIN": `{"nuevo_resumen":"r","tareas":[{"titulo":"T","descripcion":"d","prioridad":"MEDIUM"}],"intencion":"i"}`,
	})

	batch := []map[string]any{
		{"id": "m1", "chat_id": "c", "chat_name": "Amigos", "content": "nos vemos mañana temprano", "timestamp": time.Now().Unix()},
		{"id": "m2", "chat_id": "c", "chat_name": "Amigos", "content": "dale, confirmo en la noche", "timestamp": time.Now().Unix()},
	}
	raw, _ := json.Marshal(batch)
	resp := f.request(t, http.MethodPost, "/nexus/sync/batch", "u1", raw, nil)
	resp.Body.Close()

	resp = f.request(t, http.MethodPost, "/nexus/cerebro/activar", "u1", nil, nil)
	var out struct {
		Status  string             `json:"status"`
		Resumen []nexus.ChatResult `json:"resumen_operacion"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Resumen, 1)
	assert.Equal(t, "Amigos", out.Resumen[0].Chat)
	assert.Equal(t, 1, out.Resumen[0].TareasCreadas)
}

func TestStats_OtherUserForbidden(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.request(t, http.MethodGet, "/nexus/estadisticas/otro-usuario", "u1", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/nexus/estadisticas/u1", "u1", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var counts map[string]int
	decodeBody(t, resp, &counts)
	assert.Zero(t, counts["mensajes_totales"])
}

func TestEmailStateTransitions(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetOrCreateUser("u1", "")
	require.NoError(t, err)
	accID, err := f.store.UpsertEmailAccount(&models.EmailAccount{UserID: "u1", EmailAddress: "u1@gmail.com"})
	require.NoError(t, err)
	id, err := f.store.InsertAnalyzedEmail(&models.AnalyzedEmail{
		UserID: "u1", EmailAccountID: accID, GmailMessageID: "g1",
		Sender: "a@b.com", Subject: "s", Date: time.Now(), RequiresAction: true,
	})
	require.NoError(t, err)

	// Pending listing shows it; marking answered removes it.
	resp := f.request(t, http.MethodGet, "/api/correos-pendientes", "u1", nil, nil)
	var pend struct {
		Correos []emailJSON `json:"correos"`
	}
	decodeBody(t, resp, &pend)
	require.Len(t, pend.Correos, 1)

	body, _ := json.Marshal(map[string]string{"fecha_respuesta": time.Now().Format(time.RFC3339), "respuesta_enviada": "listo"})
	resp = f.request(t, http.MethodPatch, fmt.Sprintf("/api/correos/%d/marcar-respondido", id), "u1", body, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/api/correos-pendientes", "u1", nil, nil)
	decodeBody(t, resp, &pend)
	assert.Empty(t, pend.Correos)

	resp = f.request(t, http.MethodGet, "/api/correos-respondidos?limite=5", "u1", nil, nil)
	var answered struct {
		Correos []emailJSON `json:"correos"`
		Total   int         `json:"total"`
	}
	decodeBody(t, resp, &answered)
	require.Equal(t, 1, answered.Total)

	// Reverting brings it back to pending.
	resp = f.request(t, http.MethodPatch, fmt.Sprintf("/api/correos/%d/revertir-respondido", id), "u1", nil, nil)
	resp.Body.Close()
	resp = f.request(t, http.MethodGet, "/api/correos-pendientes", "u1", nil, nil)
	decodeBody(t, resp, &pend)
	assert.Len(t, pend.Correos, 1)
}

func TestEmailMarkRead_CrossUserIs404(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetOrCreateUser("u1", "")
	require.NoError(t, err)
	accID, err := f.store.UpsertEmailAccount(&models.EmailAccount{UserID: "u1", EmailAddress: "u1@gmail.com"})
	require.NoError(t, err)
	id, err := f.store.InsertAnalyzedEmail(&models.AnalyzedEmail{
		UserID: "u1", EmailAccountID: accID, GmailMessageID: "g1",
		Sender: "a@b.com", Subject: "s", Date: time.Now(),
	})
	require.NoError(t, err)

	resp := f.request(t, http.MethodPatch, fmt.Sprintf("/api/correos/%d/marcar-leido", id), "u2", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLegacyHeaderGuard(t *testing.T) {
	f := newFixture(t, nil)
	f.server.cfg.AppLegacyHeaderSecret = "pw"

	resp := f.request(t, http.MethodGet, "/api/alertas", "u1", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/api/alertas", "u1", nil, map[string]string{"X-App-Password": "pw"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
