package nexus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/store"
)

type countingClient struct {
	response string
	calls    int
}

func (c *countingClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.calls++
	return c.response, nil
}

const brainReply = `{
  "nuevo_resumen":"Coordinando una reunión para el viernes",
  "tareas":[{"titulo":"Confirmar hora con el grupo","descripcion":"Responder en el chat con la hora","prioridad":"HIGH"}],
  "intencion":"coordinando reunión"
}`

func newFixture(t *testing.T, client llm.Client) (*Service, *store.Store) {
	t.Helper()
	s := store.Init(":memory:")
	t.Cleanup(func() { s.Close() })
	if _, err := s.GetOrCreateUser("u1", ""); err != nil {
		t.Fatal(err)
	}
	return New(s, client, UnavailableTranscriber{}, zap.NewNop().Sugar()), s
}

func sampleBatch() []models.WhatsAppMessage {
	base := time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC)
	var msgs []models.WhatsAppMessage
	chats := []string{"Amigos", "Familia", "Trabajo"}
	id := 0
	for _, chat := range chats {
		for i := 0; i < 3; i++ {
			id++
			msgs = append(msgs, models.WhatsAppMessage{
				ID:        fmt.Sprintf("m-%d", id),
				ChatID:    chat + "-id",
				ChatName:  chat,
				Content:   fmt.Sprintf("mensaje número %d con contenido suficiente", i),
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				IsMine:    i%2 == 0,
			})
		}
	}
	// Tenth message keeps the Trabajo chat the busiest.
	msgs = append(msgs, models.WhatsAppMessage{
		ID: "m-10", ChatID: "Trabajo-id", ChatName: "Trabajo",
		Content: "una cosa más para revisar mañana", Timestamp: base.Add(time.Hour),
	})
	return msgs
}

func TestIngest_IdempotentReupload(t *testing.T) {
	svc, s := newFixture(t, &countingClient{response: brainReply})

	batch := sampleBatch()
	saved, err := svc.Ingest(context.Background(), "u1", "dev-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 10, saved)

	_, err = svc.Ingest(context.Background(), "u1", "dev-1", batch)
	require.NoError(t, err)

	total, processed, err := s.MessageCounts("u1")
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	assert.Equal(t, 0, processed)
}

func TestRunBrain_FullPass(t *testing.T) {
	client := &countingClient{response: brainReply}
	svc, s := newFixture(t, client)

	_, err := svc.Ingest(context.Background(), "u1", "dev-1", sampleBatch())
	require.NoError(t, err)

	results, err := svc.RunBrain(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 3, client.calls)

	totalMsgs, totalTasks := 0, 0
	for _, r := range results {
		totalMsgs += r.Mensajes
		totalTasks += r.TareasCreadas
	}
	assert.Equal(t, 10, totalMsgs)
	assert.Equal(t, 3, totalTasks)

	for _, chat := range []string{"Amigos", "Familia", "Trabajo"} {
		mem, err := s.GetChatMemory("u1", chat)
		require.NoError(t, err, "chat %s", chat)
		assert.Equal(t, "Coordinando una reunión para el viernes", mem.CurrentSummary)
		assert.Equal(t, "coordinando reunión", mem.OpenTopics)
	}

	alerts, err := s.ListAlerts("u1", string(models.AlertPending), false)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	for _, a := range alerts {
		assert.Equal(t, models.AlertTareaIA, a.Type)
		assert.Equal(t, models.PriorityHigh, a.Priority)
		assert.Contains(t, a.Title, "⚡")
	}

	_, processed, err := s.MessageCounts("u1")
	require.NoError(t, err)
	assert.Equal(t, 10, processed)
}

func TestRunBrain_SecondRunIsNoop(t *testing.T) {
	client := &countingClient{response: brainReply}
	svc, _ := newFixture(t, client)

	_, err := svc.Ingest(context.Background(), "u1", "dev-1", sampleBatch())
	require.NoError(t, err)

	_, err = svc.RunBrain(context.Background(), "u1")
	require.NoError(t, err)
	callsAfterFirst := client.calls

	results, err := svc.RunBrain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, callsAfterFirst, client.calls)
}

func TestRunBrain_LoneShortMessageIsNoiseButProcessed(t *testing.T) {
	client := &countingClient{response: brainReply}
	svc, s := newFixture(t, client)

	_, err := svc.Ingest(context.Background(), "u1", "dev-1", []models.WhatsAppMessage{
		{ID: "n-1", ChatID: "x", ChatName: "Ruido", Content: "ok", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	results, err := svc.RunBrain(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].TareasCreadas)
	assert.Zero(t, client.calls)

	_, processed, err := s.MessageCounts("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}

func TestRunBrain_RollsSummaryForward(t *testing.T) {
	client := &countingClient{response: brainReply}
	svc, s := newFixture(t, client)

	require.NoError(t, s.UpsertChatMemory(&models.ChatMemory{
		UserID: "u1", ChatName: "Amigos", CurrentSummary: "Resumen anterior del chat",
	}))

	_, err := svc.Ingest(context.Background(), "u1", "dev-1", []models.WhatsAppMessage{
		{ID: "r-1", ChatID: "a", ChatName: "Amigos", Content: "nos vemos el viernes entonces", Timestamp: time.Now()},
		{ID: "r-2", ChatID: "a", ChatName: "Amigos", Content: "dale, yo reservo la mesa", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	_, err = svc.RunBrain(context.Background(), "u1")
	require.NoError(t, err)

	mem, err := s.GetChatMemory("u1", "Amigos")
	require.NoError(t, err)
	assert.Equal(t, "Coordinando una reunión para el viernes", mem.CurrentSummary)
}

func TestTranscribeAsync_FailureLeavesMessageUntouched(t *testing.T) {
	svc, s := newFixture(t, &countingClient{response: brainReply})

	_, err := svc.Ingest(context.Background(), "u1", "dev-1", []models.WhatsAppMessage{
		{ID: "v-1", ChatID: "a", ChatName: "Amigos", Content: "[nota de voz]", Timestamp: time.Now(), Kind: "audio"},
	})
	require.NoError(t, err)

	svc.TranscribeAsync("v-1", "Amigos", t.TempDir()+"/audio.ogg")
	time.Sleep(50 * time.Millisecond)

	msgs, err := s.UnprocessedMessages("u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "[nota de voz]", msgs[0].Content)
}
