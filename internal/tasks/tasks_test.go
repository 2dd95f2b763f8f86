package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/textctx"
)

type stubClient struct {
	response string
	err      error
	calls    int
}

func (s *stubClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.calls++
	return s.response, s.err
}

func newFixture(t *testing.T, client llm.Client) (*Extractor, *store.Store, *push.RecordingSender) {
	t.Helper()
	s := store.Init(":memory:")
	t.Cleanup(func() { s.Close() })
	if _, err := s.GetOrCreateUser("u1", "u1@example.com"); err != nil {
		t.Fatal(err)
	}
	rec := &push.RecordingSender{}
	return New(s, client, rec, zap.NewNop().Sugar()), s, rec
}

const multiActionResponse = `[
  {"titulo":"Alarma","descripcion":"Poner alarma","tipo_accion":"poner_alarma","prioridad":"MEDIA","etiqueta":"PERSONAL","fecha_iso":"2026-02-05T14:00:00","dato_extra":""},
  {"titulo":"Reunión por Meet con Carlos","descripcion":"Videollamada","tipo_accion":"crear_meet","prioridad":"ALTA","etiqueta":"BUSINESS","fecha_iso":"2026-02-05T17:00:00","dato_extra":""}
]`

func TestExtractAndStore_MultiActionBundle(t *testing.T) {
	client := &stubClient{response: multiActionResponse}
	e, s, rec := newFixture(t, client)

	alert, err := e.ExtractAndStore(context.Background(), "u1", "device-token", "Mañana a las 2pm ponme una alarma y a las 5pm reunión por Meet con Carlos", true)
	require.NoError(t, err)

	// No agendar_calendario present: the first sub-action is primary.
	assert.Equal(t, "Alarma", alert.Title)
	require.NotNil(t, alert.DueAt)
	want := time.Date(2026, 2, 5, 14, 0, 0, 0, textctx.Lima)
	assert.True(t, alert.DueAt.Equal(want), "due_at = %v", alert.DueAt)

	require.Len(t, alert.Metadata.AccionesProgramadas, 2)
	assert.Equal(t, "poner_alarma", alert.Metadata.AccionesProgramadas[0].Tipo)
	assert.Equal(t, "2026-02-05T14:00:00", alert.Metadata.AccionesProgramadas[0].FechaHoraEspecifica)
	assert.Equal(t, "crear_meet", alert.Metadata.AccionesProgramadas[1].Tipo)
	assert.Equal(t, "2026-02-05T17:00:00", alert.Metadata.AccionesProgramadas[1].FechaHoraEspecifica)
	assert.Equal(t, "multiple", alert.Metadata.TipoAccion)

	// A crear_meet sub-action got a concrete link, persisted too.
	assert.NotEmpty(t, alert.Metadata.LinkMeet)
	assert.Equal(t, alert.Metadata.LinkMeet, alert.Metadata.AccionesProgramadas[1].DatoExtra)
	stored, err := s.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.Metadata.LinkMeet, stored.Metadata.LinkMeet)

	require.Len(t, rec.Sent, 1)
	n := rec.Sent[0].Notification
	assert.Equal(t, "true", n.Data[models.PushKeyEjecutarAutomatico])
	assert.NotEmpty(t, n.Data[models.PushKeyAccionesJSON])
	assert.NotEmpty(t, n.Data[models.PushKeyAlertaID])
}

func TestExtractAndStore_PrimaryIsFirstCalendarAction(t *testing.T) {
	client := &stubClient{response: `[
	  {"titulo":"Alarma previa","tipo_accion":"poner_alarma","prioridad":"MEDIA","etiqueta":"PERSONAL","fecha_iso":"2026-02-05T08:00:00"},
	  {"titulo":"Cita con el dentista","tipo_accion":"agendar_calendario","prioridad":"ALTA","etiqueta":"HEALTH","fecha_iso":"2026-02-05T10:00:00"}
	]`}
	e, _, _ := newFixture(t, client)

	alert, err := e.ExtractAndStore(context.Background(), "u1", "", "cita dentista mañana a las 10, alarma a las 8", false)
	require.NoError(t, err)

	assert.Equal(t, "Cita con el dentista", alert.Title)
	assert.Equal(t, models.PriorityHigh, alert.Priority)
	assert.Equal(t, models.LabelHealth, alert.Label)
	require.NotNil(t, alert.DueAt)
	assert.Equal(t, 10, alert.DueAt.In(textctx.Lima).Hour())
}

func TestExtractAndStore_FallbackOnLLMError(t *testing.T) {
	client := &stubClient{err: errors.New("llm down")}
	e, _, _ := newFixture(t, client)

	alert, err := e.ExtractAndStore(context.Background(), "u1", "", "recuérdame algo importante", false)
	require.NoError(t, err)

	assert.Equal(t, "Recordatorio Rápido", alert.Title)
	assert.Equal(t, "recuérdame algo importante", alert.Description)
	assert.Equal(t, models.PriorityMedium, alert.Priority)
	assert.Equal(t, models.LabelOthers, alert.Label)
	assert.Nil(t, alert.DueAt)
}

func TestExtractAndStore_FallbackOnGarbageJSON(t *testing.T) {
	client := &stubClient{response: "no soy json"}
	e, _, _ := newFixture(t, client)

	alert, err := e.ExtractAndStore(context.Background(), "u1", "", "recuérdame algo", false)
	require.NoError(t, err)
	assert.Equal(t, "Recordatorio Rápido", alert.Title)
}

func TestExtractAndStore_AutoProvisionsUnknownUser(t *testing.T) {
	client := &stubClient{response: multiActionResponse}
	s := store.Init(":memory:")
	t.Cleanup(func() { s.Close() })
	e := New(s, client, nil, zap.NewNop().Sugar())

	// No user row exists yet: the insert must fail once, auto-provision,
	// and succeed on the retry.
	alert, err := e.ExtractAndStore(context.Background(), "nuevo-usuario", "", "mañana a las 2pm alarma", false)
	require.NoError(t, err)
	assert.NotZero(t, alert.ID)

	u, err := s.GetUser("nuevo-usuario")
	require.NoError(t, err)
	assert.Equal(t, "nuevo-usuario", u.ID)
}

func TestShouldNotifyDerived(t *testing.T) {
	assert.True(t, ShouldNotifyDerived("recuérdame esto", false))
	assert.True(t, ShouldNotifyDerived("avisa al equipo", false))
	assert.True(t, ShouldNotifyDerived("cualquier cosa", true))
	assert.False(t, ShouldNotifyDerived("anota esto nomás", false))
}
