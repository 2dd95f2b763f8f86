package textctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refNow is Wednesday 2026-02-04 in Lima.
var refNow = time.Date(2026, 2, 4, 10, 0, 0, 0, Lima)

func TestExtract_ColloquialAfternoonWithAddress(t *testing.T) {
	e := Extract("Recuérdame la entrevista mañana a las 5 de la tarde en Av. Larco 1234, Miraflores", refNow)

	assert.Equal(t, "2026-02-05", e.FechaHora.Fecha)
	assert.Equal(t, "17:00:00", e.FechaHora.Hora)
	assert.Equal(t, "2026-02-05T17:00:00-05:00", e.FechaHora.Timestamp)

	require.NotNil(t, e.Ubicacion)
	assert.Contains(t, e.Ubicacion.Direccion, "Av. Larco 1234")

	assert.Contains(t, e.AccionesSugeridas, "agendar_calendario")
	assert.Contains(t, e.AccionesSugeridas, "ver_ubicacion")
}

func TestExtract_Deterministic_StableUnderWhitespace(t *testing.T) {
	a := Extract("mañana a las 3 de la tarde reunión con el equipo", refNow)
	b := Extract("  mañana  a las  3 de la  tarde reunión con el equipo  ", refNow)

	assert.Equal(t, a.FechaHora, b.FechaHora)
	assert.Equal(t, a.TipoAccion, b.TipoAccion)
}

func TestExtract_ExplicitDateForms(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"cita el 15 de marzo del 2026", "2026-03-15"},
		{"cita el 15/03/2026", "2026-03-15"},
		{"cita el 2026-03-15", "2026-03-15"},
	}
	for _, c := range cases {
		e := Extract(c.text, refNow)
		assert.Equal(t, c.want, e.FechaHora.Fecha, "text: %s", c.text)
	}
}

func TestExtract_RelativeWords(t *testing.T) {
	assert.Equal(t, "2026-02-04", Extract("hazlo hoy", refNow).FechaHora.Fecha)
	assert.Equal(t, "2026-02-05", Extract("hazlo mañana", refNow).FechaHora.Fecha)
	assert.Equal(t, "2026-02-06", Extract("hazlo pasado mañana", refNow).FechaHora.Fecha)
}

func TestExtract_WeekdayAlwaysNextOccurrence(t *testing.T) {
	for name, wd := range weekdaysES {
		e := Extract("reunión el "+name, refNow)
		require.NotEmpty(t, e.FechaHora.Fecha, "weekday %s", name)

		d, err := time.ParseInLocation("2006-01-02", e.FechaHora.Fecha, Lima)
		require.NoError(t, err)
		assert.Equal(t, wd, d.Weekday(), "weekday %s", name)

		days := int(d.Sub(time.Date(2026, 2, 4, 0, 0, 0, 0, Lima)).Hours() / 24)
		assert.Greater(t, days, 0, "weekday %s resolved to today or past", name)
		assert.LessOrEqual(t, days, 7, "weekday %s resolved past one week", name)
	}
}

func TestExtract_DateWithoutTimeDefaultsToNine(t *testing.T) {
	e := Extract("tengo dentista mañana", refNow)
	assert.Equal(t, "09:00:00", e.FechaHora.Hora)
	assert.Equal(t, "2026-02-05T09:00:00-05:00", e.FechaHora.Timestamp)
}

func TestExtractHora_Ladder(t *testing.T) {
	cases := []struct {
		text string
		hour int
	}{
		{"a las 5 de la tarde", 17},
		{"a las 8 de la noche", 20},
		{"a las 9 de la mañana", 9},
		{"a las 14:30", 14},
		{"a las 3pm", 15},
		{"a las 11 am", 11},
		{"a las 4", 16},  // bare 1-6 reads as afternoon
		{"a las 10", 10}, // bare 7+ reads as morning
	}
	for _, c := range cases {
		got, ok := extractHora(c.text)
		require.True(t, ok, "text: %s", c.text)
		assert.Equal(t, c.hour, got.Hour(), "text: %s", c.text)
	}
}

func TestExtract_PeruvianPhoneNormalisation(t *testing.T) {
	cases := []string{
		"llama a Carlos Pérez al 987654321",
		"llama a Carlos Pérez al +51 987654321",
	}
	for _, text := range cases {
		e := Extract(text, refNow)
		require.NotEmpty(t, e.Personas, "text: %s", text)
		assert.Equal(t, "+51987654321", e.Personas[0].Telefono, "text: %s", text)
	}
}

func TestExtract_PersonNameAndEmail(t *testing.T) {
	e := Extract("enviar el informe a Maria Torres maria.torres@empresa.com", refNow)
	require.NotEmpty(t, e.Personas)
	assert.Equal(t, "Maria Torres", e.Personas[0].Nombre)
	assert.Equal(t, "maria.torres@empresa.com", e.Personas[0].Email)
}

func TestExtract_GenericPlaceWithoutSpecifierEmitsNothing(t *testing.T) {
	e := Extract("tengo que pasar por un sitio", refNow)
	assert.Nil(t, e.Ubicacion)
}

func TestExtract_KnownDistrictAndVenue(t *testing.T) {
	e := Extract("nos vemos en Larcomar", refNow)
	require.NotNil(t, e.Ubicacion)
	assert.Equal(t, "Larcomar", e.Ubicacion.LugarNombre)
}

func TestDetectTipoAccion_FirstMatchWins(t *testing.T) {
	assert.Equal(t, ActionAlarm, detectTipoAccion("pon una alarma para la reunión"))
	assert.Equal(t, ActionPayment, detectTipoAccion("tengo que yapear a Juan"))
	assert.Equal(t, ActionVideoCall, detectTipoAccion("agendar zoom con el equipo"))
	assert.Equal(t, ActionGeneralTask, detectTipoAccion("comprar pan"))
}

func TestSuggestedActions_DedupedAndCapped(t *testing.T) {
	e := Extract("videollamada mañana a las 3 de la tarde en Av. Arequipa 500, Lince con Ana Rojas al 987654321", refNow)
	assert.LessOrEqual(t, len(e.AccionesSugeridas), 4)
	seen := map[string]bool{}
	for _, a := range e.AccionesSugeridas {
		assert.False(t, seen[a], "duplicate action %s", a)
		seen[a] = true
	}
	assert.Contains(t, e.AccionesSugeridas, "crear_meet")
}

func TestCompleteness_Scoring(t *testing.T) {
	full := Extract("videollamada de 2 horas mañana a las 3 de la tarde en Miraflores con Ana Rojas", refNow)
	assert.GreaterOrEqual(t, full.Completitud, 9)

	empty := Extract("qué tal todo", refNow)
	assert.LessOrEqual(t, empty.Completitud, 2)
}

func TestStripNoise_Prefixes(t *testing.T) {
	e := Extract("[Mensaje] pon una alarma hoy a las 7", refNow)
	assert.Equal(t, ActionAlarm, e.TipoAccion)
	assert.Equal(t, "2026-02-04", e.FechaHora.Fecha)
}

func TestExtract_NeverPanicsOnGarbage(t *testing.T) {
	for _, text := range []string{"", "    ", "99999999999999999999", "a las", "de la", "🎉🎉🎉"} {
		assert.NotPanics(t, func() { Extract(text, refNow) }, "text: %q", text)
	}
}

func TestFuzzyParse_SkippedForLongText(t *testing.T) {
	long := "este texto supera holgadamente los cincuenta caracteres y menciona Feb 12 al pasar"
	e := Extract(long, refNow)
	assert.Empty(t, e.FechaHora.Fecha)
}
