// Package textctx is the deterministic pre-pass that runs over raw
// user utterances before — and alongside — any LLM call. It never fails:
// every sub-parse that can't find a match is simply omitted.
package textctx

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/nyaruka/phonenumbers"

	"nexus/internal/models"
)

// Lima is America/Lima, UTC-05:00, no DST. Falls back to a fixed offset
// zone if the tzdata database isn't available in the runtime image.
var Lima = mustLima()

func mustLima() *time.Location {
	if loc, err := time.LoadLocation("America/Lima"); err == nil {
		return loc
	}
	return time.FixedZone("-05:00", -5*60*60)
}

// ActionType is the extractor's action-type vocabulary.
type ActionType string

const (
	ActionAlarm        ActionType = "alarm"
	ActionInPersonMeet ActionType = "in_person_meeting"
	ActionVideoCall    ActionType = "video_call"
	ActionPhoneCall    ActionType = "phone_call"
	ActionWhatsApp     ActionType = "whatsapp"
	ActionEmail        ActionType = "email"
	ActionPayment      ActionType = "payment"
	ActionGeneralTask  ActionType = "general_task"
)

// Details mirrors the extractor's free-form "detalles" sub-object: topic,
// duration, and a truncated notes field, not part of the persisted wire
// envelope but available to callers that build one (e.g. the task
// extractor folding it into metadata.acciones_programadas.dato_extra).
type Details struct {
	Topic           string
	DurationMinutes int
	Notes           string
}

// Extraction is the extractor's full output before a caller maps it onto
// models.ContextEnvelope.
type Extraction struct {
	FechaHora         models.FechaHora
	Ubicacion         *models.Location
	Personas          []models.Person
	TipoAccion        ActionType
	Detalles          Details
	AccionesSugeridas []string
	Completitud       int
}

// noisePrefixes are literal markers stripped from the beginning of input
// before any extraction runs.
var noisePrefixes = []string{"[Mensaje]", "[Instrucción]", "Procesando..."}

func stripNoise(text string) string {
	t := strings.TrimSpace(text)
	for _, p := range noisePrefixes {
		t = strings.TrimSpace(strings.TrimPrefix(t, p))
	}
	return t
}

// Extract runs the full deterministic pass over text, relative to now
// (expected to already be in Lima time).
func Extract(text string, now time.Time) Extraction {
	text = stripNoise(text)

	e := Extraction{
		FechaHora:  extractFechaHora(text, now),
		Ubicacion:  extractUbicacion(text),
		Personas:   extractPersonas(text),
		TipoAccion: detectTipoAccion(text),
		Detalles:   extractDetalles(text),
	}
	e.AccionesSugeridas = suggestedActions(e)
	e.Completitud = completeness(e)
	return e
}

// ─── Date/time resolution ───────────────────────────────────────────

var monthsES = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
}

var weekdaysES = map[string]time.Weekday{
	"lunes": time.Monday, "martes": time.Tuesday,
	"miércoles": time.Wednesday, "miercoles": time.Wednesday,
	"jueves": time.Thursday, "viernes": time.Friday,
	"sábado": time.Saturday, "sabado": time.Saturday,
	"domingo": time.Sunday,
}

var (
	reFechaLarga  = regexp.MustCompile(`(\d{1,2})\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|octubre|noviembre|diciembre)\s+del?\s+(\d{4})`)
	reFechaBarra  = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})`)
	reFechaISO    = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)
	reHoraContext = regexp.MustCompile(`(?:a\s+las?\s+)?(\d{1,2})\s+de\s+la\s+(mañana|tarde|noche)`)
	reHora24      = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	reHoraAMPM    = regexp.MustCompile(`(\d{1,2})\s*(am|pm)`)
	reHoraSimple  = regexp.MustCompile(`a\s+las?\s+(\d{1,2})\b`)
)

func extractFechaHora(text string, now time.Time) models.FechaHora {
	lower := strings.ToLower(text)
	var fecha *time.Time

	// 1. Explicit full dates (highest precedence).
	if m := reFechaLarga.FindStringSubmatch(lower); m != nil {
		day, _ := strconv.Atoi(m[1])
		month := monthsES[m[2]]
		year, _ := strconv.Atoi(m[3])
		d := time.Date(year, month, day, 0, 0, 0, 0, Lima)
		fecha = &d
	} else if m := reFechaBarra.FindStringSubmatch(lower); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, Lima)
		fecha = &d
	} else if m := reFechaISO.FindStringSubmatch(lower); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, Lima)
		fecha = &d
	}

	// 2. Relative words.
	if fecha == nil {
		switch {
		case strings.Contains(lower, "pasado mañana"):
			d := now.AddDate(0, 0, 2)
			fecha = &d
		case strings.Contains(lower, "mañana"):
			d := now.AddDate(0, 0, 1)
			fecha = &d
		case strings.Contains(lower, "hoy"):
			d := now
			fecha = &d
		}
	}

	// 3. Weekday names.
	if fecha == nil {
		for name, wd := range weekdaysES {
			if strings.Contains(lower, name) {
				diff := (int(wd) - int(now.Weekday()) + 7) % 7
				if diff == 0 {
					diff = 7
				}
				d := now.AddDate(0, 0, diff)
				fecha = &d
				break
			}
		}
	}

	// 4. Library-level fuzzy parse, only for short text.
	if fecha == nil && len(text) < 50 {
		if d, ok := fuzzyParse(text, now); ok {
			fecha = &d
		}
	}

	if fecha == nil {
		return models.FechaHora{}
	}

	hora, hasHora := extractHora(lower)

	var fh models.FechaHora
	fh.Fecha = fecha.Format("2006-01-02")
	if hasHora {
		fh.Hora = hora.Format("15:04:05")
		ts := time.Date(fecha.Year(), fecha.Month(), fecha.Day(), hora.Hour(), hora.Minute(), 0, 0, Lima)
		fh.Timestamp = ts.Format("2006-01-02T15:04:05-07:00")
	} else {
		ts := time.Date(fecha.Year(), fecha.Month(), fecha.Day(), 9, 0, 0, 0, Lima)
		fh.Hora = "09:00:00"
		fh.Timestamp = ts.Format("2006-01-02T15:04:05-07:00")
	}
	return fh
}

// extractHora applies the time-resolution ladder, most specific form first.
func extractHora(lower string) (time.Time, bool) {
	if m := reHoraContext.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "tarde", "noche":
			if n < 12 {
				n += 12
			}
		}
		return time.Date(0, 1, 1, n, 0, 0, 0, time.UTC), true
	}
	if m := reHora24.FindStringSubmatch(lower); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		return time.Date(0, 1, 1, h, min, 0, 0, time.UTC), true
	}
	if m := reHoraAMPM.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if m[2] == "pm" && n < 12 {
			n += 12
		}
		return time.Date(0, 1, 1, n, 0, 0, 0, time.UTC), true
	}
	if m := reHoraSimple.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= 6 {
			n += 12
		}
		return time.Date(0, 1, 1, n, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// ─── Location ────────────────────────────────────────────────────────

var viaPrefixes = `Av\.|Avenida|Jr\.|Jirón|Calle|Ca\.|Psje\.|Pasaje`

var reDireccion = regexp.MustCompile(`(?i)(` + viaPrefixes + `)\s+([\w\sáéíóúñ]+?)\s+(\d{1,5})(,\s*([\wáéíóúñ\s]+))?`)

var distritosPeru = []string{
	"Miraflores", "San Isidro", "Santiago de Surco", "Surco",
	"La Molina", "Barranco", "Jesús María", "San Miguel",
	"Pueblo Libre", "Magdalena", "San Borja", "Lince",
}

// Bare generic words ("hospital", "clínica") are deliberately absent: a
// generic mention with no specifier emits no location.
var lugaresConocidos = []string{
	"Larcomar", "Jockey Plaza", "Real Plaza", "Open Plaza",
	"Clínica Ricardo Palma", "Hospital Loayza", "Hospital Rebagliati",
	"Parque Kennedy", "Ovalo Gutierrez", "Estadio Nacional",
}

func extractUbicacion(text string) *models.Location {
	var loc models.Location

	if m := reDireccion.FindStringSubmatch(text); m != nil {
		parts := []string{m[1], strings.TrimSpace(m[2]), m[3]}
		if m[5] != "" {
			parts = append(parts, m[5])
		}
		loc.Direccion = strings.Join(parts, " ")
	}

	if loc.Direccion == "" {
		for _, distrito := range distritosPeru {
			if containsFold(text, distrito) {
				if ctx := sentenceContaining(text, distrito); ctx != "" {
					loc.Direccion = ctx
				} else {
					loc.Direccion = distrito
				}
				break
			}
		}
	}

	for _, lugar := range lugaresConocidos {
		if containsFold(text, lugar) {
			loc.LugarNombre = lugar
			if loc.Direccion == "" {
				loc.Direccion = lugar
			}
			break
		}
	}

	if loc.Direccion == "" && loc.LugarNombre == "" {
		return nil
	}
	return &loc
}

// sentenceContaining returns the sentence (split on . ! ?) that contains
// needle, so a bare district mention keeps its surrounding context.
func sentenceContaining(text, needle string) string {
	for _, sentence := range regexp.MustCompile(`[.!?]`).Split(text, -1) {
		if containsFold(sentence, needle) {
			return strings.TrimSpace(sentence)
		}
	}
	return ""
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// ─── Persons ─────────────────────────────────────────────────────────

var reNombre = regexp.MustCompile(`\b[A-Z][a-zÁÉÍÓÚÑ]+(?:\s+[A-Z][a-zÁÉÍÓÚÑ]+)+\b`)
var reEmail = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

var rePhonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\+?51\s?9\d{8}`),
	regexp.MustCompile(`9\d{8}`),
	regexp.MustCompile(`\d{3}[-.\s]?\d{3}[-.\s]?\d{3}`),
}

func extractPersonas(text string) []models.Person {
	nombres := reNombre.FindAllString(text, -1)

	var telefonos []string
	for _, re := range rePhonePatterns {
		telefonos = append(telefonos, re.FindAllString(text, -1)...)
	}
	telefonos = normalizePhones(telefonos)

	emails := reEmail.FindAllString(text, -1)

	var personas []models.Person
	for i, nombre := range nombres {
		p := models.Person{Nombre: nombre}
		if i < len(telefonos) {
			p.Telefono = telefonos[i]
		}
		if i < len(emails) {
			p.Email = emails[i]
		}
		personas = append(personas, p)
	}

	if len(personas) == 0 && (len(telefonos) > 0 || len(emails) > 0) {
		p := models.Person{Nombre: "Contacto"}
		if len(telefonos) > 0 {
			p.Telefono = telefonos[0]
		}
		if len(emails) > 0 {
			p.Email = emails[0]
		}
		personas = append(personas, p)
	}

	return personas
}

// normalizePhones validates and reformats to E.164 with Peru as the
// default region.
func normalizePhones(raw []string) []string {
	var out []string
	for _, tel := range raw {
		num, err := phonenumbers.Parse(tel, "PE")
		if err != nil || !phonenumbers.IsValidNumber(num) {
			digits := regexp.MustCompile(`\D`).ReplaceAllString(tel, "")
			if len(digits) >= 9 {
				out = append(out, "+51"+digits[len(digits)-9:])
			}
			continue
		}
		out = append(out, phonenumbers.Format(num, phonenumbers.E164))
	}
	return out
}

// ─── Action type ─────────────────────────────────────────────────────

type actionKeywordSet struct {
	action   ActionType
	keywords []string
}

// Order matters: first match wins.
var actionKeywords = []actionKeywordSet{
	{ActionAlarm, []string{"despiértame", "alarma", "despertador", "despertar", "avísame a las", "pon una alarma"}},
	{ActionInPersonMeet, []string{"reunión", "cita", "junta", "encuentro", "visita", "ir a"}},
	{ActionVideoCall, []string{"zoom", "meet", "teams", "videollamada", "video llamada", "google meet", "reunión virtual", "entrevista virtual"}},
	{ActionPhoneCall, []string{"llamar", "telefonear", "contactar por teléfono"}},
	{ActionWhatsApp, []string{"whatsapp", "escribir por wsp", "mensaje wsp", "mandar wsp"}},
	{ActionEmail, []string{"email", "correo", "enviar mail", "mandar correo"}},
	{ActionPayment, []string{"pagar", "yapear", "transferir", "plin", "depositar"}},
}

func detectTipoAccion(text string) ActionType {
	lower := strings.ToLower(text)
	for _, set := range actionKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(lower, kw) {
				return set.action
			}
		}
	}
	return ActionGeneralTask
}

// ─── Details ────────────────────────────────────────────────────────────────

var reDuracion = regexp.MustCompile(`(\d+)\s*(hora|horas|minuto|minutos|hr|hrs|min)`)

func extractDetalles(text string) Details {
	notes := text
	if len(notes) > 200 {
		notes = notes[:200]
	}
	d := Details{Notes: notes}
	if m := reDuracion.FindStringSubmatch(strings.ToLower(text)); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "hora") || strings.HasPrefix(m[2], "hr") {
			d.DurationMinutes = n * 60
		} else {
			d.DurationMinutes = n
		}
	}
	return d
}

// ─── Suggested actions ───────────────────────────────────────────────

func suggestedActions(e Extraction) []string {
	var actions []string
	hasFecha := e.FechaHora.Fecha != ""

	switch {
	case e.TipoAccion == ActionAlarm && hasFecha:
		actions = append(actions, "poner_alarma")
	case e.TipoAccion == ActionVideoCall && hasFecha:
		actions = append(actions, "crear_meet", "agendar_calendario")
	case hasFecha:
		actions = append(actions, "agendar_calendario")
	}

	if e.Ubicacion != nil {
		actions = append(actions, "ver_ubicacion")
	}

	for _, p := range e.Personas {
		if p.Telefono != "" {
			actions = append(actions, "llamar")
			if e.TipoAccion == ActionWhatsApp {
				actions = append(actions, "whatsapp")
			}
			break
		}
		if p.Email != "" {
			actions = append(actions, "email")
			break
		}
	}

	if e.TipoAccion == ActionPayment {
		actions = append(actions, "abrir_yape")
	}

	return dedupeCap(actions, 4)
}

func dedupeCap(items []string, cap int) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) == cap {
			break
		}
	}
	return out
}

// ─── Completeness ────────────────────────────────────────────────────

func completeness(e Extraction) int {
	score := 0
	if e.FechaHora.Fecha != "" {
		score += 3
	}
	if e.Ubicacion != nil {
		score += 2
	}
	if len(e.Personas) > 0 {
		score += 2
	}
	if e.TipoAccion != ActionGeneralTask {
		score += 2
	}
	if e.Detalles.DurationMinutes > 0 {
		score += 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

// ToEnvelope folds an Extraction into the wire ContextEnvelope shape
// persisted on Alert.Metadata. The action-type vocabulary used
// internally by the extractor (English tokens) is mapped onto the
// Spanish tokens the envelope's tipo_accion field carries on the wire.
func (e Extraction) ToEnvelope() models.ContextEnvelope {
	env := models.ContextEnvelope{
		FechaHora:         e.FechaHora,
		Ubicacion:         e.Ubicacion,
		Personas:          e.Personas,
		TipoAccion:        wireActionToken(e.TipoAccion),
		AccionesSugeridas: e.AccionesSugeridas,
		Completitud:       e.Completitud,
	}
	return env
}

func wireActionToken(a ActionType) string {
	switch a {
	case ActionAlarm:
		return "alarma"
	case ActionInPersonMeet:
		return "agendar_calendario"
	case ActionVideoCall:
		return "crear_meet"
	case ActionPhoneCall:
		return "llamar"
	case ActionWhatsApp:
		return "whatsapp"
	case ActionEmail:
		return "email"
	case ActionPayment:
		return "pago"
	default:
		return "tarea_general"
	}
}

// fuzzyParse is the fallback library-level parse, gated to inputs under
// 50 chars so long inputs cannot be mis-parsed by the fuzzy path. A
// result equal to now's own date is treated
// as "nothing found", matching the original's own behavior.
func fuzzyParse(text string, now time.Time) (time.Time, bool) {
	d, ok := tryDateparse(text, now)
	if !ok {
		return time.Time{}, false
	}
	if d.Year() == now.Year() && d.YearDay() == now.YearDay() {
		return time.Time{}, false
	}
	return d, true
}

// tryDateparse wraps araddon/dateparse's fuzzy parser, giving it now's
// location so relative-less absolute dates it does recognise (e.g. "12 Feb")
// land in the right year.
func tryDateparse(text string, now time.Time) (time.Time, bool) {
	d, err := dateparse.ParseIn(text, now.Location())
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
