// Package models holds every persisted record and wire envelope in the
// system. Every boundary that would otherwise pass
// around a dynamic map is a typed struct here.
package models

import "time"

// ─── User ─────────────────────────────────────────────────────────────────

type User struct {
	ID          string    `db:"id"`
	Email       string    `db:"email"`
	DisplayName string    `db:"display_name"`
	PushToken   string    `db:"push_token"`
	CreatedAt   time.Time `db:"created_at"`
}

// ─── Conversation ─────────────────────────────────────────────────────────

type ConversationType string

const (
	ConvMeeting    ConversationType = "meeting"
	ConvAgreement  ConversationType = "agreement"
	ConvClientData ConversationType = "client_data"
	ConvPersonal   ConversationType = "personal"
	ConvHealth     ConversationType = "health"
	ConvOther      ConversationType = "other"
)

type Urgency string

const (
	UrgencyHigh   Urgency = "HIGH"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyLow    Urgency = "LOW"
)

type ConversationOrigin string

const (
	OriginAppManual       ConversationOrigin = "app_manual"
	OriginAppFile         ConversationOrigin = "app_file"
	OriginWhatsAppWebhook ConversationOrigin = "whatsapp_webhook"
	OriginWhatsAppBrain   ConversationOrigin = "whatsapp_brain"
	OriginAppChat         ConversationOrigin = "app_chat"
	OriginEmailTriage     ConversationOrigin = "email_triage"
)

// ConversationMetadata is the free-form key/value blob attached to a
// Conversation — a typed struct instead of map[string]any.
type ConversationMetadata struct {
	RawTextTruncated string   `json:"raw_text_truncated,omitempty"`
	LearnedFacts     []string `json:"learned_facts,omitempty"`
}

type Conversation struct {
	ID        int64              `db:"id"`
	UserID    string             `db:"user_id"`
	Summary   string             `db:"summary"`
	Type      ConversationType   `db:"type"`
	Urgency   Urgency            `db:"urgency"`
	Origin    ConversationOrigin `db:"origin"`
	Metadata  ConversationMetadata
	Embedding []float32 // nullable; stored as JSON text, see internal/store
	CreatedAt time.Time `db:"created_at"`
}

// ─── ProfileFact ──────────────────────────────────────────────────────────

// AutoFactCategory marks a ProfileFact derived automatically from an LLM
// extraction rather than entered directly.
const AutoFactCategory = "AUTO_IA"

type ProfileFact struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	FactText  string    `db:"fact_text"`
	Category  string    `db:"category"`
	OriginRef string    `db:"origin_ref"`
	CreatedAt time.Time `db:"created_at"`
}

// ─── Alert ────────────────────────────────────────────────────────────────

type AlertPriority string

const (
	PriorityHigh   AlertPriority = "HIGH"
	PriorityMedium AlertPriority = "MEDIUM"
	PriorityLow    AlertPriority = "LOW"
)

type AlertType string

const (
	AlertManual       AlertType = "manual"
	AlertAutoDetected AlertType = "auto_detectada"
	AlertTareaIA      AlertType = "tarea_ia"
)

type AlertState string

const (
	AlertPending   AlertState = "pending"
	AlertCompleted AlertState = "completed"
	AlertDiscarded AlertState = "discarded"
)

type AlertLabel string

const (
	LabelBusiness AlertLabel = "BUSINESS"
	LabelStudy    AlertLabel = "STUDY"
	LabelPartner  AlertLabel = "PARTNER"
	LabelHealth   AlertLabel = "HEALTH"
	LabelPersonal AlertLabel = "PERSONAL"
	LabelOthers   AlertLabel = "OTHERS"
)

// ScheduledAction is one entry of Alert.Metadata.AccionesProgramadas, the
// ordered sub-action list built by the task extractor.
type ScheduledAction struct {
	Tipo                string `json:"tipo"`
	Titulo              string `json:"titulo"`
	FechaHoraEspecifica string `json:"fecha_hora_especifica"`
	DatoExtra           string `json:"dato_extra,omitempty"`
}

// Person is one entry of a ContextEnvelope's personas list.
type Person struct {
	Nombre   string `json:"nombre"`
	Telefono string `json:"telefono,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Location is the ubicacion field of a ContextEnvelope.
type Location struct {
	Direccion   string `json:"direccion,omitempty"`
	LugarNombre string `json:"lugar_nombre,omitempty"`
}

// FechaHora carries the resolved calendrical and clock parts of an
// extraction alongside the zone-qualified ISO timestamp.
type FechaHora struct {
	Fecha     string `json:"fecha,omitempty"`
	Hora      string `json:"hora,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ContextEnvelope is the structured extraction produced by the
// deterministic extractor and stored verbatim as Alert.Metadata.
type ContextEnvelope struct {
	FechaHora           FechaHora         `json:"fecha_hora"`
	HoraAlarma          string            `json:"hora_alarma,omitempty"`
	TimestampAlarma     string            `json:"timestamp_alarma,omitempty"`
	Ubicacion           *Location         `json:"ubicacion,omitempty"`
	Personas            []Person          `json:"personas,omitempty"`
	TipoAccion          string            `json:"tipo_accion"`
	AccionesSugeridas   []string          `json:"acciones_sugeridas,omitempty"`
	AccionesProgramadas []ScheduledAction `json:"acciones_programadas,omitempty"`
	Completitud         int               `json:"completitud"`
	LinkMeet            string            `json:"link_meet,omitempty"`
}

type Alert struct {
	ID             int64         `db:"id"`
	UserID         string        `db:"user_id"`
	ConversationID *int64        `db:"conversation_id"`
	Title          string        `db:"title"`
	Description    string        `db:"description"`
	Priority       AlertPriority `db:"priority"`
	Type           AlertType     `db:"type"`
	State          AlertState    `db:"state"`
	Label          AlertLabel    `db:"label"`
	DueAt          *time.Time    `db:"due_at"`
	Metadata       ContextEnvelope
	ArchivedAt     *time.Time `db:"archived_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// ImportanceScore orders a user's briefing digest: 10 for
// HEALTH/BUSINESS/PARTNER labels, 5 for STUDY, 0 otherwise, plus 5/2/0
// for HIGH/MEDIUM/LOW priority.
func (a Alert) ImportanceScore() int {
	score := 0
	switch a.Label {
	case LabelHealth, LabelBusiness, LabelPartner:
		score += 10
	case LabelStudy:
		score += 5
	}
	switch a.Priority {
	case PriorityHigh:
		score += 5
	case PriorityMedium:
		score += 2
	}
	return score
}

// ─── EmailAccount ─────────────────────────────────────────────────────────

type EmailAccount struct {
	ID           int64     `db:"id"`
	UserID       string    `db:"user_id"`
	EmailAddress string    `db:"email_address"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ClientID     string    `db:"client_id"`
	ClientSecret string    `db:"client_secret"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
}

// ─── AnalyzedEmail ────────────────────────────────────────────────────────

// AnalyzedEmailMetadata holds the raw gmail id, the sender-history
// snapshot, the sent reply text, and a tone-drift signal for one
// AnalyzedEmail.
type AnalyzedEmailMetadata struct {
	RawGmailID       string `json:"raw_gmail_id,omitempty"`
	SenderHistory    string `json:"sender_history_snapshot,omitempty"`
	SentReply        string `json:"sent_reply,omitempty"`
	ToneChanged      bool   `json:"cambio_tono,omitempty"`
	ContextAdicional string `json:"contexto_adicional,omitempty"`
}

type AnalyzedEmail struct {
	ID              int64      `db:"id"`
	UserID          string     `db:"user_id"`
	EmailAccountID  int64      `db:"email_account_id"`
	GmailMessageID  string     `db:"gmail_message_id"`
	Sender          string     `db:"sender"`
	Subject         string     `db:"subject"`
	Date            time.Time  `db:"date"`
	ImportanceScore int        `db:"importance_score"`
	Category        string     `db:"category"`
	Urgency         string     `db:"urgency"`
	RequiresAction  bool       `db:"requires_action"`
	SuggestedReply  string     `db:"suggested_reply"`
	DetectedTone    string     `db:"detected_tone"`
	PendingActions  []string   // stored JSON-encoded, see internal/store
	DueDate         *time.Time `db:"due_date"`
	Read            bool       `db:"read"`
	Answered        bool       `db:"answered"`
	AnsweredAt      *time.Time `db:"answered_at"`
	Metadata        AnalyzedEmailMetadata
	CreatedAt       time.Time `db:"created_at"`
}

// ─── SenderProfile ────────────────────────────────────────────────────────

type SenderProfile struct {
	ID              int64     `db:"id"`
	UserID          string    `db:"user_id"`
	EmailAccountID  int64     `db:"email_account_id"`
	Sender          string    `db:"sender"`
	TotalEmails     int       `db:"total_emails"`
	FirstContact    time.Time `db:"first_contact"`
	LastContact     time.Time `db:"last_contact"`
	FrequencyDays   float64   `db:"frequency_days"`
	TypicalHour     int       `db:"typical_hour"`
	AvgLength       int       `db:"avg_length"`
	TopKeywords     []string  // stored JSON-encoded, see internal/store
	HabitualTone    string    `db:"habitual_tone"`
	PrimaryTopic    string    `db:"primary_topic"`
	ImportanceLevel string    `db:"importance_level"`
}

// ─── WhatsAppMessage ──────────────────────────────────────────────────────

// WhatsAppMessageMetadata carries the brain pass's provenance fields for a
// message it produced or consumed (origin, chat_name, last_ts).
type WhatsAppMessageMetadata struct {
	Origin   string `json:"origin,omitempty"`
	ChatName string `json:"chat_name,omitempty"`
	LastTS   string `json:"last_ts,omitempty"`
}

type WhatsAppMessage struct {
	ID            string    `db:"id"` // device-provided, globally unique
	UserID        string    `db:"user_id"`
	ChatID        string    `db:"chat_id"`
	ChatName      string    `db:"chat_name"`
	Content       string    `db:"content"`
	Timestamp     time.Time `db:"ts"`
	IsMine        bool      `db:"is_mine"`
	Kind          string    `db:"kind"`
	DeviceID      string    `db:"device_id"`
	Synced        bool      `db:"synced"`
	ProcessedByAI bool      `db:"processed_by_ai"`
	Metadata      WhatsAppMessageMetadata
}

// ─── ChatMemory ───────────────────────────────────────────────────────────

type ChatMemory struct {
	UserID         string    `db:"user_id"`
	ChatName       string    `db:"chat_name"`
	CurrentSummary string    `db:"current_summary"`
	OpenTopics     string    `db:"open_topics"`
	LastUpdated    time.Time `db:"last_updated"`
}

// ─── Push payload ─────────────────────────────────────────────────────────

// PushNotification is the title+body+data shape every push send builds.
// Data values are always strings; complex values are JSON-stringified by
// the caller before assignment.
type PushNotification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Known PushNotification.Data keys.
const (
	PushKeyTipo               = "tipo"
	PushKeyAlertaID           = "alerta_id"
	PushKeyAccionesJSON       = "acciones_json"
	PushKeyMetadata           = "metadata"
	PushKeyIrA                = "ir_a"
	PushKeyClickAction        = "click_action"
	PushKeyEjecutarAutomatico = "ejecutar_automatico"
)
