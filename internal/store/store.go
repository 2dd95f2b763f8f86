// Package store is the sqlite-backed relational store for every record
// the service persists: single file, single connection, WAL mode,
// fail-fast Init with in-line migrations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"nexus/internal/apperr"
	"nexus/internal/models"
)

type Store struct {
	conn *sql.DB
}

// Init opens the SQLite database, applies WAL mode, and runs migrations.
func Init(path string) *Store {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		log.Fatalf("store: failed to open: %v", err)
	}
	if err := conn.Ping(); err != nil {
		log.Fatalf("store: failed to ping: %v", err)
	}

	// Limit concurrent writers to avoid SQLITE_BUSY beyond the busy_timeout.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	s.migrate()
	log.Println("store: ready")
	return s
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) migrate() {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
id           TEXT PRIMARY KEY,
email        TEXT,
display_name TEXT,
push_token   TEXT,
created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS conversations (
id         INTEGER PRIMARY KEY AUTOINCREMENT,
user_id    TEXT NOT NULL,
summary    TEXT NOT NULL,
type       TEXT NOT NULL,
urgency    TEXT NOT NULL,
origin     TEXT NOT NULL,
metadata   TEXT NOT NULL DEFAULT '{}',
embedding  TEXT,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(user_id) REFERENCES users(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS profile_facts (
id         INTEGER PRIMARY KEY AUTOINCREMENT,
user_id    TEXT NOT NULL,
fact_text  TEXT NOT NULL,
category   TEXT NOT NULL,
origin_ref TEXT,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
UNIQUE(user_id, fact_text),
FOREIGN KEY(user_id) REFERENCES users(id)
)`,
		`CREATE TABLE IF NOT EXISTS alerts (
id              INTEGER PRIMARY KEY AUTOINCREMENT,
user_id         TEXT NOT NULL,
conversation_id INTEGER,
title           TEXT NOT NULL,
description     TEXT NOT NULL,
priority        TEXT NOT NULL,
type            TEXT NOT NULL,
state           TEXT NOT NULL DEFAULT 'pending',
label           TEXT NOT NULL,
due_at          DATETIME,
metadata        TEXT NOT NULL DEFAULT '{}',
archived_at     DATETIME,
created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(user_id) REFERENCES users(id),
FOREIGN KEY(conversation_id) REFERENCES conversations(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user_state ON alerts(user_id, state)`,
		`CREATE TABLE IF NOT EXISTS email_accounts (
id            INTEGER PRIMARY KEY AUTOINCREMENT,
user_id       TEXT NOT NULL,
email_address TEXT NOT NULL,
access_token  TEXT,
refresh_token TEXT,
client_id     TEXT,
client_secret TEXT,
active        BOOLEAN NOT NULL DEFAULT 1,
created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
UNIQUE(user_id, email_address),
FOREIGN KEY(user_id) REFERENCES users(id)
)`,
		`CREATE TABLE IF NOT EXISTS analyzed_emails (
id                INTEGER PRIMARY KEY AUTOINCREMENT,
user_id           TEXT NOT NULL,
email_account_id  INTEGER NOT NULL,
gmail_message_id  TEXT NOT NULL,
sender            TEXT NOT NULL,
subject           TEXT NOT NULL,
date              DATETIME NOT NULL,
importance_score  INTEGER NOT NULL DEFAULT 0,
category          TEXT,
urgency           TEXT,
requires_action   BOOLEAN NOT NULL DEFAULT 0,
suggested_reply   TEXT,
detected_tone     TEXT,
pending_actions   TEXT NOT NULL DEFAULT '[]',
due_date          DATETIME,
read              BOOLEAN NOT NULL DEFAULT 0,
answered          BOOLEAN NOT NULL DEFAULT 0,
answered_at       DATETIME,
metadata          TEXT NOT NULL DEFAULT '{}',
created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
UNIQUE(user_id, gmail_message_id),
FOREIGN KEY(user_id) REFERENCES users(id),
FOREIGN KEY(email_account_id) REFERENCES email_accounts(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_analyzed_emails_user ON analyzed_emails(user_id, requires_action)`,
		`CREATE TABLE IF NOT EXISTS sender_profiles (
id               INTEGER PRIMARY KEY AUTOINCREMENT,
user_id          TEXT NOT NULL,
email_account_id INTEGER NOT NULL,
sender           TEXT NOT NULL,
total_emails     INTEGER NOT NULL DEFAULT 0,
first_contact    DATETIME,
last_contact     DATETIME,
frequency_days   REAL NOT NULL DEFAULT 0,
typical_hour     INTEGER NOT NULL DEFAULT 0,
avg_length       INTEGER NOT NULL DEFAULT 0,
top_keywords     TEXT NOT NULL DEFAULT '[]',
habitual_tone    TEXT,
primary_topic    TEXT,
importance_level TEXT,
UNIQUE(user_id, email_account_id, sender),
FOREIGN KEY(user_id) REFERENCES users(id),
FOREIGN KEY(email_account_id) REFERENCES email_accounts(id)
)`,
		`CREATE TABLE IF NOT EXISTS history_scan_markers (
email_account_id INTEGER PRIMARY KEY,
stats             TEXT NOT NULL DEFAULT '{}',
scanned_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(email_account_id) REFERENCES email_accounts(id)
)`,
		`CREATE TABLE IF NOT EXISTS whatsapp_messages (
id               TEXT PRIMARY KEY,
user_id          TEXT NOT NULL,
chat_id          TEXT NOT NULL,
chat_name        TEXT NOT NULL,
content          TEXT NOT NULL,
ts               DATETIME NOT NULL,
is_mine          BOOLEAN NOT NULL DEFAULT 0,
kind             TEXT NOT NULL DEFAULT 'text',
device_id        TEXT,
synced           BOOLEAN NOT NULL DEFAULT 1,
processed_by_ai  BOOLEAN NOT NULL DEFAULT 0,
metadata         TEXT NOT NULL DEFAULT '{}',
FOREIGN KEY(user_id) REFERENCES users(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_wa_unprocessed ON whatsapp_messages(user_id, processed_by_ai, chat_name, ts)`,
		`CREATE TABLE IF NOT EXISTS chat_memories (
user_id         TEXT NOT NULL,
chat_name       TEXT NOT NULL,
current_summary TEXT NOT NULL DEFAULT '',
open_topics     TEXT NOT NULL DEFAULT '',
last_updated    DATETIME DEFAULT CURRENT_TIMESTAMP,
PRIMARY KEY(user_id, chat_name),
FOREIGN KEY(user_id) REFERENCES users(id)
)`,
	}

	for _, stmt := range migrations {
		if _, err := s.conn.Exec(stmt); err != nil {
			log.Fatalf("store: migration failed: %v", err)
		}
	}
}

// ─── Users ──────────────────────────────────────────────────────────────

// GetOrCreateUser auto-provisions a user row on first authenticated
// resolution of an id not yet seen.
func (s *Store) GetOrCreateUser(id, email string) (*models.User, error) {
	u, err := s.GetUser(id)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	_, err = s.conn.Exec(`INSERT INTO users(id, email) VALUES(?, ?)
		ON CONFLICT(id) DO NOTHING`, id, email)
	if err != nil {
		return nil, err
	}
	return s.GetUser(id)
}

func (s *Store) GetUser(id string) (*models.User, error) {
	var u models.User
	err := s.conn.QueryRow(
		`SELECT id, email, display_name, push_token, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PushToken, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetPushToken records the device token a client registered for pushes.
func (s *Store) SetPushToken(userID, token string) error {
	res, err := s.conn.Exec(`UPDATE users SET push_token = ? WHERE id = ?`, token, userID)
	return checkOwnedUpdate(res, err)
}

func (s *Store) UsersWithPushToken() ([]models.User, error) {
	rows, err := s.conn.Query(
		`SELECT id, email, display_name, push_token, created_at FROM users WHERE push_token IS NOT NULL AND push_token != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PushToken, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ─── Conversations ────────────────────────────────────────────────────────

func (s *Store) InsertConversation(c *models.Conversation) (int64, error) {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return 0, err
	}
	var embJSON sql.NullString
	if len(c.Embedding) > 0 {
		b, err := json.Marshal(c.Embedding)
		if err != nil {
			return 0, err
		}
		embJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.conn.Exec(
		`INSERT INTO conversations(user_id, summary, type, urgency, origin, metadata, embedding)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Summary, c.Type, c.Urgency, c.Origin, string(metaJSON), embJSON,
	)
	if err != nil {
		if isFKViolation(err) {
			return 0, apperr.Wrap(apperr.DataIntegrity, "conversation references unknown user", err)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) SetConversationEmbedding(id int64, embedding []float32) error {
	b, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`UPDATE conversations SET embedding = ? WHERE id = ?`, string(b), id)
	return err
}

// RecentConversations returns up to limit conversations for userID, most
// recent first.
func (s *Store) RecentConversations(userID string, limit int) ([]models.Conversation, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, summary, type, urgency, origin, metadata, embedding, created_at
		 FROM conversations WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

// ConversationsForEmbeddingSearch returns every conversation with a
// non-null embedding for userID, used by the vector memory similarity
// query.
func (s *Store) ConversationsForEmbeddingSearch(userID string) ([]models.Conversation, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, summary, type, urgency, origin, metadata, embedding, created_at
		 FROM conversations WHERE user_id = ? AND embedding IS NOT NULL`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var metaJSON string
		var embJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.Summary, &c.Type, &c.Urgency, &c.Origin, &metaJSON, &embJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
			return nil, err
		}
		if embJSON.Valid {
			if err := json.Unmarshal([]byte(embJSON.String), &c.Embedding); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── ProfileFacts ─────────────────────────────────────────────────────────

// UpsertProfileFact inserts a fact, ignoring conflicts on (user_id,
// fact_text) so re-ingestion of the same text is a no-op.
func (s *Store) UpsertProfileFact(f *models.ProfileFact) error {
	_, err := s.conn.Exec(
		`INSERT INTO profile_facts(user_id, fact_text, category, origin_ref)
		 VALUES(?, ?, ?, ?) ON CONFLICT(user_id, fact_text) DO NOTHING`,
		f.UserID, f.FactText, f.Category, f.OriginRef,
	)
	if err != nil && isFKViolation(err) {
		return apperr.Wrap(apperr.DataIntegrity, "profile fact references unknown user", err)
	}
	return err
}

func (s *Store) ProfileFacts(userID string) ([]models.ProfileFact, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, fact_text, category, origin_ref, created_at
		 FROM profile_facts WHERE user_id = ? ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ProfileFact
	for rows.Next() {
		var f models.ProfileFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.FactText, &f.Category, &f.OriginRef, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ─── Alerts ───────────────────────────────────────────────────────────────

func (s *Store) InsertAlert(a *models.Alert) (int64, error) {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := s.conn.Exec(
		`INSERT INTO alerts(user_id, conversation_id, title, description, priority, type, state, label, due_at, metadata)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.ConversationID, a.Title, a.Description, a.Priority, a.Type, orDefault(string(a.State), string(models.AlertPending)), a.Label, a.DueAt, string(metaJSON),
	)
	if err != nil {
		if isFKViolation(err) {
			return 0, apperr.Wrap(apperr.DataIntegrity, "alert references unknown user", err)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (s *Store) GetAlert(id int64) (*models.Alert, error) {
	a := &models.Alert{}
	var metaJSON string
	err := s.conn.QueryRow(
		`SELECT id, user_id, conversation_id, title, description, priority, type, state, label, due_at, metadata, archived_at, created_at
		 FROM alerts WHERE id = ?`, id,
	).Scan(&a.ID, &a.UserID, &a.ConversationID, &a.Title, &a.Description, &a.Priority, &a.Type, &a.State, &a.Label, &a.DueAt, &metaJSON, &a.ArchivedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "alert not found")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAlertMetadata rewrites an alert's metadata, used by the task
// extractor's meet-link re-read step.
func (s *Store) UpdateAlertMetadata(id int64, metadata models.ContextEnvelope) error {
	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`UPDATE alerts SET metadata = ? WHERE id = ?`, string(b), id)
	return err
}

// ListAlerts returns alerts for userID filtered by state. state is one of
// "pending", "completed", "discarded", or "" for all. Completed alerts
// older than 14 days are excluded unless includeArchived is true.
func (s *Store) ListAlerts(userID, state string, includeArchived bool) ([]models.Alert, error) {
	query := `SELECT id, user_id, conversation_id, title, description, priority, type, state, label, due_at, metadata, archived_at, created_at
		 FROM alerts WHERE user_id = ?`
	args := []any{userID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	if !includeArchived {
		query += ` AND (state != 'completed' OR created_at >= ?)`
		args = append(args, time.Now().AddDate(0, 0, -14))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// PriorityAlerts returns up to limit pending alerts for userID ordered by
// ImportanceScore descending, then due_at ascending.
func (s *Store) PriorityAlerts(userID string, limit int) ([]models.Alert, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, conversation_id, title, description, priority, type, state, label, due_at, metadata, archived_at, created_at
		 FROM alerts WHERE user_id = ? AND state = 'pending'`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		si, sj := all[i].ImportanceScore(), all[j].ImportanceScore()
		if si != sj {
			return si > sj
		}
		return dueBefore(all[i].DueAt, all[j].DueAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// AlertsDueBy returns pending alerts for userID with due_at at or before
// cutoff, ordered by ImportanceScore descending — used by the briefing
// scheduler.
func (s *Store) AlertsDueBy(userID string, cutoff time.Time) ([]models.Alert, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, conversation_id, title, description, priority, type, state, label, due_at, metadata, archived_at, created_at
		 FROM alerts WHERE user_id = ? AND state = 'pending' AND due_at IS NOT NULL AND due_at <= ?`,
		userID, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ImportanceScore() > all[j].ImportanceScore()
	})
	return all, nil
}

// RecentAlerts returns up to limit alerts for userID regardless of state,
// most recent first.
func (s *Store) RecentAlerts(userID string, limit int) ([]models.Alert, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, conversation_id, title, description, priority, type, state, label, due_at, metadata, archived_at, created_at
		 FROM alerts WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func dueBefore(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}

func scanAlerts(rows *sql.Rows) ([]models.Alert, error) {
	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var metaJSON string
		if err := rows.Scan(&a.ID, &a.UserID, &a.ConversationID, &a.Title, &a.Description, &a.Priority, &a.Type, &a.State, &a.Label, &a.DueAt, &metaJSON, &a.ArchivedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PatchAlert updates state and/or label, enforcing ownership: it returns
// apperr.Authorization if the alert does not belong to userID.
func (s *Store) PatchAlert(id int64, userID string, state *models.AlertState, label *models.AlertLabel) (*models.Alert, error) {
	existing, err := s.GetAlert(id)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, apperr.New(apperr.Authorization, "alert does not belong to caller")
	}
	if state != nil {
		existing.State = *state
	}
	if label != nil {
		existing.Label = *label
	}
	var archivedAt *time.Time
	if existing.State == models.AlertCompleted && existing.ArchivedAt == nil {
		// leave archival to the 14-day view filter, not set eagerly
		archivedAt = existing.ArchivedAt
	}
	_, err = s.conn.Exec(`UPDATE alerts SET state = ?, label = ?, archived_at = ? WHERE id = ?`,
		existing.State, existing.Label, archivedAt, id)
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// ─── EmailAccounts ────────────────────────────────────────────────────────

func (s *Store) UpsertEmailAccount(a *models.EmailAccount) (int64, error) {
	_, err := s.conn.Exec(
		`INSERT INTO email_accounts(user_id, email_address, access_token, refresh_token, client_id, client_secret, active)
		 VALUES(?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(user_id, email_address) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE email_accounts.refresh_token END,
		   client_id = excluded.client_id,
		   client_secret = excluded.client_secret,
		   active = 1`,
		a.UserID, a.EmailAddress, a.AccessToken, a.RefreshToken, a.ClientID, a.ClientSecret,
	)
	if err != nil {
		return 0, err
	}
	acc, err := s.GetEmailAccount(a.UserID, a.EmailAddress)
	if err != nil {
		return 0, err
	}
	return acc.ID, nil
}

func (s *Store) GetEmailAccount(userID, emailAddress string) (*models.EmailAccount, error) {
	a := &models.EmailAccount{}
	err := s.conn.QueryRow(
		`SELECT id, user_id, email_address, access_token, refresh_token, client_id, client_secret, active, created_at
		 FROM email_accounts WHERE user_id = ? AND email_address = ?`, userID, emailAddress,
	).Scan(&a.ID, &a.UserID, &a.EmailAddress, &a.AccessToken, &a.RefreshToken, &a.ClientID, &a.ClientSecret, &a.Active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "email account not found")
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ─── AnalyzedEmails ───────────────────────────────────────────────────────

// ExistingGmailIDs returns the subset of ids already recorded for userID,
// used to filter an inbound batch before layering.
func (s *Store) ExistingGmailIDs(userID string, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT gmail_message_id FROM analyzed_emails WHERE user_id = ? AND gmail_message_id IN (%s)`,
		strings.Join(placeholders, ","),
	)
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) InsertAnalyzedEmail(e *models.AnalyzedEmail) (int64, error) {
	pendingJSON, err := json.Marshal(e.PendingActions)
	if err != nil {
		return 0, err
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := s.conn.Exec(
		`INSERT INTO analyzed_emails(user_id, email_account_id, gmail_message_id, sender, subject, date,
		   importance_score, category, urgency, requires_action, suggested_reply, detected_tone, pending_actions,
		   due_date, metadata)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, gmail_message_id) DO NOTHING`,
		e.UserID, e.EmailAccountID, e.GmailMessageID, e.Sender, e.Subject, e.Date,
		e.ImportanceScore, e.Category, e.Urgency, e.RequiresAction, e.SuggestedReply, e.DetectedTone, string(pendingJSON),
		e.DueDate, string(metaJSON),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) PendingEmails(userID string, onlyPending bool) ([]models.AnalyzedEmail, error) {
	query := `SELECT id, user_id, email_account_id, gmail_message_id, sender, subject, date, importance_score,
		   category, urgency, requires_action, suggested_reply, detected_tone, pending_actions, due_date,
		   read, answered, answered_at, metadata, created_at
		 FROM analyzed_emails WHERE user_id = ?`
	if onlyPending {
		query += ` AND requires_action = 1 AND read = 0 AND answered = 0`
	}
	query += ` ORDER BY importance_score DESC, date DESC`
	rows, err := s.conn.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalyzedEmails(rows)
}

func (s *Store) AnsweredEmails(userID string, limit int) ([]models.AnalyzedEmail, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, email_account_id, gmail_message_id, sender, subject, date, importance_score,
		   category, urgency, requires_action, suggested_reply, detected_tone, pending_actions, due_date,
		   read, answered, answered_at, metadata, created_at
		 FROM analyzed_emails WHERE user_id = ? AND answered = 1 ORDER BY answered_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalyzedEmails(rows)
}

func scanAnalyzedEmails(rows *sql.Rows) ([]models.AnalyzedEmail, error) {
	var out []models.AnalyzedEmail
	for rows.Next() {
		var e models.AnalyzedEmail
		var pendingJSON, metaJSON string
		if err := rows.Scan(&e.ID, &e.UserID, &e.EmailAccountID, &e.GmailMessageID, &e.Sender, &e.Subject, &e.Date,
			&e.ImportanceScore, &e.Category, &e.Urgency, &e.RequiresAction, &e.SuggestedReply, &e.DetectedTone,
			&pendingJSON, &e.DueDate, &e.Read, &e.Answered, &e.AnsweredAt, &metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pendingJSON), &e.PendingActions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkEmailRead(id int64, userID string) error {
	res, err := s.conn.Exec(`UPDATE analyzed_emails SET read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	return checkOwnedUpdate(res, err)
}

func (s *Store) MarkEmailAnswered(id int64, userID string, answeredAt time.Time, reply string) error {
	e, err := s.getAnalyzedEmail(id)
	if err != nil {
		return err
	}
	if e.UserID != userID {
		return apperr.New(apperr.Authorization, "email does not belong to caller")
	}
	e.Metadata.SentReply = reply
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`UPDATE analyzed_emails SET answered = 1, answered_at = ?, metadata = ? WHERE id = ?`,
		answeredAt, string(metaJSON), id)
	return err
}

func (s *Store) RevertEmailAnswered(id int64, userID string) error {
	res, err := s.conn.Exec(`UPDATE analyzed_emails SET answered = 0, answered_at = NULL WHERE id = ? AND user_id = ?`, id, userID)
	return checkOwnedUpdate(res, err)
}

func (s *Store) getAnalyzedEmail(id int64) (*models.AnalyzedEmail, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, email_account_id, gmail_message_id, sender, subject, date, importance_score,
		   category, urgency, requires_action, suggested_reply, detected_tone, pending_actions, due_date,
		   read, answered, answered_at, metadata, created_at
		 FROM analyzed_emails WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanAnalyzedEmails(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperr.New(apperr.NotFound, "email not found")
	}
	return &list[0], nil
}

func checkOwnedUpdate(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "resource not found or not owned by caller")
	}
	return nil
}

// ─── SenderProfiles ───────────────────────────────────────────────────────

func (s *Store) UpsertSenderProfile(p *models.SenderProfile) error {
	keywordsJSON, err := json.Marshal(p.TopKeywords)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(
		`INSERT INTO sender_profiles(user_id, email_account_id, sender, total_emails, first_contact, last_contact,
		   frequency_days, typical_hour, avg_length, top_keywords, habitual_tone, primary_topic, importance_level)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, email_account_id, sender) DO UPDATE SET
		   total_emails = excluded.total_emails,
		   last_contact = excluded.last_contact,
		   frequency_days = excluded.frequency_days,
		   typical_hour = excluded.typical_hour,
		   avg_length = excluded.avg_length,
		   top_keywords = excluded.top_keywords,
		   habitual_tone = excluded.habitual_tone,
		   primary_topic = excluded.primary_topic,
		   importance_level = excluded.importance_level`,
		p.UserID, p.EmailAccountID, p.Sender, p.TotalEmails, p.FirstContact, p.LastContact,
		p.FrequencyDays, p.TypicalHour, p.AvgLength, string(keywordsJSON), p.HabitualTone, p.PrimaryTopic, p.ImportanceLevel,
	)
	return err
}

func (s *Store) GetSenderProfile(userID string, accountID int64, sender string) (*models.SenderProfile, error) {
	p := &models.SenderProfile{}
	var keywordsJSON string
	err := s.conn.QueryRow(
		`SELECT id, user_id, email_account_id, sender, total_emails, first_contact, last_contact,
		   frequency_days, typical_hour, avg_length, top_keywords, habitual_tone, primary_topic, importance_level
		 FROM sender_profiles WHERE user_id = ? AND email_account_id = ? AND sender = ?`,
		userID, accountID, sender,
	).Scan(&p.ID, &p.UserID, &p.EmailAccountID, &p.Sender, &p.TotalEmails, &p.FirstContact, &p.LastContact,
		&p.FrequencyDays, &p.TypicalHour, &p.AvgLength, &keywordsJSON, &p.HabitualTone, &p.PrimaryTopic, &p.ImportanceLevel)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "sender profile not found")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &p.TopKeywords); err != nil {
		return nil, err
	}
	return p, nil
}

// RecentFromSender returns up to limit analyzed emails from sender,
// most recent first, used to build the sender context for deep analysis.
func (s *Store) RecentFromSender(userID string, accountID int64, sender string, limit int) ([]models.AnalyzedEmail, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, email_account_id, gmail_message_id, sender, subject, date, importance_score,
		   category, urgency, requires_action, suggested_reply, detected_tone, pending_actions, due_date,
		   read, answered, answered_at, metadata, created_at
		 FROM analyzed_emails WHERE user_id = ? AND email_account_id = ? AND sender = ?
		 ORDER BY date DESC LIMIT ?`,
		userID, accountID, sender, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalyzedEmails(rows)
}

// ─── History scan markers ─────────────────────────────────────────────────

func (s *Store) HasHistoryScan(emailAccountID int64) (bool, error) {
	var count int
	err := s.conn.QueryRow(`SELECT COUNT(1) FROM history_scan_markers WHERE email_account_id = ?`, emailAccountID).Scan(&count)
	return count > 0, err
}

func (s *Store) MarkHistoryScanned(emailAccountID int64, statsJSON string) error {
	_, err := s.conn.Exec(
		`INSERT INTO history_scan_markers(email_account_id, stats) VALUES(?, ?)
		 ON CONFLICT(email_account_id) DO UPDATE SET stats = excluded.stats, scanned_at = CURRENT_TIMESTAMP`,
		emailAccountID, statsJSON,
	)
	return err
}

// ─── WhatsAppMessages ───────────────────────────────────────────────────

// UpsertWhatsAppMessages bulk-upserts a batch keyed on message id, a
// no-op on repeat ids. Returns the number of rows
// affected (inserts + no-op updates both count, matching a client's
// expectation of "messages accepted").
func (s *Store) UpsertWhatsAppMessages(msgs []models.WhatsAppMessage) (int, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO whatsapp_messages(id, user_id, chat_id, chat_name, content, ts, is_mine, kind, device_id, synced, processed_by_ai, metadata)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content = excluded.content,
		   ts = excluded.ts,
		   metadata = excluded.metadata`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	count := 0
	for _, m := range msgs {
		metaJSON, err := json.Marshal(m.Metadata)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.Exec(m.ID, m.UserID, m.ChatID, m.ChatName, m.Content, m.Timestamp, m.IsMine, m.Kind, m.DeviceID, string(metaJSON)); err != nil {
			return count, err
		}
		count++
	}
	return count, tx.Commit()
}

// UnprocessedMessages returns every message with processed_by_ai=false
// for userID, sorted by chat_name then timestamp.
func (s *Store) UnprocessedMessages(userID string) ([]models.WhatsAppMessage, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, chat_id, chat_name, content, ts, is_mine, kind, device_id, synced, processed_by_ai, metadata
		 FROM whatsapp_messages WHERE user_id = ? AND processed_by_ai = 0
		 ORDER BY chat_name, ts`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WhatsAppMessage
	for rows.Next() {
		var m models.WhatsAppMessage
		var metaJSON string
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChatID, &m.ChatName, &m.Content, &m.Timestamp, &m.IsMine, &m.Kind, &m.DeviceID, &m.Synced, &m.ProcessedByAI, &metaJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkProcessed flips processed_by_ai=true for every id in one statement.
func (s *Store) MarkProcessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE whatsapp_messages SET processed_by_ai = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.conn.Exec(query, args...)
	return err
}

// UpdateMessageContent overwrites a message's content (used when a voice
// note finishes transcription) and resets processed_by_ai to false so the
// next brain pass includes it.
func (s *Store) UpdateMessageContent(id, content string) error {
	_, err := s.conn.Exec(`UPDATE whatsapp_messages SET content = ?, processed_by_ai = 0 WHERE id = ?`, content, id)
	return err
}

func (s *Store) MessageCounts(userID string) (total, processed int, err error) {
	err = s.conn.QueryRow(`SELECT COUNT(1), COALESCE(SUM(processed_by_ai), 0) FROM whatsapp_messages WHERE user_id = ?`, userID).
		Scan(&total, &processed)
	return
}

// ─── ChatMemories ─────────────────────────────────────────────────────────

func (s *Store) GetChatMemory(userID, chatName string) (*models.ChatMemory, error) {
	m := &models.ChatMemory{}
	err := s.conn.QueryRow(
		`SELECT user_id, chat_name, current_summary, open_topics, last_updated
		 FROM chat_memories WHERE user_id = ? AND chat_name = ?`, userID, chatName,
	).Scan(&m.UserID, &m.ChatName, &m.CurrentSummary, &m.OpenTopics, &m.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "no previous history")
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) UpsertChatMemory(m *models.ChatMemory) error {
	_, err := s.conn.Exec(
		`INSERT INTO chat_memories(user_id, chat_name, current_summary, open_topics, last_updated)
		 VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, chat_name) DO UPDATE SET
		   current_summary = excluded.current_summary,
		   open_topics = excluded.open_topics,
		   last_updated = CURRENT_TIMESTAMP`,
		m.UserID, m.ChatName, m.CurrentSummary, m.OpenTopics,
	)
	return err
}

func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
