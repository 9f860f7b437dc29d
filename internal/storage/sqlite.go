package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Conversations ----

func (s *sqliteStore) UpsertConversation(ctx context.Context, c Conversation) (bool, error) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT uuid FROM conversations WHERE remote_id = ?`, c.RemoteID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO conversations(uuid, remote_id, kind, display_name, username, unread_count, last_message_at, last_preview, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			c.UUID, c.RemoteID, c.Kind, c.DisplayName, c.Username, c.UnreadCount,
			nullTime(c.LastMessageAt), c.LastPreview, encTime(c.UpdatedAt),
		)
		return err == nil, err
	case err != nil:
		return false, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET kind=?, display_name=?, username=?, unread_count=?, last_message_at=?, last_preview=?, updated_at=?
		 WHERE remote_id=?`,
		c.Kind, c.DisplayName, c.Username, c.UnreadCount,
		nullTime(c.LastMessageAt), c.LastPreview, encTime(c.UpdatedAt), c.RemoteID,
	)
	return false, err
}

const conversationCols = `uuid, remote_id, kind, display_name, username, unread_count, last_message_at, last_preview, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var lastMsg, updated sql.NullString
	err := row.Scan(&c.UUID, &c.RemoteID, &c.Kind, &c.DisplayName, &c.Username, &c.UnreadCount, &lastMsg, &c.LastPreview, &updated)
	if err != nil {
		return Conversation{}, err
	}
	c.LastMessageAt = decTime(lastMsg)
	c.UpdatedAt = decTime(updated)
	return c, nil
}

func (s *sqliteStore) GetConversation(ctx context.Context, uuid string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE uuid = ?`, uuid)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationCols+` FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *sqliteStore) ConversationsActiveSince(ctx context.Context, since time.Time, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE last_message_at >= ? ORDER BY last_message_at DESC LIMIT ?`,
		encTime(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ConversationMeta(ctx context.Context, uuid string) (Meta, error) {
	m := Meta{ConversationUUID: uuid, Priority: "medium"}
	var vip int
	err := s.db.QueryRowContext(ctx,
		`SELECT priority, is_vip, custom_fields_json FROM conversation_meta WHERE conversation_uuid = ?`, uuid,
	).Scan(&m.Priority, &vip, &m.CustomFieldsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return Meta{}, err
	}
	m.VIP = vip != 0
	return m, nil
}

func (s *sqliteStore) SetConversationMeta(ctx context.Context, m Meta) error {
	if m.Priority == "" {
		m.Priority = "medium"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_meta(conversation_uuid, priority, is_vip, custom_fields_json)
		 VALUES(?,?,?,?)
		 ON CONFLICT(conversation_uuid) DO UPDATE SET
		   priority=excluded.priority, is_vip=excluded.is_vip, custom_fields_json=excluded.custom_fields_json`,
		m.ConversationUUID, m.Priority, boolInt(m.VIP), m.CustomFieldsJSON,
	)
	return err
}

// ---- Messages and watermarks ----

// MergeMessagePage inserts a page of messages and advances the watermark in
// one transaction. The watermark only moves forward: interrupted syncs leave
// it at the last durably merged page.
func (s *sqliteStore) MergeMessagePage(ctx context.Context, uuid string, msgs []Message, lastID int64, backfilled bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages(conversation_uuid, message_id, sent_at, sender_id, sender_name, sender_username, text, reply_to_id, mentions_owner)
			 VALUES(?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(conversation_uuid, message_id) DO NOTHING`,
			uuid, m.MessageID, nullTime(m.SentAt), m.SenderID, m.SenderName, m.SenderUsername,
			m.Text, m.ReplyToID, boolInt(m.MentionsOwner),
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO watermarks(conversation_uuid, last_message_id, backfilled) VALUES(?,?,?)
		 ON CONFLICT(conversation_uuid) DO UPDATE SET
		   last_message_id = MAX(watermarks.last_message_id, excluded.last_message_id),
		   backfilled = MAX(watermarks.backfilled, excluded.backfilled)`,
		uuid, lastID, boolInt(backfilled),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RecentMessages(ctx context.Context, uuid string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	// Last N by id, returned oldest first.
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_uuid, message_id, sent_at, sender_id, sender_name, sender_username, text, reply_to_id, mentions_owner
		 FROM (SELECT * FROM messages WHERE conversation_uuid = ? ORDER BY message_id DESC LIMIT ?)
		 ORDER BY message_id ASC`,
		uuid, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sentAt sql.NullString
		var mentions int
		if err := rows.Scan(&m.ConversationUUID, &m.MessageID, &sentAt, &m.SenderID, &m.SenderName, &m.SenderUsername, &m.Text, &m.ReplyToID, &mentions); err != nil {
			return nil, err
		}
		m.SentAt = decTime(sentAt)
		m.MentionsOwner = mentions != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetWatermark(ctx context.Context, uuid string) (Watermark, bool, error) {
	w := Watermark{ConversationUUID: uuid}
	var backfilled int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_id, backfilled FROM watermarks WHERE conversation_uuid = ?`, uuid,
	).Scan(&w.LastMessageID, &backfilled)
	if errors.Is(err, sql.ErrNoRows) {
		return w, false, nil
	}
	if err != nil {
		return Watermark{}, false, err
	}
	w.Backfilled = backfilled != 0
	return w, true, nil
}

func (s *sqliteStore) MergeParticipants(ctx context.Context, uuid string, ps []Participant) error {
	if len(ps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range ps {
		if p.RemoteUserID == 0 {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO participants(remote_user_id, display_name, username) VALUES(?,?,?)
			 ON CONFLICT(remote_user_id) DO UPDATE SET display_name=excluded.display_name, username=excluded.username`,
			p.RemoteUserID, p.DisplayName, p.Username,
		); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants(conversation_uuid, remote_user_id) VALUES(?,?)
			 ON CONFLICT DO NOTHING`,
			uuid, p.RemoteUserID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- Reports ----

func (s *sqliteStore) SaveReport(ctx context.Context, r Report) (int64, error) {
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports(generated_at, covers_since, report_json) VALUES(?,?,?)`,
		encTime(r.GeneratedAt), encTime(r.CoversSince), r.ReportJSON,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) LatestReport(ctx context.Context) (Report, error) {
	var r Report
	var gen, since sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT report_id, generated_at, covers_since, report_json FROM reports ORDER BY report_id DESC LIMIT 1`,
	).Scan(&r.ID, &gen, &since, &r.ReportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}
	r.GeneratedAt = decTime(gen)
	r.CoversSince = decTime(since)
	return r, nil
}

// ---- Jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, j JobRecord) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, type, state, progress_current, progress_total, progress_message, result_json, error_kind, error_message, created_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Type, j.State, j.ProgressCurrent, j.ProgressTotal, j.ProgressMessage,
		j.ResultJSON, j.ErrorKind, j.ErrorMessage, encTime(j.CreatedAt), nullTime(j.EndedAt),
	)
	return err
}

func (s *sqliteStore) UpdateJobProgress(ctx context.Context, id string, current, total int, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_current=?, progress_total=?, progress_message=? WHERE id=?`,
		current, total, message, id,
	)
	return err
}

func (s *sqliteStore) MarkJobRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state='running' WHERE id=?`, id)
	return err
}

func (s *sqliteStore) FinishJob(ctx context.Context, id, state, resultJSON, errorKind, errorMessage string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, result_json=?, error_kind=?, error_message=?, ended_at=? WHERE id=?`,
		state, resultJSON, errorKind, errorMessage, encTime(endedAt), id,
	)
	return err
}

const jobCols = `id, type, state, progress_current, progress_total, progress_message, result_json, error_kind, error_message, created_at, ended_at`

func scanJob(row interface{ Scan(...any) error }) (JobRecord, error) {
	var j JobRecord
	var created, ended sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.State, &j.ProgressCurrent, &j.ProgressTotal, &j.ProgressMessage,
		&j.ResultJSON, &j.ErrorKind, &j.ErrorMessage, &created, &ended)
	if err != nil {
		return JobRecord{}, err
	}
	j.CreatedAt = decTime(created)
	j.EndedAt = decTime(ended)
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReconcileInterrupted flips every non-terminal job to failed. Called once at
// startup, before the worker pool exists: the engine never trusts an
// in-memory "running" state to survive a restart.
func (s *sqliteStore) ReconcileInterrupted(ctx context.Context, errorKind, errorMessage string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE state IN ('queued','running')`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET state='failed', error_kind=?, error_message=?, ended_at=?
		 WHERE state IN ('queued','running')`,
		errorKind, errorMessage, encTime(time.Now()),
	)
	return ids, err
}

// ---- User state ----

func (s *sqliteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM user_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// ---- helpers ----

func encTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encTime(t)
}

func decTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
