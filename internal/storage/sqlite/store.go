// Package sqlite provides the SQL-backed persistence store. Queries go
// through sqlx with Rebind, so the same store runs on SQLite (WAL, single
// writer) and PostgreSQL (pgx).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/storage"
)

// Store implements storage.Store over a db.Pool.
type Store struct {
	pool *db.Pool
}

// New initializes the schema and returns a ready store.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			architecture TEXT NOT NULL,
			agent_profile_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			options TEXT,
			metadata TEXT,
			raw_transcript TEXT,
			created_at TEXT NOT NULL,
			last_activity TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS session_files (
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (session_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			architecture TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			manifest TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_files_session_id ON session_files(session_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// sessionRow is the scan target for the sessions table. Timestamps are stored
// as RFC 3339 text to stay portable across drivers.
type sessionRow struct {
	ID             string         `db:"id"`
	Architecture   string         `db:"architecture"`
	AgentProfileID string         `db:"agent_profile_id"`
	Name           string         `db:"name"`
	Options        sql.NullString `db:"options"`
	Metadata       sql.NullString `db:"metadata"`
	RawTranscript  sql.NullString `db:"raw_transcript"`
	CreatedAt      string         `db:"created_at"`
	LastActivity   sql.NullString `db:"last_activity"`
}

func (r *sessionRow) toRecord() storage.SessionRecord {
	record := storage.SessionRecord{
		ID:             r.ID,
		Architecture:   conversation.Architecture(r.Architecture),
		AgentProfileID: r.AgentProfileID,
		Name:           r.Name,
	}
	if r.Options.Valid && r.Options.String != "" {
		record.Options = json.RawMessage(r.Options.String)
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		record.Metadata = json.RawMessage(r.Metadata.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		record.CreatedAt = t
	}
	if r.LastActivity.Valid && r.LastActivity.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.LastActivity.String); err == nil {
			record.LastActivity = &t
		}
	}
	return record
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) ListAllSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	var rows []sessionRow
	query := `SELECT id, architecture, agent_profile_id, name, options, metadata, raw_transcript, created_at, last_activity
		FROM sessions ORDER BY created_at DESC`
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	records := make([]storage.SessionRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*storage.SessionSnapshot, error) {
	reader := s.pool.Reader()

	var row sessionRow
	query := reader.Rebind(`SELECT id, architecture, agent_profile_id, name, options, metadata, raw_transcript, created_at, last_activity
		FROM sessions WHERE id = ?`)
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	snapshot := &storage.SessionSnapshot{SessionRecord: row.toRecord()}
	if row.RawTranscript.Valid {
		snapshot.RawTranscript = row.RawTranscript.String
	}

	type fileRow struct {
		Path    string `db:"path"`
		Content string `db:"content"`
	}
	var files []fileRow
	fileQuery := reader.Rebind(`SELECT path, content FROM session_files WHERE session_id = ? ORDER BY path`)
	if err := reader.SelectContext(ctx, &files, fileQuery, id); err != nil {
		return nil, fmt.Errorf("failed to load session files for %s: %w", id, err)
	}
	for i := range files {
		content := files[i].Content
		snapshot.WorkspaceFiles = append(snapshot.WorkspaceFiles, conversation.WorkspaceFile{
			Path:    files[i].Path,
			Content: &content,
		})
	}
	return snapshot, nil
}

func (s *Store) CreateSessionRecord(ctx context.Context, record storage.SessionRecord) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`INSERT INTO sessions (id, architecture, agent_profile_id, name, options, metadata, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := writer.ExecContext(ctx, query,
		record.ID,
		string(record.Architecture),
		record.AgentProfileID,
		record.Name,
		rawToNull(record.Options),
		rawToNull(record.Metadata),
		formatTime(record.CreatedAt),
		timeToNull(record.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) UpdateSessionRecord(ctx context.Context, id string, update storage.SessionUpdate) error {
	setClauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if update.Name != nil {
		setClauses = append(setClauses, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Options != nil {
		setClauses = append(setClauses, "options = ?")
		args = append(args, string(update.Options))
	}
	if update.Metadata != nil {
		setClauses = append(setClauses, "metadata = ?")
		args = append(args, string(update.Metadata))
	}
	if update.LastActivity != nil {
		setClauses = append(setClauses, "last_activity = ?")
		args = append(args, formatTime(*update.LastActivity))
	}
	if len(setClauses) == 0 {
		return nil
	}

	writer := s.pool.Writer()
	query := "UPDATE sessions SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
	args = append(args, id)

	result, err := writer.ExecContext(ctx, writer.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SaveTranscript(ctx context.Context, sessionID, rawEnvelope string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`UPDATE sessions SET raw_transcript = ? WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, rawEnvelope, sessionID)
	if err != nil {
		return fmt.Errorf("failed to save transcript for %s: %w", sessionID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error {
	if file.Content == nil {
		return s.DeleteSessionFile(ctx, sessionID, file.Path)
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`INSERT INTO session_files (session_id, path, content) VALUES (?, ?, ?)
		ON CONFLICT (session_id, path) DO UPDATE SET content = excluded.content`)
	if _, err := writer.ExecContext(ctx, query, sessionID, file.Path, *file.Content); err != nil {
		return fmt.Errorf("failed to save workspace file %s: %w", file.Path, err)
	}
	return nil
}

func (s *Store) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM session_files WHERE session_id = ? AND path = ?`)
	if _, err := writer.ExecContext(ctx, query, sessionID, path); err != nil {
		return fmt.Errorf("failed to delete workspace file %s: %w", path, err)
	}
	return nil
}

func (s *Store) ListAgentProfiles(ctx context.Context) ([]storage.AgentProfile, error) {
	type profileRow struct {
		ID           string `db:"id"`
		Name         string `db:"name"`
		Architecture string `db:"architecture"`
		Description  string `db:"description"`
		Manifest     string `db:"manifest"`
	}

	var rows []profileRow
	query := `SELECT id, name, architecture, description, manifest FROM agent_profiles ORDER BY id`
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list agent profiles: %w", err)
	}

	profiles := make([]storage.AgentProfile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, storage.AgentProfile{
			ID:           row.ID,
			Name:         row.Name,
			Architecture: conversation.Architecture(row.Architecture),
			Description:  row.Description,
			Manifest:     json.RawMessage(row.Manifest),
		})
	}
	return profiles, nil
}

func (s *Store) LoadAgentProfile(ctx context.Context, id string) (*storage.AgentProfile, error) {
	reader := s.pool.Reader()

	var row struct {
		ID           string `db:"id"`
		Name         string `db:"name"`
		Architecture string `db:"architecture"`
		Description  string `db:"description"`
		Manifest     string `db:"manifest"`
	}
	query := reader.Rebind(`SELECT id, name, architecture, description, manifest FROM agent_profiles WHERE id = ?`)
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load agent profile %s: %w", id, err)
	}

	return &storage.AgentProfile{
		ID:           row.ID,
		Name:         row.Name,
		Architecture: conversation.Architecture(row.Architecture),
		Description:  row.Description,
		Manifest:     json.RawMessage(row.Manifest),
	}, nil
}

func (s *Store) SaveAgentProfile(ctx context.Context, profile storage.AgentProfile) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`INSERT INTO agent_profiles (id, name, architecture, description, manifest)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			architecture = excluded.architecture,
			description = excluded.description,
			manifest = excluded.manifest`)
	_, err := writer.ExecContext(ctx, query,
		profile.ID, profile.Name, string(profile.Architecture), profile.Description, string(profile.Manifest))
	if err != nil {
		return fmt.Errorf("failed to save agent profile %s: %w", profile.ID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func rawToNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timeToNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var _ storage.Store = (*Store)(nil)
