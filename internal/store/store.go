package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lunarc/aika/internal/protocol"
)

// PlaceholderTitle is the name given to a thread before any title is derived
const PlaceholderTitle = "New Chat"

// Thread is one conversation
type Thread struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Message is one persisted transcript entry
type Message struct {
	ID        string                 `json:"id"`
	ThreadID  string                 `json:"thread_id"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  *protocol.ChatMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Task is a structured task parsed from user input
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	DueAt     time.Time `json:"due_at,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryRecord is a user memory saved from chat input
type MemoryRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	Tags       string    `json:"tags"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// HealthSample is one data point of the locally cached analytics dataset
type HealthSample struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"` // "weight", "blood_pressure", "sleep"
	Value      float64   `json:"value"`
	Secondary  float64   `json:"secondary,omitempty"` // diastolic for blood pressure
	RecordedAt time.Time `json:"recorded_at"`
}

// Store handles SQLite persistence for threads, messages, tasks, memories
// and health samples
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (and if needed creates) the database at dbPath
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate ensures the database schema is up to date
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		due_at DATETIME,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '',
		importance INTEGER NOT NULL DEFAULT 5,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS health_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		secondary REAL NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_health_kind ON health_samples(kind, recorded_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateThread creates a thread with the placeholder name
func (s *Store) CreateThread(ctx context.Context) (*Thread, error) {
	t := &Thread{
		ID:         uuid.New().String(),
		Name:       PlaceholderTitle,
		ModifiedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, name, modified_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.ModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return t, nil
}

// GetThread loads a thread by id
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	t := &Thread{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, modified_at FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.ModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", id, err)
	}
	return t, nil
}

// RenameThread updates a thread's name and modified timestamp
func (s *Store) RenameThread(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET name = ?, modified_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rename thread %s: %w", id, err)
	}
	return nil
}

// InsertUserMessage persists a user message and bumps the thread timestamp
func (s *Store) InsertUserMessage(ctx context.Context, threadID, content string) (*Message, error) {
	return s.insertMessage(ctx, threadID, "user", content, nil)
}

// InsertAssistantMessage persists one assistant message with its side-channel
// metadata. Streamed turns call this exactly once, after the terminal frame.
func (s *Store) InsertAssistantMessage(ctx context.Context, threadID, content string, meta *protocol.ChatMetadata) (*Message, error) {
	return s.insertMessage(ctx, threadID, "assistant", content, meta)
}

func (s *Store) insertMessage(ctx context.Context, threadID, role, content string, meta *protocol.ChatMetadata) (*Message, error) {
	m := &Message{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	var metaJSON sql.NullString
	if meta != nil {
		bytes, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(bytes), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content, metaJSON, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s message: %w", role, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET modified_at = ? WHERE id = ?`, m.CreatedAt, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch thread %s: %w", threadID, err)
	}

	return m, nil
}

// ListMessages returns a thread's messages in chronological order
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, metadata, created_at
		 FROM messages WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			meta := &protocol.ChatMetadata{}
			if err := json.Unmarshal([]byte(metaJSON.String), meta); err == nil {
				m.Metadata = meta
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CreateTask persists a parsed task
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	var dueAt interface{}
	if !task.DueAt.IsZero() {
		dueAt = task.DueAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, category, due_at, notes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Category, dueAt, task.Notes, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// CreateMemory persists a memory record
func (s *Store) CreateMemory(ctx context.Context, mem *MemoryRecord) error {
	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, name, content, tags, importance, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.Name, mem.Content, mem.Tags, mem.Importance, mem.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create memory: %w", err)
	}
	return nil
}

// ListMemories returns memories, newest first
func (s *Store) ListMemories(ctx context.Context, limit int) ([]*MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, content, tags, importance, created_at
		 FROM memories ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var memories []*MemoryRecord
	for rows.Next() {
		m := &MemoryRecord{}
		if err := rows.Scan(&m.ID, &m.Name, &m.Content, &m.Tags, &m.Importance, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// InsertHealthSample records one health data point
func (s *Store) InsertHealthSample(ctx context.Context, sample *HealthSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO health_samples (kind, value, secondary, recorded_at) VALUES (?, ?, ?, ?)`,
		sample.Kind, sample.Value, sample.Secondary, sample.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert health sample: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		sample.ID = id
	}
	return nil
}

// ListHealthSamples returns samples of one kind recorded since the given
// time, oldest first
func (s *Store) ListHealthSamples(ctx context.Context, kind string, since time.Time) ([]*HealthSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, value, secondary, recorded_at
		 FROM health_samples WHERE kind = ? AND recorded_at >= ? ORDER BY recorded_at ASC`,
		kind, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list health samples: %w", err)
	}
	defer rows.Close()

	var samples []*HealthSample
	for rows.Next() {
		hs := &HealthSample{}
		if err := rows.Scan(&hs.ID, &hs.Kind, &hs.Value, &hs.Secondary, &hs.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health sample: %w", err)
		}
		samples = append(samples, hs)
	}
	return samples, rows.Err()
}
