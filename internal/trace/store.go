// Package trace persists per-turn timing records to PostgreSQL for offline
// latency analysis. Optional; the relay runs without it.
package trace

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 200

// Turn is one completed conversation turn with stage timings.
type Turn struct {
	ID         string
	SessionID  string
	Source     string // "voice" or "text"
	StartedAt  time.Time
	DurationMs float64
	Transcript string
	Reply      string
	LLMMs      float64
	TTSMs      float64
	Status     string
}

// Store persists trace data to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the trace database at connStr.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes the oldest beyond the cap.
func (s *Store) CreateSession(id, shopDomain string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, shop_domain, started_at) VALUES ($1, $2, $3)`,
		id, shopDomain, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// EndSession sets the ended_at timestamp and final duration.
func (s *Store) EndSession(id string, durationSeconds int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = $1, duration_seconds = $2 WHERE id = $3`,
		time.Now().UTC(), durationSeconds, id,
	)
	return err
}

// CreateTurn inserts a completed turn record.
func (s *Store) CreateTurn(t Turn) error {
	_, err := s.db.Exec(
		`INSERT INTO turns (id, session_id, source, started_at, duration_ms, transcript, reply, llm_ms, tts_ms, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.SessionID, t.Source, t.StartedAt.UTC(),
		t.DurationMs, t.Transcript, t.Reply, t.LLMMs, t.TTSMs, t.Status,
	)
	return err
}
