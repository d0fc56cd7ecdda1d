// Package memory implements the MemoryStore external interface: a
// best-effort, per-persona-per-project reflection log. Writes never block
// the caller and failures are swallowed after a single log line, the same
// "never let memory persistence take down the main flow" posture the
// plugin's poller used for its own background bookkeeping.
package memory

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/store"
)

const createTableDDL = `
CREATE TABLE IF NOT EXISTS persona_memories (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	persona_id  TEXT NOT NULL,
	project_key TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_persona_project ON persona_memories(persona_id, project_key);
`

const maxMemoriesReturned = 20

// Store is the concrete MemoryStore.
type Store struct {
	db  *store.DB
	log hclog.Logger
}

// NewStore ensures the memory table exists and returns a Store.
func NewStore(ctx context.Context, db *store.DB, log hclog.Logger) (*Store, error) {
	if _, err := db.ExecContext(ctx, createTableDDL); err != nil {
		return nil, errors.Wrap(err, "failed to create persona_memories table")
	}
	return &Store{db: db, log: log}, nil
}

// GetMemory returns the most recent reflections for a persona scoped to a
// project key (typically "owner/repo"), newest first.
func (s *Store) GetMemory(ctx context.Context, personaID, projectKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM persona_memories
		WHERE persona_id = ? AND project_key = ?
		ORDER BY created_at DESC LIMIT ?`, personaID, projectKey, maxMemoriesReturned)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memories")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory")
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// Reflect records a new reflection asynchronously. Any failure is logged
// and swallowed: memory is an enrichment, never a dependency of the
// deliberation critical path.
func (s *Store) Reflect(personaID, projectKey, content string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO persona_memories (persona_id, project_key, content, created_at)
			VALUES (?, ?, ?, ?)`, personaID, projectKey, content, time.Now().UTC().Unix())
		if err != nil {
			s.log.Warn("failed to persist persona reflection", "persona_id", personaID, "error", err.Error())
		}
	}()
}
