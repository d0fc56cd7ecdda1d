package persona

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/store"
)

// Store is the PersonaStore backing implementation: sqlite-backed roster
// with an in-memory read cache, the same "load once, RLock to read" shape
// the plugin used for its configuration struct.
type Store struct {
	db     *store.DB
	sealer *Sealer

	mu    sync.RWMutex
	byID  map[string]*Persona
}

// NewStore wraps db with sealer and primes the in-memory cache.
func NewStore(ctx context.Context, db *store.DB, sealer *Sealer) (*Store, error) {
	s := &Store{db: db, sealer: sealer, byID: map[string]*Persona{}}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, soul, style, skills, icon_url, provider, model,
		       env_secrets, active, created_at, updated_at
		FROM agent_personas`)
	if err != nil {
		return errors.Wrap(err, "failed to query personas")
	}
	defer rows.Close()

	cache := map[string]*Persona{}
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return err
		}
		cache[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate personas")
	}

	s.mu.Lock()
	s.byID = cache
	s.mu.Unlock()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (*Persona, error) {
	var (
		p                          Persona
		skillsJSON, secretsJSON    string
		active                     int
		createdAt, updatedAt       int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Role, &p.Soul, &p.Style, &skillsJSON,
		&p.IconURL, &p.Provider, &p.Model, &secretsJSON, &active, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to scan persona row")
	}
	if err := json.Unmarshal([]byte(skillsJSON), &p.Skills); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal skills")
	}
	var encrypted map[string]string
	if err := json.Unmarshal([]byte(secretsJSON), &encrypted); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal env secrets")
	}
	p.EnvSecrets = make(map[string]string, len(encrypted))
	for k, v := range encrypted {
		opened, err := s.sealer.Open(v)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decrypt secret %q for persona", k)
		}
		p.EnvSecrets[k] = opened
	}
	p.Active = active != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// GetActive returns every persona with active = true, in a stable order.
func (s *Store) GetActive(context.Context) ([]*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Persona
	for _, p := range s.byID {
		if p.Active {
			out = append(out, p.Clone())
		}
	}
	sortPersonasByName(out)
	return out, nil
}

// GetByID returns a single persona, or nil if it does not exist.
func (s *Store) GetByID(_ context.Context, id string) (*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// GetByName is a convenience lookup used by @mention resolution.
func (s *Store) GetByName(ctx context.Context, name string) (*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byID {
		if strings.EqualFold(p.Name, name) {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

// Upsert creates or updates a persona, encrypting its env secrets before
// writing them to disk, then refreshes the in-memory cache.
func (s *Store) Upsert(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	skillsJSON, err := json.Marshal(p.Skills)
	if err != nil {
		return errors.Wrap(err, "failed to marshal skills")
	}
	encrypted := make(map[string]string, len(p.EnvSecrets))
	for k, v := range p.EnvSecrets {
		sealed, err := s.sealer.Seal(v)
		if err != nil {
			return errors.Wrapf(err, "failed to encrypt secret %q", k)
		}
		encrypted[k] = sealed
	}
	secretsJSON, err := json.Marshal(encrypted)
	if err != nil {
		return errors.Wrap(err, "failed to marshal env secrets")
	}
	now := time.Now().UTC().Unix()
	active := 0
	if p.Active {
		active = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_personas
			(id, name, role, soul, style, skills, icon_url, provider, model, env_secrets, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, role = excluded.role, soul = excluded.soul,
			style = excluded.style, skills = excluded.skills, icon_url = excluded.icon_url,
			provider = excluded.provider, model = excluded.model, env_secrets = excluded.env_secrets,
			active = excluded.active, updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Role, p.Soul, p.Style, string(skillsJSON), p.IconURL,
		p.Provider, p.Model, string(secretsJSON), active, now, now)
	if err != nil {
		return errors.Wrap(err, "failed to upsert persona")
	}
	return s.reload(ctx)
}

func sortPersonasByName(personas []*Persona) {
	for i := 1; i < len(personas); i++ {
		for j := i; j > 0 && personas[j].Name < personas[j-1].Name; j-- {
			personas[j], personas[j-1] = personas[j-1], personas[j]
		}
	}
}
