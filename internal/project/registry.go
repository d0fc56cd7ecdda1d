// Package project implements the registered-project lookups the Trigger
// Router and Deliberation Engine use to resolve a bare hint like "widgets"
// or an empty hint to a concrete "owner/repo", the project_registry table
// underneath §4.1's "registered projects" set.
package project

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/store"
)

// Registry reads the project_registry table.
type Registry struct {
	db *store.DB
}

// NewRegistry wraps db.
func NewRegistry(db *store.DB) *Registry {
	return &Registry{db: db}
}

// Register upserts repo into the registry with its board configuration
// and the channel discussions about it default into.
func (r *Registry) Register(ctx context.Context, repo, boardKind, projectID, channelID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO project_registry (repo, board_kind, project_id, channel_id, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo) DO UPDATE SET board_kind=excluded.board_kind, project_id=excluded.project_id, channel_id=excluded.channel_id`,
		repo, boardKind, projectID, channelID, time.Now().UTC().Unix())
	return errors.Wrap(err, "failed to register project")
}

// ResolveHint matches hint against every registered repo's name segment
// (the part after the slash), case-insensitively, as an exact or
// substring match; the owner segment is not matched. An empty or
// stopword-filtered hint never
// matches here (the caller is expected to have already run it through
// parser.cleanHint).
func (r *Registry) ResolveHint(ctx context.Context, hint string) (string, bool) {
	if strings.TrimSpace(hint) == "" {
		return "", false
	}
	repos, err := r.listRepos(ctx)
	if err != nil || len(repos) == 0 {
		return "", false
	}
	lowerHint := strings.ToLower(hint)
	for _, repo := range repos {
		parts := strings.SplitN(repo, "/", 2)
		name := repo
		if len(parts) == 2 {
			name = parts[1]
		}
		if strings.EqualFold(name, hint) || strings.Contains(strings.ToLower(name), lowerHint) {
			return repo, true
		}
	}
	return "", false
}

// ChannelForRepo returns the channel discussions about repo default into.
func (r *Registry) ChannelForRepo(ctx context.Context, repo string) (string, bool) {
	var channelID string
	err := r.db.QueryRowContext(ctx, `SELECT channel_id FROM project_registry WHERE repo = ?`, repo).Scan(&channelID)
	if err != nil || channelID == "" {
		return "", false
	}
	return channelID, true
}

// ByChannel returns the repo whose default channel is channelID, for
// resolving a project purely from where the message was posted.
func (r *Registry) ByChannel(ctx context.Context, channelID string) (string, bool) {
	var repo string
	err := r.db.QueryRowContext(ctx, `SELECT repo FROM project_registry WHERE channel_id = ? LIMIT 1`, channelID).Scan(&repo)
	if err != nil || repo == "" {
		return "", false
	}
	return repo, true
}

// SingleRegistered returns the lone registered repo when exactly one
// exists, the "only registered" fallback several §4.1 gates use.
func (r *Registry) SingleRegistered(ctx context.Context) (string, bool) {
	repos, err := r.listRepos(ctx)
	if err != nil || len(repos) != 1 {
		return "", false
	}
	return repos[0], true
}

func (r *Registry) listRepos(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT repo FROM project_registry`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

// ResolveProject implements the repeated "explicit hint, then by channel,
// then single-registered" resolution order from §4.1 steps 3-4.
func (r *Registry) ResolveProject(ctx context.Context, hint, channelID string) (string, bool) {
	if repo, ok := r.ResolveHint(ctx, hint); ok {
		return repo, true
	}
	if repo, ok := r.ByChannel(ctx, channelID); ok {
		return repo, true
	}
	return r.SingleRegistered(ctx)
}
