package discussion

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/store"
)

// Store persists Discussion records to the slack_discussions table.
type Store struct {
	db *store.DB
}

// NewStore wraps db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, channel_id, root_post_id, trigger_type, trigger_payload, status,
		       round, participants, replies_used, consensus_result, last_activity_at, created_at, updated_at`

// Create inserts a new discussion row, assigning an ID if absent.
func (s *Store) Create(ctx context.Context, d *Discussion) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt, d.LastActivityAt = now, now, now

	payload, err := json.Marshal(d.Trigger)
	if err != nil {
		return errors.Wrap(err, "failed to marshal trigger payload")
	}
	participants, err := json.Marshal(d.Participants)
	if err != nil {
		return errors.Wrap(err, "failed to marshal participants")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slack_discussions
			(id, channel_id, root_post_id, trigger_type, trigger_payload, status,
			 round, participants, replies_used, consensus_result, trigger_key,
			 last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ChannelID, d.RootPostID, d.Trigger.Type, string(payload), string(d.Status),
		d.Round, string(participants), d.RepliesUsed, string(d.ConsensusResult), d.Trigger.Key(),
		now.Unix(), now.Unix(), now.Unix())
	return errors.Wrap(err, "failed to insert discussion")
}

// Update persists mutated fields (status, round, participants, replies
// used, consensus result, activity).
func (s *Store) Update(ctx context.Context, d *Discussion) error {
	d.UpdatedAt = time.Now().UTC()
	d.LastActivityAt = d.UpdatedAt
	participants, err := json.Marshal(d.Participants)
	if err != nil {
		return errors.Wrap(err, "failed to marshal participants")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE slack_discussions
		SET status = ?, round = ?, participants = ?, replies_used = ?, consensus_result = ?,
		    last_activity_at = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), d.Round, string(participants), d.RepliesUsed, string(d.ConsensusResult),
		d.LastActivityAt.Unix(), d.UpdatedAt.Unix(), d.ID)
	return errors.Wrap(err, "failed to update discussion")
}

// Get returns the discussion by id, or nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Discussion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM slack_discussions WHERE id = ?`, id)
	d, err := scanDiscussion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// LatestByKey returns the most recently updated discussion matching
// trigger.Key(), or nil if none exists, for the coalescing/replay-guard
// check in StartDiscussion.
func (s *Store) LatestByKey(ctx context.Context, key string) (*Discussion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM slack_discussions WHERE trigger_key = ?
		ORDER BY updated_at DESC LIMIT 1`, key)
	d, err := scanDiscussion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// GetByRootPostID returns the discussion rooted at postID, or nil.
func (s *Store) GetByRootPostID(ctx context.Context, postID string) (*Discussion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM slack_discussions WHERE root_post_id = ?`, postID)
	d, err := scanDiscussion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ActiveByChannel returns every non-terminal discussion in a channel.
func (s *Store) ActiveByChannel(ctx context.Context, channelID string) ([]*Discussion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM slack_discussions
		WHERE channel_id = ? AND status NOT IN ('consensus', 'blocked')`, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query active discussions")
	}
	defer rows.Close()

	var out []*Discussion
	for rows.Next() {
		d, err := scanDiscussion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiscussion(row rowScanner) (*Discussion, error) {
	var (
		d                                  Discussion
		triggerPayload, participantsJSON   string
		status, consensusResult            string
		lastActivity, createdAt, updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.ChannelID, &d.RootPostID, &d.Trigger.Type, &triggerPayload,
		&status, &d.Round, &participantsJSON, &d.RepliesUsed, &consensusResult,
		&lastActivity, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan discussion row")
	}
	if err := json.Unmarshal([]byte(triggerPayload), &d.Trigger); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal trigger payload")
	}
	if err := json.Unmarshal([]byte(participantsJSON), &d.Participants); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal participants")
	}
	d.Status = Status(status)
	d.ConsensusResult = ConsensusResult(consensusResult)
	d.LastActivityAt = time.Unix(lastActivity, 0).UTC()
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &d, nil
}
