// Package discussion implements the Deliberation Engine: starting a
// multi-persona discussion from a trigger, running bounded contribution
// rounds, evaluating consensus, and handling human interruptions.
package discussion

import "time"

// Status is a discussion's lifecycle phase.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused" // a human is mid-conversation; agents stand down
	StatusConsensus Status = "consensus"
	StatusBlocked   Status = "blocked"
)

// TriggerType enumerates the external events that can seed a Discussion.
type TriggerType string

const (
	TriggerPRReview    TriggerType = "pr_review"
	TriggerBuildFailure TriggerType = "build_failure"
	TriggerPRDKickoff  TriggerType = "prd_kickoff"
	TriggerCodeWatch   TriggerType = "code_watch"
	TriggerIssueReview TriggerType = "issue_review"
)

// ConsensusResult is the lead persona's verdict once a discussion leaves
// the active state.
type ConsensusResult string

const (
	ConsensusApproved         ConsensusResult = "approved"
	ConsensusChangesRequested ConsensusResult = "changes_requested"
	ConsensusHumanNeeded      ConsensusResult = "human_needed"
)

// Trigger describes what kicked a discussion off.
type Trigger struct {
	Type TriggerType
	// ProjectPath identifies the registered project the trigger concerns;
	// used for the (projectPath, type, ref) uniqueness key.
	ProjectPath string
	// Ref is an opaque trigger identity, e.g. a PR number or
	// "{owner}/{repo}#N" for issue_review.
	Ref string
	// Context is free-form text (diff excerpts, audit findings, roadmap
	// blurb) folded into prompts and opening-message templates.
	Context string
	// ChannelID, when set, pre-resolves the channel instead of falling
	// back to the project-registry mapping or a type default.
	ChannelID string
	// ThreadTs, when set, anchors the discussion on an externally-created
	// thread instead of posting a fresh opening message.
	ThreadTs string
	// OpeningMessage, when set, overrides the templated opening line.
	OpeningMessage string
}

// Key returns the uniqueness identity used for discussion coalescing and
// the replay guard: one active discussion per (projectPath, type, ref).
func (t Trigger) Key() string {
	return string(t.Type) + ":" + t.ProjectPath + ":" + t.Ref
}

// Discussion is the persisted unit of a deliberation.
type Discussion struct {
	ID              string
	ChannelID       string
	RootPostID      string // the platform's stable thread anchor (threadAnchor)
	Trigger         Trigger
	Status          Status
	Round           int
	Participants    []string // persona IDs that have contributed
	RepliesUsed     int      // agent posts made to this thread so far
	ConsensusResult ConsensusResult
	LastActivityAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Contribution is one persona's turn within a round.
type Contribution struct {
	PersonaID string
	Content   string
	PostID    string
}

const (
	// MaxRounds bounds how many contribution rounds a discussion runs
	// before the consensus loop forces a terminal verdict.
	MaxRounds = 2
	// MaxContributionsPerRound bounds how many personas speak in one round.
	MaxContributionsPerRound = 2
	// MaxAgentThreadReplies bounds total agent replies in a thread before
	// the consensus loop forces blocked/human_needed.
	MaxAgentThreadReplies = 4
	// HumanPauseDelay is how long the engine waits after a human message
	// before resuming agent contributions, giving the human room to keep
	// talking without agents talking over them.
	HumanPauseDelay = 60 * time.Second
	// DiscussionResumeDelay is how long a channel stays in cooldown after
	// a proactive nudge, and the minimum gap between proactive sweeps of
	// one channel.
	DiscussionResumeDelay = 60 * time.Second
	// DiscussionReplayGuard is how long a terminal discussion's trigger
	// identity is remembered, so an identical re-fired trigger coalesces
	// onto the existing row instead of starting a new one.
	DiscussionReplayGuard = 30 * time.Minute
	// SubprocessTimeout bounds the gh CLI call that fetches a PR diff
	// excerpt for a pr_review discussion.
	SubprocessTimeout = 15 * time.Second
)
