// Package transport defines the ChatTransport interface used throughout
// nightwatch and a Mattermost-backed implementation built on Client4 and
// WebSocketClient4, since the daemon can no longer run in-process as a
// server plugin and must talk to Mattermost over the wire instead.
package transport

import "context"

// InboundEvent is the transport-neutral shape the trigger router consumes,
// normalized from whatever wire format the concrete transport speaks.
type InboundEvent struct {
	ChannelID   string
	PostID      string
	RootID      string // empty if this post is itself a thread root
	UserID      string
	Username    string
	Message     string
	IsBot       bool
	CreatedAtMS int64
}

// Attachment mirrors the Slack-compatible attachment fields Mattermost
// accepts, used for persona "cards" (e.g. job summaries, review verdicts).
type Attachment struct {
	Fallback string
	Color    string
	Title    string
	Text     string
	Fields   []AttachmentField
}

// AttachmentField is one key/value pair rendered inside an Attachment.
type AttachmentField struct {
	Title string
	Value string
	Short bool
}

// PostOptions controls how a persona-authored post is rendered.
type PostOptions struct {
	PersonaName    string
	PersonaIconURL string
	RootID         string // set to reply in-thread
	Attachments    []Attachment
}

// ChatTransport is the external interface every component talks to instead
// of the Mattermost SDK directly, so the deliberation engine, reply
// handler, and proactive loop stay transport-agnostic.
type ChatTransport interface {
	// Post sends a message as a persona (via override username/icon) and
	// returns the new post's ID.
	Post(ctx context.Context, channelID, message string, opts PostOptions) (string, error)

	// Listen starts the event stream and pushes normalized InboundEvents
	// to the returned channel until ctx is cancelled.
	Listen(ctx context.Context) (<-chan InboundEvent, error)

	// AddReaction applies an emoji reaction to a post.
	AddReaction(ctx context.Context, postID, emojiName string) error

	// ThreadReplies returns every reply (not including the root) in
	// creation order for a thread rootID.
	ThreadReplies(ctx context.Context, rootID string) ([]InboundEvent, error)

	// IsChannelIdle reports whether channelID has had no post (from any
	// author, the bot included) since the given cutoff, for the proactive
	// loop's idle sweep.
	IsChannelIdle(ctx context.Context, channelID string, cutoffMS int64) (bool, error)
}
