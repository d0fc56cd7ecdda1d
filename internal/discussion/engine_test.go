package discussion

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-bot/nightwatch/internal/llm"
	"github.com/nightwatch-bot/nightwatch/internal/memory"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/store"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

type fakeTransport struct {
	posts []string
}

func (f *fakeTransport) Post(_ context.Context, _ string, message string, _ transport.PostOptions) (string, error) {
	f.posts = append(f.posts, message)
	return "post-id", nil
}
func (f *fakeTransport) Listen(context.Context) (<-chan transport.InboundEvent, error) { return nil, nil }
func (f *fakeTransport) AddReaction(context.Context, string, string) error              { return nil }
func (f *fakeTransport) ThreadReplies(context.Context, string) ([]transport.InboundEvent, error) {
	return nil, nil
}
func (f *fakeTransport) IsChannelIdle(context.Context, string, int64) (bool, error) { return true, nil }

// fakeLLM returns response for every completion, or an APPROVE verdict
// when response is empty.
type fakeLLM struct{ response string }

func (f fakeLLM) Complete(_ context.Context, _ string, _ []llm.Message) (*llm.CompletionResult, error) {
	resp := f.response
	if resp == "" {
		resp = "APPROVE: looks fine to me, ship it."
	}
	return &llm.CompletionResult{Content: resp}, nil
}
func (f fakeLLM) CompleteWithTools(_ context.Context, _ string, _ []llm.Message, _ []llm.Tool) (*llm.CompletionResult, error) {
	return f.Complete(context.Background(), "", nil)
}

type fakeBoard struct {
	filed      bool
	moved      bool
	closed     bool
	movedTo    string
	closedNum  int
}

func (f *fakeBoard) FileIssue(_ context.Context, _, _, _, column string) (string, string, error) {
	f.filed = true
	return "https://github.com/acme/widgets/issues/1", column, nil
}
func (f *fakeBoard) MoveCard(context.Context, string, string, string) error { return nil }
func (f *fakeBoard) MarkPRReadyForReview(context.Context, string, int) error { return nil }
func (f *fakeBoard) ParsePRURL(string) (string, int, bool) { return "", 0, false }
func (f *fakeBoard) MoveIssue(_ context.Context, _ string, number int, toColumn string) error {
	f.moved = true
	f.movedTo = toColumn
	return nil
}
func (f *fakeBoard) CloseIssue(_ context.Context, _ string, number int) error {
	f.closed = true
	f.closedNum = number
	return nil
}

func setupEngine(t *testing.T, response string) (*Engine, *fakeTransport, *Store, *fakeBoard) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)

	sealer, err := persona.NewSealer("01234567890123456789012345678901")
	require.NoError(t, err)
	personaStore, err := persona.NewStore(ctx, db, sealer)
	require.NoError(t, err)
	require.NoError(t, personaStore.Upsert(ctx, &persona.Persona{
		Name: "Dev", Role: "generalist", Soul: "pragmatic", Style: "terse", Active: true,
	}))
	require.NoError(t, personaStore.Upsert(ctx, &persona.Persona{
		Name: "Carlos", Role: "lead", Soul: "decisive", Style: "terse", Active: true,
	}))

	memStore, err := memory.NewStore(ctx, db, hclog.NewNullLogger())
	require.NoError(t, err)

	ft := &fakeTransport{}
	fb := &fakeBoard{}
	discStore := NewStore(db)
	mgr := state.NewManager()

	engine := NewEngine(hclog.NewNullLogger(), ft, fakeLLM{response: response}, personaStore, memStore, fb, nil, discStore, mgr)
	engine.SetChannelRegistry(nil) // force explicit trig.ChannelID usage
	engine.interPostDelay = func(context.Context) {}
	return engine, ft, discStore, fb
}

func TestStartDiscussionPostsOpeningAndApproves(t *testing.T) {
	engine, ft, _, _ := setupEngine(t, "APPROVE: looks solid.")
	ctx := context.Background()

	d, err := engine.StartDiscussion(ctx, Trigger{
		Type: TriggerBuildFailure, ProjectPath: "acme/widgets", Ref: "main",
		Context: "the build is red", ChannelID: "chan1",
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.GreaterOrEqual(t, len(ft.posts), 1)
	require.Equal(t, StatusConsensus, d.Status)
	require.Equal(t, ConsensusApproved, d.ConsensusResult)
}

func TestStartDiscussionCoalescesRefiredIdenticalTrigger(t *testing.T) {
	engine, ft, _, _ := setupEngine(t, "APPROVE: fine.")
	ctx := context.Background()

	trig := Trigger{Type: TriggerBuildFailure, ProjectPath: "acme/widgets", Ref: "main", ChannelID: "chan1"}
	d1, err := engine.StartDiscussion(ctx, trig)
	require.NoError(t, err)
	require.NotNil(t, d1)
	postsAfterFirst := len(ft.posts)

	d2, err := engine.StartDiscussion(ctx, trig)
	require.NoError(t, err)
	require.NotNil(t, d2)
	require.Equal(t, d1.ID, d2.ID)
	require.Equal(t, postsAfterFirst, len(ft.posts))
}

func TestStartDiscussionChangesRequestedSpawnsNoJobWithoutSpawner(t *testing.T) {
	engine, _, _, _ := setupEngine(t, "CHANGES: please add a test.")
	ctx := context.Background()

	d, err := engine.StartDiscussion(ctx, Trigger{
		Type: TriggerPRReview, ProjectPath: "acme/widgets", Ref: "42",
		Context: "```diff\n+x\n```", ChannelID: "chan1",
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, StatusConsensus, d.Status)
	require.Equal(t, ConsensusChangesRequested, d.ConsensusResult)
}

func TestStartDiscussionHumanNeededBlocksDiscussion(t *testing.T) {
	engine, _, _, _ := setupEngine(t, "not sure what to make of this")
	ctx := context.Background()

	d, err := engine.StartDiscussion(ctx, Trigger{
		Type: TriggerBuildFailure, ProjectPath: "acme/widgets", Ref: "main",
		ChannelID: "chan1",
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, StatusBlocked, d.Status)
	require.Equal(t, ConsensusHumanNeeded, d.ConsensusResult)
}

func TestIssueReviewReadyMovesIssue(t *testing.T) {
	engine, ft, _, fb := setupEngine(t, "READY: tests pass, good to go.")
	ctx := context.Background()

	d, err := engine.StartDiscussion(ctx, Trigger{
		Type: TriggerIssueReview, ProjectPath: "acme/widgets", Ref: "acme/widgets#444",
		ChannelID: "chan1",
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.True(t, fb.moved)
	require.Equal(t, "Ready", fb.movedTo)
	require.Contains(t, ft.posts[len(ft.posts)-1], "Moved #444 to Ready.")
}

func TestIssueReviewCloseClosesIssue(t *testing.T) {
	engine, ft, _, fb := setupEngine(t, "CLOSE: stale, no longer relevant.")
	ctx := context.Background()

	d, err := engine.StartDiscussion(ctx, Trigger{
		Type: TriggerIssueReview, ProjectPath: "acme/widgets", Ref: "acme/widgets#555",
		ChannelID: "chan1",
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.True(t, fb.closed)
	require.Equal(t, 555, fb.closedNum)
	require.Contains(t, ft.posts[len(ft.posts)-1], "Closed #555.")
}

func TestIssueReviewMalformedRefNoOps(t *testing.T) {
	engine, _, _, fb := setupEngine(t, "READY: go.")
	ctx := context.Background()

	d, err := engine.StartDiscussion(ctx, Trigger{
		Type: TriggerIssueReview, ProjectPath: "acme/widgets", Ref: "not-a-valid-ref",
		ChannelID: "chan1",
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.False(t, fb.moved)
	require.False(t, fb.closed)
	require.Equal(t, StatusConsensus, d.Status)
}
