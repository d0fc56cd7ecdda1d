package router

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-bot/nightwatch/internal/discussion"
	"github.com/nightwatch-bot/nightwatch/internal/job"
	"github.com/nightwatch-bot/nightwatch/internal/llm"
	"github.com/nightwatch-bot/nightwatch/internal/memory"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/project"
	"github.com/nightwatch-bot/nightwatch/internal/reply"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/store"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

type fakeTransport struct {
	posts     []string
	reactions []string
}

func (f *fakeTransport) Post(_ context.Context, _ string, message string, _ transport.PostOptions) (string, error) {
	f.posts = append(f.posts, message)
	return "post-id", nil
}
func (f *fakeTransport) Listen(context.Context) (<-chan transport.InboundEvent, error) { return nil, nil }
func (f *fakeTransport) AddReaction(_ context.Context, _, emoji string) error {
	f.reactions = append(f.reactions, emoji)
	return nil
}
func (f *fakeTransport) ThreadReplies(context.Context, string) ([]transport.InboundEvent, error) {
	return nil, nil
}
func (f *fakeTransport) IsChannelIdle(context.Context, string, int64) (bool, error) { return true, nil }

type fakeLLM struct{ response string }

func (f fakeLLM) Complete(_ context.Context, _ string, _ []llm.Message) (*llm.CompletionResult, error) {
	resp := f.response
	if resp == "" {
		resp = "APPROVE: fine."
	}
	return &llm.CompletionResult{Content: resp}, nil
}
func (f fakeLLM) CompleteWithTools(_ context.Context, _ string, _ []llm.Message, _ []llm.Tool) (*llm.CompletionResult, error) {
	return f.Complete(context.Background(), "", nil)
}

type fakeBoard struct{}

func (fakeBoard) FileIssue(context.Context, string, string, string, string) (string, string, error) {
	return "", "", nil
}
func (fakeBoard) MoveCard(context.Context, string, string, string) error   { return nil }
func (fakeBoard) MarkPRReadyForReview(context.Context, string, int) error { return nil }
func (fakeBoard) ParsePRURL(string) (string, int, bool)                   { return "", 0, false }
func (fakeBoard) MoveIssue(context.Context, string, int, string) error    { return nil }
func (fakeBoard) CloseIssue(context.Context, string, int) error           { return nil }

func setupRouter(t *testing.T, botID string) (*Router, *fakeTransport, *persona.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)

	sealer, err := persona.NewSealer("01234567890123456789012345678901")
	require.NoError(t, err)
	personas, err := persona.NewStore(ctx, db, sealer)
	require.NoError(t, err)
	require.NoError(t, personas.Upsert(ctx, &persona.Persona{
		Name: "Dev", Role: "generalist", Soul: "pragmatic", Style: "terse", Active: true,
	}))
	require.NoError(t, personas.Upsert(ctx, &persona.Persona{
		Name: "Carlos", Role: "lead", Soul: "decisive", Style: "terse", Active: true,
	}))

	memories, err := memory.NewStore(ctx, db, hclog.NewNullLogger())
	require.NoError(t, err)

	ft := &fakeTransport{}
	discStore := discussion.NewStore(db)
	mgr := state.NewManager()

	jobs, err := job.NewSpawner(hclog.NewNullLogger(), ft, "/bin/true")
	require.NoError(t, err)

	engine := discussion.NewEngine(hclog.NewNullLogger(), ft, fakeLLM{}, personas, memories, fakeBoard{}, jobs, discStore, mgr)
	engine.SetChannelRegistry(nil)

	replies := reply.NewHandler(hclog.NewNullLogger(), engine, personas, mgr)
	projects := project.NewRegistry(db)
	require.NoError(t, projects.Register(ctx, "acme/widgets", "github", "", "chan1"))

	r := New(hclog.NewNullLogger(), mgr, engine, replies, jobs, discStore, personas, projects, fakeBoard{}, ft, botID)
	return r, ft, personas
}

func TestRouteSelfFilteredOnEmptyIdentity(t *testing.T) {
	r, _, _ := setupRouter(t, "bot1")
	d, err := r.Route(context.Background(), transport.InboundEvent{})
	require.NoError(t, err)
	require.Equal(t, DecisionSelfFiltered, d)
}

func TestRouteSelfFilteredDropsBotPosts(t *testing.T) {
	r, _, _ := setupRouter(t, "bot1")
	d, err := r.Route(context.Background(), transport.InboundEvent{
		ChannelID: "chan1", PostID: "p1", UserID: "bot1", IsBot: true, Message: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionSelfFiltered, d)
}

func TestRouteDedupesRepeatedPost(t *testing.T) {
	r, _, _ := setupRouter(t, "bot1")
	evt := transport.InboundEvent{
		ChannelID: "chan1", PostID: "p1", UserID: "u1", Message: "just chatting", CreatedAtMS: 100,
	}
	d1, err := r.Route(context.Background(), evt)
	require.NoError(t, err)
	require.NotEqual(t, DecisionDeduped, d1)

	d2, err := r.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, DecisionDeduped, d2)
}

func TestRouteExplicitMentionRepliesAsMentionedPersona(t *testing.T) {
	r, ft, _ := setupRouter(t, "bot1")
	evt := transport.InboundEvent{
		ChannelID: "chan1", PostID: "p1", UserID: "u1", Message: "@Dev can you take a look at this",
	}
	d, err := r.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, DecisionMentionReply, d)
	require.GreaterOrEqual(t, len(ft.posts), 1)
}

func TestRouteIssuePickupSpawnsJob(t *testing.T) {
	r, _, _ := setupRouter(t, "bot1")
	evt := transport.InboundEvent{
		ChannelID: "chan1", PostID: "p1", UserID: "u1",
		Message: "I'll pick up https://github.com/acme/widgets/issues/7",
	}
	d, err := r.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, DecisionIssuePickup, d)
}

func TestRouteProviderRequestPostsAck(t *testing.T) {
	r, ft, _ := setupRouter(t, "bot1")
	evt := transport.InboundEvent{
		ChannelID: "chan1", PostID: "p1", UserID: "u1",
		Message: "claude: summarize the widgets README",
	}
	d, err := r.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, DecisionProviderCall, d)
	require.GreaterOrEqual(t, len(ft.posts), 1)
}
