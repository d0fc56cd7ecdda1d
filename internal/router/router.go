// Package router implements the Trigger Router: classifying an inbound
// event into either "ignore", "job request", "reply inside an existing
// discussion", or "start a new discussion", via an ordered 14-step
// pipeline of cheap checks run before any LLM call is made (§4.1).
package router

import (
	"context"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nightwatch-bot/nightwatch/internal/board"
	"github.com/nightwatch-bot/nightwatch/internal/discussion"
	"github.com/nightwatch-bot/nightwatch/internal/job"
	"github.com/nightwatch-bot/nightwatch/internal/parser"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/project"
	"github.com/nightwatch-bot/nightwatch/internal/reply"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

// Decision is the router's classification outcome, useful to callers
// (mainly tests) that want to assert routing without re-running side
// effects.
type Decision string

const (
	DecisionSelfFiltered  Decision = "self_filtered"
	DecisionDeduped       Decision = "deduped"
	DecisionProviderCall  Decision = "provider_call"
	DecisionJobRequest    Decision = "job_request"
	DecisionIssuePickup   Decision = "issue_pickup"
	DecisionMentionReply  Decision = "mention_reply"
	DecisionThreadReply   Decision = "thread_reply"
	DecisionHandoffReply  Decision = "handoff_reply"
	DecisionHistoryReply  Decision = "history_reply"
	DecisionAmbientEngage Decision = "ambient_engage"
	DecisionAppMention    Decision = "app_mention_fallback"
	DecisionSprinkle      Decision = "ambient_sprinkle"
	DecisionFallbackReply Decision = "fallback_reply"
	DecisionIgnored       Decision = "ignored"
)

// ambientSprinkleProbability is the §4.1 step-13 per-persona reaction-only
// chance.
const ambientSprinkleProbability = 0.25

// reIssueURL extracts owner/repo/number from a github.com issue URL, for
// the bot-message issue-URL scan (step 1) which must recognize /issues/
// links rather than the /pull/ links board.Provider.ParsePRURL handles.
var reIssueURL = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s]+)/issues/(\d+)`)

// Router runs the classification pipeline and dispatches to the correct
// downstream component.
type Router struct {
	log      hclog.Logger
	state    *state.Manager
	engine   *discussion.Engine
	replies  *reply.Handler
	jobs     *job.Spawner
	store    *discussion.Store
	personas  *persona.Store
	projects  *project.Registry
	board     board.Provider
	transport transport.ChatTransport
	botID     string
}

// New wires a Router.
func New(log hclog.Logger, mgr *state.Manager, engine *discussion.Engine,
	replies *reply.Handler, jobs *job.Spawner, store *discussion.Store,
	personas *persona.Store, projects *project.Registry, boardProvider board.Provider,
	t transport.ChatTransport, botID string) *Router {
	return &Router{
		log: log, state: mgr, engine: engine, replies: replies, jobs: jobs,
		store: store, personas: personas, projects: projects, board: boardProvider,
		transport: t, botID: botID,
	}
}

// Route runs the full 14-step classification order against evt and
// dispatches it.
func (r *Router) Route(ctx context.Context, evt transport.InboundEvent) (Decision, error) {
	// 1. Self/system filter: drop missing identity, bot posts. Before
	// dropping a bot-authored top-level message, scan it for GitHub issue
	// URLs and kick off an issue_review discussion per URL found.
	if evt.ChannelID == "" || evt.PostID == "" || evt.UserID == "" {
		return DecisionSelfFiltered, nil
	}
	if evt.IsBot || (r.botID != "" && evt.UserID == r.botID) {
		if evt.RootID == "" {
			r.scanBotMessageForIssueReview(ctx, evt)
		}
		return DecisionSelfFiltered, nil
	}
	if evt.Message == "" {
		return DecisionSelfFiltered, nil
	}

	// 2. Dedup: channel:ts:(type|"message"), atomic check-then-insert LRU.
	dedupKey := evt.ChannelID + ":" + postTimestamp(evt) + ":message"
	if r.state.SeenTrigger(dedupKey) {
		return DecisionDeduped, nil
	}
	r.state.TouchChannelActivity(evt.ChannelID, eventTime(evt))

	rootID := evt.RootID
	threadAnchored := rootID != ""
	if !threadAnchored {
		rootID = evt.PostID
	}

	botAddressed := parser.HasAnyMention(evt.Message) || strings.Contains(evt.Message, "@"+r.botID)

	// 3. Direct LLM-provider invocation.
	if pr, ok := parser.ParseProviderRequest(evt.Message); ok {
		if botAddressed || strings.HasPrefix(strings.ToLower(strings.TrimSpace(evt.Message)), pr.Provider) {
			return r.handleProviderRequest(ctx, evt, pr)
		}
	}

	// 4. Job request.
	if jr, ok := parser.ParseSlackJobRequest(evt.Message); ok {
		if botAddressed || jr.PRNumber != "" || reTeamRequestLike(evt.Message) {
			return r.handleJobRequest(ctx, evt, jr)
		}
	}

	// 5. Issue pickup.
	if pickup, ok := parser.ParseIssuePickup(evt.Message); ok {
		return r.handleIssuePickup(ctx, evt, pickup)
	}

	activePersonas, err := r.personas.GetActive(ctx)
	if err != nil {
		return DecisionIgnored, err
	}
	names := personaNames(activePersonas)

	// 6. Explicit @-persona mention.
	if name, ok := parser.MentionsAny(evt.Message, names); ok {
		return r.routeMention(ctx, evt, rootID, name)
	}

	// 7. Plain-name mention.
	if name, ok := parser.PlainNameMention(evt.Message, names); ok {
		return r.routeMention(ctx, evt, rootID, name)
	}

	// 8. Existing discussion, no mention: forward to the human-pause
	// debounce.
	if threadAnchored {
		existing, err := r.store.GetByRootPostID(ctx, rootID)
		if err != nil {
			return DecisionIgnored, err
		}
		if existing != nil && (existing.Status == discussion.StatusActive || existing.Status == discussion.StatusPaused) {
			r.engine.HandleHumanMessage(ctx, existing)
			return DecisionThreadReply, nil
		}

		// 9. Remembered ad-hoc persona.
		if err := r.replies.Handle(ctx, evt, rootID); err != nil {
			return DecisionHandoffReply, err
		}
		if r.state.IsContinuity(rootID, eventTime(evt)) {
			return DecisionHandoffReply, nil
		}

		// 10. History recovery: thread has replies but no remembered
		// state (process restart). No thread history is fetched and no
		// reply is posted; the event is only classified.
		return DecisionHistoryReply, nil
	}

	// 11. Ambient team chatter.
	if parser.IsAmbientCandidate(evt.Message) {
		r.engageAmbient(ctx, evt, activePersonas)
		return DecisionAmbientEngage, nil
	}

	// 12. Direct app-mention fallback.
	if botAddressed {
		if p := randomAvailable(activePersonas, r.state, evt.ChannelID); p != nil {
			if err := r.engine.ReplyAsAgent(ctx, evt.ChannelID, rootID, p, evt.Message); err != nil {
				return DecisionAppMention, err
			}
			return DecisionAppMention, nil
		}
	}

	// 13. Ambient sprinkle: independently, per persona, react only.
	r.sprinkleReactions(ctx, evt, activePersonas)

	// 14. Guaranteed fallback.
	if p := randomAvailable(activePersonas, r.state, evt.ChannelID); p != nil {
		if err := r.engine.ReplyAsAgent(ctx, evt.ChannelID, rootID, p, evt.Message); err != nil {
			return DecisionFallbackReply, err
		}
		return DecisionFallbackReply, nil
	}

	r.log.Debug("no persona available for guaranteed fallback, dropping", "channel", evt.ChannelID)
	return DecisionIgnored, nil
}

func (r *Router) scanBotMessageForIssueReview(ctx context.Context, evt transport.InboundEvent) {
	if r.board == nil {
		return
	}
	urls := parser.ExtractGitHubIssueUrls(evt.Message)
	for _, url := range urls {
		m := reIssueURL.FindStringSubmatch(url)
		if m == nil {
			continue
		}
		number, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		repo := m[1] + "/" + m[2]
		go func(repo string, number int) {
			trig := discussion.Trigger{
				Type:        discussion.TriggerIssueReview,
				ProjectPath: repo,
				Ref:         repo + "#" + strconv.Itoa(number),
				ChannelID:   evt.ChannelID,
			}
			if _, err := r.engine.StartDiscussion(context.Background(), trig); err != nil {
				r.log.Warn("failed to start issue_review discussion from bot message scan", "ref", trig.Ref, "error", err.Error())
			}
		}(repo, number)
	}
}

func (r *Router) handleProviderRequest(ctx context.Context, evt transport.InboundEvent, pr parser.ProviderRequest) (Decision, error) {
	dev, err := r.personas.GetByName(ctx, "Dev")
	if err != nil || dev == nil {
		all, _ := r.personas.GetActive(ctx)
		if len(all) == 0 {
			return DecisionProviderCall, nil
		}
		dev = all[0]
	}

	projectPath, ok := r.projects.ResolveProject(ctx, pr.ProjectHint, evt.ChannelID)
	if !ok {
		r.log.Warn("could not resolve project for direct provider request", "hint", pr.ProjectHint)
		return DecisionProviderCall, nil
	}

	if err := r.engine.PostAck(ctx, evt.ChannelID, evt.PostID, dev, "On it."); err != nil {
		r.log.Warn("failed to post provider-request acknowledgement", "error", err.Error())
	}

	go func() {
		if _, err := r.jobs.SpawnDirectProviderRequest(context.Background(), pr.Provider, projectPath, pr.Prompt); err != nil {
			r.log.Warn("direct provider request failed", "provider", pr.Provider, "error", err.Error())
		}
	}()
	return DecisionProviderCall, nil
}

func (r *Router) handleJobRequest(ctx context.Context, evt transport.InboundEvent, jr parser.JobRequest) (Decision, error) {
	kind := job.KindRun
	var personaName string
	switch jr.Job {
	case "review":
		kind = job.KindReview
		personaName = "Carlos"
	case "qa":
		kind = job.KindQA
		personaName = "Priya"
	case "run":
		kind = job.KindRun
		personaName = "Dev"
	default:
		kind = job.KindRun
	}

	if jr.FixConflicts {
		kind = job.KindReview
	}

	projectPath, ok := r.projects.ResolveProject(ctx, jr.ProjectHint, evt.ChannelID)
	if !ok {
		r.log.Warn("could not resolve project for job request", "hint", jr.ProjectHint)
		return DecisionJobRequest, nil
	}

	req := job.Request{
		ChannelID: evt.ChannelID,
		RootID:    evt.PostID,
		Project:   projectPath,
		Persona:   personaName,
		Kind:      kind,
		PRNumber:  jr.PRNumber,
	}
	if jr.FixConflicts {
		req.SlackFeedback = &job.SlackFeedback{
			Source: "slack", Kind: "merge_conflict_resolution",
			PRNumber: jr.PRNumber, Changes: "Resolve merge conflicts and stabilize the PR for re-review.",
		}
	}

	if err := r.jobs.SpawnNightWatchJob(ctx, req); err != nil {
		return DecisionJobRequest, err
	}
	return DecisionJobRequest, nil
}

func (r *Router) handleIssuePickup(ctx context.Context, evt transport.InboundEvent, pickup parser.IssuePickup) (Decision, error) {
	repo := pickup.Owner + "/" + pickup.Repo
	if r.board != nil {
		if err := r.board.MoveIssue(ctx, repo, pickup.Number, "In Progress"); err != nil {
			r.log.Warn("best-effort board move to In Progress failed", "repo", repo, "number", pickup.Number, "error", err.Error())
		}
	}

	err := r.jobs.SpawnNightWatchJob(ctx, job.Request{
		ChannelID:   evt.ChannelID,
		RootID:      evt.PostID,
		Project:     repo,
		Persona:     "Dev",
		Kind:        job.KindRun,
		IssueNumber: strconv.Itoa(pickup.Number),
	})
	if err != nil {
		return DecisionIssuePickup, err
	}
	return DecisionIssuePickup, nil
}

func (r *Router) routeMention(ctx context.Context, evt transport.InboundEvent, rootID, name string) (Decision, error) {
	p, err := r.personas.GetByName(ctx, name)
	if err != nil || p == nil {
		return DecisionMentionReply, nil
	}

	if d, err := r.store.GetByRootPostID(ctx, rootID); err == nil && d != nil &&
		(d.Status == discussion.StatusActive || d.Status == discussion.StatusPaused) {
		if err := r.engine.ContributeAsAgent(ctx, d, p); err != nil {
			return DecisionMentionReply, err
		}
		return DecisionMentionReply, nil
	}

	if err := r.engine.ReplyAsAgent(ctx, evt.ChannelID, rootID, p, evt.Message); err != nil {
		return DecisionMentionReply, err
	}
	return DecisionMentionReply, nil
}

func (r *Router) engageAmbient(ctx context.Context, evt transport.InboundEvent, available []*persona.Persona) {
	shuffled := shufflePersonas(available)
	count := 2
	if len(shuffled) > 2 && rand.Intn(2) == 1 {
		count = 3
	}
	if count > len(shuffled) {
		count = len(shuffled)
	}

	for i, p := range shuffled[:count] {
		delay := time.Duration(i) * (4*time.Second + time.Duration(rand.Intn(11))*time.Second)
		go func(p *persona.Persona, delay time.Duration) {
			time.Sleep(delay)
			if err := r.engine.ReplyAsAgent(context.Background(), evt.ChannelID, evt.PostID, p, evt.Message); err != nil {
				r.log.Warn("ambient engage reply failed", "persona", p.Name, "error", err.Error())
			}
		}(p, delay)
	}
}

// sprinkleReactions implements §4.1 step 13: independently, per persona,
// with probability ambientSprinkleProbability and not on cooldown,
// schedule an emoji reaction on the post with no reply.
func (r *Router) sprinkleReactions(ctx context.Context, evt transport.InboundEvent, available []*persona.Persona) {
	for _, p := range available {
		if r.state.InCooldown(evt.ChannelID, time.Now()) {
			continue
		}
		if rand.Float64() >= ambientSprinkleProbability {
			continue
		}
		go func(p *persona.Persona) {
			if err := r.transport.AddReaction(context.Background(), evt.PostID, "eyes"); err != nil {
				r.log.Warn("ambient sprinkle reaction failed", "persona", p.Name, "error", err.Error())
			}
		}(p)
	}
}

func randomAvailable(personas []*persona.Persona, mgr *state.Manager, channelID string) *persona.Persona {
	var available []*persona.Persona
	for _, p := range personas {
		available = append(available, p)
	}
	if len(available) == 0 {
		return nil
	}
	return available[rand.Intn(len(available))]
}

func shufflePersonas(in []*persona.Persona) []*persona.Persona {
	out := append([]*persona.Persona(nil), in...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func personaNames(personas []*persona.Persona) []string {
	names := make([]string, 0, len(personas))
	for _, p := range personas {
		names = append(names, p.Name)
	}
	return names
}

func eventTime(evt transport.InboundEvent) time.Time {
	if evt.CreatedAtMS == 0 {
		return time.Now()
	}
	return time.UnixMilli(evt.CreatedAtMS)
}

func postTimestamp(evt transport.InboundEvent) string {
	if evt.CreatedAtMS != 0 {
		return strconv.Itoa(int(evt.CreatedAtMS))
	}
	return evt.PostID
}

func reTeamRequestLike(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range []string{"can someone", "please", "need", "someone", "anyone"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

