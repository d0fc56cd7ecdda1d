package discussion

import (
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/board"
	"github.com/nightwatch-bot/nightwatch/internal/humanizer"
	"github.com/nightwatch-bot/nightwatch/internal/job"
	"github.com/nightwatch-bot/nightwatch/internal/llm"
	"github.com/nightwatch-bot/nightwatch/internal/memory"
	"github.com/nightwatch-bot/nightwatch/internal/parser"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

// leadPersonaName is the persona whose verdict drives the consensus
// evaluator and the issue-review branch.
const leadPersonaName = "Carlos"

// devPersonaName posts the opening message for a freshly started
// discussion when no external thread anchor is supplied.
const devPersonaName = "Dev"

var reIssueRef = regexp.MustCompile(`^([\w.-]+/[\w.-]+)#(\d+)$`)

// reCodeEvidence matches the recognizable-code-in-prose markers that
// exempt a pr_review trigger from the PR-diff fetch.
var reCodeEvidence = regexp.MustCompile("(?s)```|diff --git|@@ |function[ (]|class |if\\(|try\\{")
var reFileWithExt = regexp.MustCompile(`\b[\w.-]+\.[a-zA-Z0-9]{1,8}\b`)

// ChannelRegistry resolves a channel to post into, given an explicit
// trigger override, a per-project mapping, and a per-type default, the
// §4.2 step-5 channel resolution order.
type ChannelRegistry struct {
	byProject map[string]string
	byType    map[TriggerType]string
}

// NewChannelRegistry builds an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{byProject: map[string]string{}, byType: map[TriggerType]string{}}
}

// RegisterProject maps projectPath to channelID.
func (r *ChannelRegistry) RegisterProject(projectPath, channelID string) {
	r.byProject[projectPath] = channelID
}

// RegisterTypeDefault maps a trigger type to its default channelID.
func (r *ChannelRegistry) RegisterTypeDefault(t TriggerType, channelID string) {
	r.byType[t] = channelID
}

func (r *ChannelRegistry) resolve(trig Trigger) (string, bool) {
	if trig.ChannelID != "" {
		return trig.ChannelID, true
	}
	if r != nil {
		if ch, ok := r.byProject[trig.ProjectPath]; ok && ch != "" {
			return ch, true
		}
		if ch, ok := r.byType[trig.Type]; ok && ch != "" {
			return ch, true
		}
	}
	return "", false
}

// Engine is the Deliberation Engine: it owns the full lifecycle of a
// discussion from startDiscussion through the consensus or issue-review
// verdict.
type Engine struct {
	log       hclog.Logger
	transport transport.ChatTransport
	llmClient llm.Client
	personas  *persona.Store
	memories  *memory.Store
	board     board.Provider
	jobs      *job.Spawner
	store     *Store
	state     *state.Manager
	channels  *ChannelRegistry

	mu      sync.Mutex
	timers  map[string]*time.Timer // discussionID -> pending human-pause resume timer
	ledgers map[string]*humanizer.SentenceLedger

	loopLocks sync.Map // discussionID -> *sync.Mutex serializing runConsensusLoop

	// interPostDelay is the contribution round's per-persona human-typing
	// pause (HUMAN_DELAY ∈ uniform[20s,60s]); overridable by tests.
	interPostDelay func(ctx context.Context)
}

// NewEngine wires an Engine from its collaborators. board and jobs may be
// nil; board-dependent and job-spawning paths degrade to a log line.
func NewEngine(log hclog.Logger, t transport.ChatTransport, llmClient llm.Client,
	personas *persona.Store, memories *memory.Store, boardProvider board.Provider,
	jobs *job.Spawner, store *Store, mgr *state.Manager) *Engine {
	return &Engine{
		log: log, transport: t, llmClient: llmClient, personas: personas,
		memories: memories, board: boardProvider, jobs: jobs, store: store, state: mgr,
		channels: NewChannelRegistry(),
		timers:   map[string]*time.Timer{},
		ledgers:  map[string]*humanizer.SentenceLedger{},
		interPostDelay: func(ctx context.Context) {
			d := time.Duration(20+rand.Intn(41)) * time.Second
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
}

// SetChannelRegistry replaces the engine's channel-resolution registry.
func (e *Engine) SetChannelRegistry(r *ChannelRegistry) { e.channels = r }

// StartDiscussion begins a new discussion for trig, or returns the
// existing one per the coalescing/replay-guard rules. Concurrent calls
// for the identical trigger identity are coalesced via the state
// manager's singleflight so a duplicate event never spawns a second
// discussion.
func (e *Engine) StartDiscussion(ctx context.Context, trig Trigger) (*Discussion, error) {
	key := trig.Key()

	if existing, err := e.store.LatestByKey(ctx, key); err == nil && existing != nil {
		if existing.Status == StatusActive || existing.Status == StatusPaused {
			return existing, nil
		}
		if time.Since(existing.UpdatedAt) < DiscussionReplayGuard {
			return existing, nil
		}
	}

	v, err, _ := e.state.StartOnce(key, func() (any, error) {
		return e.startDiscussionLocked(ctx, trig)
	})
	if err != nil {
		return nil, err
	}
	d, _ := v.(*Discussion)
	return d, nil
}

func (e *Engine) startDiscussionLocked(ctx context.Context, trig Trigger) (*Discussion, error) {
	participants, err := e.selectParticipants(ctx, trig.Type)
	if err != nil {
		return nil, err
	}

	if trig.Type == TriggerPRReview && !hasCodeEvidence(trig.Context) {
		trig.Context = e.appendPRDiffExcerpt(ctx, trig)
	}

	channelID, ok := e.channels.resolve(trig)
	if !ok {
		return nil, fmt.Errorf("could not resolve a channel for trigger %s", trig.Key())
	}

	d := &Discussion{
		ChannelID: channelID,
		Trigger:   trig,
		Status:    StatusActive,
		Round:     1,
	}

	var initialParticipants []string
	if trig.ThreadTs != "" {
		d.RootPostID = trig.ThreadTs
	} else {
		opening := trig.OpeningMessage
		if opening == "" {
			opening = parser.OpeningMessage(string(trig.Type), trig.Ref, trig.Context, "")
		}
		dev := findPersonaByName(participants, devPersonaName)
		opts := transport.PostOptions{RootID: ""}
		if dev != nil {
			opts.PersonaName = dev.Name
			opts.PersonaIconURL = dev.IconURL
		}
		postID, err := e.transport.Post(ctx, channelID, opening, opts)
		if err != nil {
			return nil, errors.Wrap(err, "failed to post discussion opening message")
		}
		d.RootPostID = postID
		d.RepliesUsed++
		if dev != nil {
			initialParticipants = append(initialParticipants, dev.ID)
		}
	}
	d.Participants = initialParticipants

	if err := e.store.Create(ctx, d); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.ledgers[d.ID] = humanizer.NewSentenceLedger()
	e.mu.Unlock()

	roundParticipants := participants
	if trig.ThreadTs == "" {
		roundParticipants = excludePersona(participants, devPersonaName)
	}
	if err := e.runContributionRound(ctx, d, roundParticipants); err != nil {
		e.log.Warn("contribution round failed", "discussion_id", d.ID, "error", err.Error())
	}

	if err := e.runConsensusLoop(ctx, d); err != nil {
		e.log.Warn("consensus loop failed", "discussion_id", d.ID, "error", err.Error())
	}

	return d, nil
}

// selectParticipants implements §4.2 step 3's trigger-type roster.
func (e *Engine) selectParticipants(ctx context.Context, t TriggerType) ([]*persona.Persona, error) {
	all, err := e.personas.GetActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load active personas")
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no active personas configured")
	}

	switch t {
	case TriggerPRReview, TriggerCodeWatch, TriggerIssueReview:
		return all, nil
	case TriggerBuildFailure, TriggerPRDKickoff:
		var out []*persona.Persona
		for _, name := range []string{devPersonaName, leadPersonaName} {
			if p := findPersonaByName(all, name); p != nil {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return all, nil
		}
		return out, nil
	default:
		return all, nil
	}
}

// hasCodeEvidence reports whether context already contains concrete code
// (fenced code, a file path with an extension, a diff marker, or a
// recognizable code keyword), exempting the PR-diff fetch.
func hasCodeEvidence(context string) bool {
	return reCodeEvidence.MatchString(context) || reFileWithExt.MatchString(context)
}

// appendPRDiffExcerpt fetches a 160-line PR-diff excerpt via the gh CLI
// and prepends it to the trigger context, capped at 5000 characters.
// Failure is logged and the context is returned unmodified: the
// deliberation still runs on what little context it has.
func (e *Engine) appendPRDiffExcerpt(ctx context.Context, trig Trigger) string {
	diff, err := fetchPRDiff(ctx, trig.ProjectPath, trig.Ref, 160)
	if err != nil {
		e.log.Warn("failed to fetch pr diff excerpt", "repo", trig.ProjectPath, "ref", trig.Ref, "error", err.Error())
		return trig.Context
	}
	combined := diff + "\n\n" + trig.Context
	if len(combined) > 5000 {
		combined = combined[:5000]
	}
	return combined
}

func fetchPRDiff(ctx context.Context, repo, prNumber string, maxLines int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, SubprocessTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", "pr", "diff", prNumber, "-R", repo)
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrap(err, "gh pr diff failed")
	}
	lines := strings.Split(string(out), "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return strings.Join(lines, "\n"), nil
}

// runContributionRound runs a single bounded round: up to
// contributionBudget(d) personas from candidates contribute.
func (e *Engine) runContributionRound(ctx context.Context, d *Discussion, candidates []*persona.Persona) error {
	budget := contributionBudget(d)
	if budget <= 0 {
		return nil
	}
	contributors := selectContributors(candidates, budget)

	for _, p := range contributors {
		contrib, err := e.contributeAsAgent(ctx, d, p)
		if err != nil {
			e.log.Warn("persona contribution failed", "persona", p.Name, "error", err.Error())
			continue
		}
		if contrib == nil {
			continue
		}
		d.Participants = append(d.Participants, p.ID)
		d.RepliesUsed++
		if err := e.store.Update(ctx, d); err != nil {
			return err
		}
		e.interPostDelay(ctx)
		go e.reflectMemory(p, d, contrib.Content)
	}
	return nil
}

// contributionBudget caps a round at min(MAX_CONTRIBUTIONS_PER_ROUND,
// MAX_AGENT_THREAD_REPLIES - repliesUsed - 1).
func contributionBudget(d *Discussion) int {
	budget := MaxAgentThreadReplies - d.RepliesUsed - 1
	if budget > MaxContributionsPerRound {
		budget = MaxContributionsPerRound
	}
	return budget
}

// selectContributors drops the lead persona when there are at least two
// non-lead candidates, then takes the first budget of them.
func selectContributors(candidates []*persona.Persona, budget int) []*persona.Persona {
	nonLead := make([]*persona.Persona, 0, len(candidates))
	for _, p := range candidates {
		if !strings.EqualFold(p.Name, leadPersonaName) {
			nonLead = append(nonLead, p)
		}
	}
	pool := candidates
	if len(nonLead) >= 2 {
		pool = nonLead
	}
	if len(pool) > budget {
		pool = pool[:budget]
	}
	return pool
}

// contributeAsAgent asks a single persona to speak, humanizes its output,
// and posts it into the discussion thread. A SKIP verdict, an empty
// humanization, or a whitespace/case-normalized duplicate of something
// already visible in the thread is discarded without posting.
func (e *Engine) contributeAsAgent(ctx context.Context, d *Discussion, p *persona.Persona) (*Contribution, error) {
	history, _ := e.transport.ThreadReplies(ctx, d.RootPostID)
	prior, err := e.memories.GetMemory(ctx, p.ID, d.Trigger.ProjectPath)
	if err != nil {
		e.log.Warn("failed to load persona memory", "persona", p.Name, "error", err.Error())
	}

	messages := []llm.Message{
		{Role: "system", Content: p.Soul + "\n" + p.Style},
		{Role: "user", Content: renderContributionPrompt(d, history, prior)},
	}

	result, err := e.llmClient.Complete(ctx, p.Model, messages)
	if err != nil {
		e.log.Warn("llm completion failed, skipping turn", "persona", p.Name, "error", err.Error())
		return nil, nil
	}

	if humanizer.IsSkipMessage(result.Content) {
		return nil, nil
	}

	e.mu.Lock()
	ledger := e.ledgers[d.ID]
	e.mu.Unlock()

	humanized := humanizer.Humanize(result.Content, humanizer.DefaultConfig(), ledger)
	if humanized == "" || humanizer.IsSkipMessage(humanized) {
		return nil, nil
	}
	if dupesThreadHistory(humanized, history) {
		return nil, nil
	}

	postID, err := e.transport.Post(ctx, d.ChannelID, humanized, transport.PostOptions{
		PersonaName:    p.Name,
		PersonaIconURL: p.IconURL,
		RootID:         d.RootPostID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to post contribution")
	}

	return &Contribution{PersonaID: p.ID, Content: humanized, PostID: postID}, nil
}

func (e *Engine) reflectMemory(p *persona.Persona, d *Discussion, content string) {
	e.memories.Reflect(p.ID, d.Trigger.ProjectPath, content)
}

// dupesThreadHistory reports whether text, once whitespace-collapsed and
// lowercased, already appears verbatim among history's messages.
func dupesThreadHistory(text string, history []transport.InboundEvent) bool {
	norm := normalizeForDedup(text)
	for _, h := range history {
		if normalizeForDedup(h.Message) == norm {
			return true
		}
	}
	return false
}

func normalizeForDedup(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func renderContributionPrompt(d *Discussion, history []transport.InboundEvent, priorMemory []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trigger type: %s\nSubject: %s\nRound: %d/%d\n", d.Trigger.Type, d.Trigger.Ref, d.Round, MaxRounds)
	if d.Round >= MaxRounds {
		b.WriteString("This is the final round.\n")
	}
	if len(priorMemory) > 0 {
		b.WriteString("Your prior notes on this project:\n")
		for _, m := range priorMemory {
			b.WriteString("- " + m + "\n")
		}
	}
	if len(history) > 0 {
		b.WriteString("Recent thread history:\n")
		for _, h := range history {
			b.WriteString("- " + h.Message + "\n")
		}
	}
	b.WriteString("Contribute your perspective, or reply exactly SKIP if you have nothing to add.")
	return b.String()
}

// runConsensusLoop is the consensus evaluator: a single-threaded loop
// (never recursion) that reloads the discussion, branches to the
// issue-review decision for issue_review triggers, and otherwise prompts
// the lead persona for an APPROVE/CHANGES/HUMAN verdict each pass.
func (e *Engine) runConsensusLoop(ctx context.Context, d *Discussion) error {
	lock, _ := e.loopLocks.LoadOrStore(d.ID, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	for {
		fresh, err := e.store.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		if fresh == nil || fresh.Status != StatusActive {
			return nil
		}
		*d = *fresh

		if d.Trigger.Type == TriggerIssueReview {
			return e.runIssueReviewBranch(ctx, d)
		}

		if MaxAgentThreadReplies-d.RepliesUsed <= 0 {
			return e.concludeBlocked(ctx, d, "hit the reply cap for this thread")
		}

		lead, err := e.leadPersona(ctx)
		if err != nil {
			return err
		}

		verdict, reason, err := e.askForVerdict(ctx, d, lead)
		if err != nil {
			e.log.Warn("consensus verdict call failed", "discussion_id", d.ID, "error", err.Error())
			return e.concludeBlocked(ctx, d, "couldn't reach a verdict")
		}

		switch verdict {
		case "APPROVE":
			if err := e.postAsPersona(ctx, d, lead, "Looks good, approving this. "+reason, humanizer.ConsensusConfig()); err != nil {
				return err
			}
			d.Status = StatusConsensus
			d.ConsensusResult = ConsensusApproved
			if err := e.store.Update(ctx, d); err != nil {
				return err
			}
			if d.Trigger.Type == TriggerCodeWatch {
				e.openIssueFromTrigger(ctx, d)
			}
			return nil

		case "CHANGES":
			repliesLeft := MaxAgentThreadReplies - d.RepliesUsed
			if d.Round < MaxRounds && repliesLeft >= 3 {
				if err := e.postAsPersona(ctx, d, lead, "Let's take another pass: "+reason, humanizer.ConsensusConfig()); err != nil {
					return err
				}
				d.RepliesUsed++
				d.Round++
				if err := e.store.Update(ctx, d); err != nil {
					return err
				}
				participants, err := e.selectParticipants(ctx, d.Trigger.Type)
				if err != nil {
					return err
				}
				if err := e.runContributionRound(ctx, d, excludePersona(participants, devPersonaName)); err != nil {
					e.log.Warn("contribution round failed", "discussion_id", d.ID, "error", err.Error())
				}
				continue
			}

			if err := e.postAsPersona(ctx, d, lead, "Changes requested: "+reason, humanizer.ConsensusConfig()); err != nil {
				return err
			}
			d.Status = StatusConsensus
			d.ConsensusResult = ConsensusChangesRequested
			if err := e.store.Update(ctx, d); err != nil {
				return err
			}
			if d.Trigger.Type == TriggerPRReview {
				e.spawnReviewerRefinement(ctx, d, reason)
			}
			return nil

		default: // "HUMAN" or unrecognized
			return e.concludeBlocked(ctx, d, reason)
		}
	}
}

func (e *Engine) concludeBlocked(ctx context.Context, d *Discussion, reason string) error {
	lead, err := e.leadPersona(ctx)
	if err == nil {
		_ = e.postAsPersona(ctx, d, lead, "Think this needs a human look: "+reason, humanizer.ConsensusConfig())
	}
	d.Status = StatusBlocked
	d.ConsensusResult = ConsensusHumanNeeded
	return e.store.Update(ctx, d)
}

// askForVerdict prompts lead for a verdict and parses its APPROVE/
// CHANGES/HUMAN prefix.
func (e *Engine) askForVerdict(ctx context.Context, d *Discussion, lead *persona.Persona) (verdict, reason string, err error) {
	history, _ := e.transport.ThreadReplies(ctx, d.RootPostID)
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	prompt := renderContributionPrompt(d, history, nil) +
		"\n\nRespond with exactly one of:\nAPPROVE: <short line>\nCHANGES: <specific asks>\nHUMAN: <why ambiguous>"

	result, err := e.llmClient.Complete(ctx, lead.Model, []llm.Message{
		{Role: "system", Content: lead.Soul + "\n" + lead.Style},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", "", err
	}
	return parseVerdict(result.Content)
}

func parseVerdict(raw string) (verdict, reason string, err error) {
	trimmed := strings.TrimSpace(raw)
	for _, prefix := range []string{"APPROVE:", "CHANGES:", "HUMAN:"} {
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			return strings.TrimSuffix(prefix, ":"), strings.TrimSpace(trimmed[len(prefix):]), nil
		}
	}
	return "HUMAN", trimmed, nil
}

func (e *Engine) leadPersona(ctx context.Context) (*persona.Persona, error) {
	all, err := e.personas.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if p := findPersonaByName(all, leadPersonaName); p != nil {
		return p, nil
	}
	if len(all) > 0 {
		return all[0], nil
	}
	return nil, fmt.Errorf("no active personas configured")
}

func (e *Engine) postAsPersona(ctx context.Context, d *Discussion, p *persona.Persona, text string, cfg humanizer.Config) error {
	e.mu.Lock()
	ledger := e.ledgers[d.ID]
	e.mu.Unlock()
	humanized := humanizer.Humanize(text, cfg, ledger)
	if humanized == "" || humanizer.IsSkipMessage(humanized) {
		return nil
	}
	_, err := e.transport.Post(ctx, d.ChannelID, humanized, transport.PostOptions{
		PersonaName:    p.Name,
		PersonaIconURL: p.IconURL,
		RootID:         d.RootPostID,
	})
	return errors.Wrap(err, "failed to post persona message")
}

// runIssueReviewBranch asks the lead persona for exactly one of READY:,
// CLOSE:, DRAFT: and applies the corresponding board/CLI side effect.
func (e *Engine) runIssueReviewBranch(ctx context.Context, d *Discussion) error {
	repo, number, ok := reIssueRefMatch(d.Trigger.Ref)
	if !ok {
		e.log.Warn("malformed issue-review trigger ref, no-op", "ref", d.Trigger.Ref)
		d.Status = StatusConsensus
		return e.store.Update(ctx, d)
	}

	lead, err := e.leadPersona(ctx)
	if err != nil {
		return err
	}

	history, _ := e.transport.ThreadReplies(ctx, d.RootPostID)
	prompt := renderContributionPrompt(d, history, nil) +
		"\n\nRespond with exactly one of:\nREADY: <why>\nCLOSE: <why>\nDRAFT: <why>"
	result, err := e.llmClient.Complete(ctx, lead.Model, []llm.Message{
		{Role: "system", Content: lead.Soul + "\n" + lead.Style},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		e.log.Warn("issue-review verdict call failed", "discussion_id", d.ID, "error", err.Error())
		d.Status = StatusBlocked
		d.ConsensusResult = ConsensusHumanNeeded
		return e.store.Update(ctx, d)
	}

	verdict, _, err := parseIssueReviewVerdict(result.Content)
	if err != nil {
		verdict = "DRAFT"
	}

	switch verdict {
	case "READY":
		if e.board == nil {
			e.log.Warn("issue-review READY with no board configured, no-op", "ref", d.Trigger.Ref)
			break
		}
		if err := e.board.MoveIssue(ctx, repo, number, "Ready"); err != nil {
			e.log.Warn("failed to move issue to ready", "ref", d.Trigger.Ref, "error", err.Error())
			break
		}
		_ = e.postAsPersona(ctx, d, lead, fmt.Sprintf("Moved #%d to Ready.", number), humanizer.ConsensusConfig())

	case "CLOSE":
		if e.board == nil {
			e.log.Warn("issue-review CLOSE with no board configured, no-op", "ref", d.Trigger.Ref)
			break
		}
		if err := e.board.CloseIssue(ctx, repo, number); err != nil {
			e.log.Warn("failed to close issue", "ref", d.Trigger.Ref, "error", err.Error())
			break
		}
		_ = e.postAsPersona(ctx, d, lead, fmt.Sprintf("Closed #%d.", number), humanizer.ConsensusConfig())

	default: // DRAFT
		_ = e.postAsPersona(ctx, d, lead, fmt.Sprintf("Leaving #%d as a draft for now.", number), humanizer.ConsensusConfig())
	}

	d.Status = StatusConsensus
	return e.store.Update(ctx, d)
}

func reIssueRefMatch(ref string) (repo string, number int, ok bool) {
	m := reIssueRef.FindStringSubmatch(ref)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

func parseIssueReviewVerdict(raw string) (verdict, reason string, err error) {
	trimmed := strings.TrimSpace(raw)
	for _, prefix := range []string{"READY:", "CLOSE:", "DRAFT:"} {
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			return strings.TrimSuffix(prefix, ":"), strings.TrimSpace(trimmed[len(prefix):]), nil
		}
	}
	return "", "", fmt.Errorf("unrecognized issue-review verdict")
}

// openIssueFromTrigger files an issue for an approved code_watch
// discussion, landing it in column "In Progress". On failure it posts a
// truncated (<=1200 char) inline writeup to the thread so the work isn't
// lost.
func (e *Engine) openIssueFromTrigger(ctx context.Context, d *Discussion) {
	if e.board == nil {
		return
	}
	signal := firstMatch(reSignalCtx, d.Trigger.Context, "an issue")
	location := firstMatch(reLocationCtx, d.Trigger.Context, "an unspecified location")
	title := parser.BuildIssueTitle(signal, location)

	url, _, err := e.board.FileIssue(ctx, d.Trigger.ProjectPath, title, d.Trigger.Context, "In Progress")
	if err != nil {
		e.log.Warn("failed to file issue from code_watch trigger", "discussion_id", d.ID, "error", err.Error())
		writeup := d.Trigger.Context
		if len(writeup) > 1200 {
			writeup = writeup[:1200]
		}
		_, _ = e.transport.Post(ctx, d.ChannelID, "Couldn't open the issue automatically, here's the writeup:\n\n"+writeup,
			transport.PostOptions{RootID: d.RootPostID})
		return
	}
	_, _ = e.transport.Post(ctx, d.ChannelID, "Filed it: "+url, transport.PostOptions{RootID: d.RootPostID})
}

var reSignalCtx = regexp.MustCompile(`(?im)^Signal:\s*(.+)$`)
var reLocationCtx = regexp.MustCompile(`(?im)^Location:\s*(.+)$`)

func firstMatch(re *regexp.Regexp, text, fallback string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return fallback
}

// spawnReviewerRefinement spawns a review subprocess carrying the
// consensus loop's CHANGES feedback as NW_SLACK_FEEDBACK, for a pr_review
// discussion that didn't reach approval.
func (e *Engine) spawnReviewerRefinement(ctx context.Context, d *Discussion, changes string) {
	if e.jobs == nil {
		return
	}
	go func() {
		spawnCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		err := e.jobs.SpawnNightWatchJob(spawnCtx, job.Request{
			ChannelID: d.ChannelID,
			RootID:    d.RootPostID,
			Project:   d.Trigger.ProjectPath,
			Kind:      job.KindReview,
			PRNumber:  d.Trigger.Ref,
			SlackFeedback: &job.SlackFeedback{
				Source: "slack", Kind: "merge_conflict_resolution",
				PRNumber: d.Trigger.Ref, Changes: changes,
			},
		})
		if err != nil {
			e.log.Warn("failed to spawn reviewer refinement job", "discussion_id", d.ID, "error", err.Error())
		}
	}()
}

// HandleHumanMessage is invoked whenever a human posts into an active
// discussion thread. It (re)arms a 60-second debounce timer that, on
// fire, has the lead persona post a resume line and re-enters the
// consensus evaluator once.
func (e *Engine) HandleHumanMessage(ctx context.Context, d *Discussion) {
	e.mu.Lock()
	if existing, ok := e.timers[d.ID]; ok {
		existing.Stop()
	}
	d.Status = StatusPaused
	e.timers[d.ID] = time.AfterFunc(HumanPauseDelay, func() {
		resumeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		e.resumeAfterHuman(resumeCtx, d)
	})
	e.mu.Unlock()

	if err := e.store.Update(ctx, d); err != nil {
		e.log.Warn("failed to persist paused discussion status", "discussion_id", d.ID, "error", err.Error())
	}
}

func (e *Engine) resumeAfterHuman(ctx context.Context, d *Discussion) {
	e.mu.Lock()
	delete(e.timers, d.ID)
	e.mu.Unlock()

	lead, err := e.leadPersona(ctx)
	if err == nil {
		_ = e.postAsPersona(ctx, d, lead, "Picking this back up.", humanizer.ConsensusConfig())
	}

	d.Status = StatusActive
	if err := e.store.Update(ctx, d); err != nil {
		e.log.Warn("failed to resume discussion after human pause", "discussion_id", d.ID, "error", err.Error())
		return
	}
	if err := e.runConsensusLoop(ctx, d); err != nil {
		e.log.Warn("failed to resume discussion after human pause", "discussion_id", d.ID, "error", err.Error())
	}
}

// ContributeAsAgent is the single-persona path used by the router for
// explicit mentions inside an active discussion thread: identical to one
// slot of a contribution round, without round advancement.
func (e *Engine) ContributeAsAgent(ctx context.Context, d *Discussion, p *persona.Persona) error {
	contrib, err := e.contributeAsAgent(ctx, d, p)
	if err != nil {
		return err
	}
	if contrib == nil {
		return nil
	}
	d.Participants = append(d.Participants, p.ID)
	d.RepliesUsed++
	return e.store.Update(ctx, d)
}

// ReplyAsAgent lets a single persona respond directly to a specific
// human message, outside the structured round machinery, for the
// Persona Reply Handler's ad-hoc conversational paths.
func (e *Engine) ReplyAsAgent(ctx context.Context, channelID, rootID string, p *persona.Persona, humanMessage string) error {
	messages := []llm.Message{
		{Role: "system", Content: p.Soul + "\n" + p.Style},
		{Role: "user", Content: humanMessage},
	}
	result, err := e.llmClient.Complete(ctx, p.Model, messages)
	if err != nil {
		e.log.Warn("llm completion failed for agent reply", "persona", p.Name, "error", err.Error())
		return nil
	}

	if humanizer.IsSkipMessage(result.Content) {
		return nil
	}

	e.mu.Lock()
	ledger, ok := e.ledgers[rootID]
	if !ok {
		ledger = humanizer.NewSentenceLedger()
		e.ledgers[rootID] = ledger
	}
	e.mu.Unlock()

	humanized := humanizer.Humanize(result.Content, humanizer.DefaultConfig(), ledger)
	if humanized == "" || humanizer.IsSkipMessage(humanized) {
		return nil
	}

	_, err = e.transport.Post(ctx, channelID, humanized, transport.PostOptions{
		PersonaName:    p.Name,
		PersonaIconURL: p.IconURL,
		RootID:         rootID,
	})
	return errors.Wrap(err, "failed to post agent reply")
}

// PostProactiveMessage posts an unprompted nudge into channelID, used by
// the proactive loop's idle-channel sweep. A SKIP message posts nothing
// and returns nil, so the caller can still update cooldown timestamps.
func (e *Engine) PostProactiveMessage(ctx context.Context, channelID string, p *persona.Persona, message string) error {
	if humanizer.IsSkipMessage(message) {
		return nil
	}
	_, err := e.transport.Post(ctx, channelID, message, transport.PostOptions{
		PersonaName:    p.Name,
		PersonaIconURL: p.IconURL,
	})
	return errors.Wrap(err, "failed to post proactive message")
}

// PostAck posts text verbatim as p, with no LLM round-trip or
// humanization, used by the router's direct-provider-invocation and
// job-request paths to acknowledge a request before spawning work.
func (e *Engine) PostAck(ctx context.Context, channelID, rootID string, p *persona.Persona, text string) error {
	_, err := e.transport.Post(ctx, channelID, text, transport.PostOptions{
		PersonaName:    p.Name,
		PersonaIconURL: p.IconURL,
		RootID:         rootID,
	})
	return errors.Wrap(err, "failed to post acknowledgement")
}

func findPersonaByName(personas []*persona.Persona, name string) *persona.Persona {
	for _, p := range personas {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

func excludePersona(personas []*persona.Persona, name string) []*persona.Persona {
	out := make([]*persona.Persona, 0, len(personas))
	for _, p := range personas {
		if !strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}
