// Package proactive implements the Proactive Loop: a periodic sweep that
// posts a nudge into idle channels and, when audits are enabled, files a
// "Scheduled audit" issue per repo at most once per 30 minutes. It runs
// no audit job and reads no audit report; the filed issue carries a fixed
// body. Discussions themselves are not nudged.
package proactive

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nightwatch-bot/nightwatch/internal/board"
	"github.com/nightwatch-bot/nightwatch/internal/discussion"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/store"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

// channelIdleThreshold is how long a channel must have gone quiet before
// the proactive loop considers nudging it.
const channelIdleThreshold = 15 * time.Minute

// Loop runs the periodic sweep on a fixed interval.
type Loop struct {
	log       hclog.Logger
	interval  time.Duration
	transport transport.ChatTransport
	engine    *discussion.Engine
	personas  *persona.Store
	boardProv board.Provider
	state     *state.Manager
	db        *store.DB
	auditOn   bool
}

// NewLoop wires a Loop.
func NewLoop(log hclog.Logger, interval time.Duration, t transport.ChatTransport, engine *discussion.Engine,
	personas *persona.Store, b board.Provider, mgr *state.Manager, db *store.DB, auditEnabled bool) *Loop {
	return &Loop{
		log: log, interval: interval, transport: t, engine: engine,
		personas: personas, boardProv: b, state: mgr, db: db, auditOn: auditEnabled,
	}
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, channelIDs []string, repos []string) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx, channelIDs, repos)
		}
	}
}

func (l *Loop) sweep(ctx context.Context, channelIDs []string, repos []string) {
	for _, ch := range channelIDs {
		l.sweepChannel(ctx, ch)
	}
	if l.auditOn {
		for _, repo := range repos {
			l.sweepAudit(ctx, repo)
		}
	}
}

func (l *Loop) sweepChannel(ctx context.Context, channelID string) {
	if l.state.InCooldown(channelID, time.Now()) {
		return
	}
	last, ok := l.state.LastChannelActivity(channelID)
	if !ok || time.Since(last) < channelIdleThreshold {
		return
	}
	if !l.state.ShouldSweepProactive(channelID, time.Now()) {
		return
	}

	idle, err := l.transport.IsChannelIdle(ctx, channelID, time.Now().Add(-channelIdleThreshold).UnixMilli())
	if err != nil {
		l.log.Warn("failed to check channel idle state", "channel_id", channelID, "error", err.Error())
		return
	}
	if !idle {
		return
	}

	personas, err := l.personas.GetActive(ctx)
	if err != nil || len(personas) == 0 {
		return
	}
	p := personas[0]

	if err := l.engine.PostProactiveMessage(ctx, channelID, p, "Anything blocked I can help unstick?"); err != nil {
		l.log.Warn("failed to post proactive nudge", "channel_id", channelID, "error", err.Error())
		return
	}
	l.state.MarkCooldown(channelID, time.Now().Add(discussion.DiscussionResumeDelay))
}

func (l *Loop) sweepAudit(ctx context.Context, repo string) {
	if !l.state.ShouldAudit(repo, time.Now()) {
		return
	}
	if l.boardProv == nil {
		return
	}

	title := fmt.Sprintf("Scheduled audit: %s", repo)
	body := "Routine unattended-repo check-in from the proactive loop."
	if _, _, err := l.boardProv.FileIssue(ctx, repo, title, body, ""); err != nil {
		l.log.Warn("failed to file scheduled audit issue", "repo", repo, "error", err.Error())
	}
}
