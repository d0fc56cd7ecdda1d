// Package reply implements the Persona Reply Handler: deciding whether,
// and as which persona, to respond to a message inside an already-active
// thread: a per-thread cadence cap, an explicit @mention reply, and a
// skill-scored handoff to one persona when the thread is in ad-hoc
// continuity. There is no piggyback reply, no follow-up of a persona
// mentioned earlier, and never more than one persona replies per message.
package reply

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nightwatch-bot/nightwatch/internal/discussion"
	"github.com/nightwatch-bot/nightwatch/internal/parser"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

// Handler decides how to respond to an inbound event inside a thread that
// has no active discussion anchored to it.
type Handler struct {
	log       hclog.Logger
	engine    *discussion.Engine
	personas  *persona.Store
	state     *state.Manager
}

// NewHandler wires a Handler.
func NewHandler(log hclog.Logger, engine *discussion.Engine, personas *persona.Store, mgr *state.Manager) *Handler {
	return &Handler{log: log, engine: engine, personas: personas, state: mgr}
}

// Handle processes a human message inside thread rootID and decides the
// reply strategy: cadence cutoff, explicit @mention, or a handoff to the
// single best-fit persona.
func (h *Handler) Handle(ctx context.Context, evt transport.InboundEvent, rootID string) error {
	if evt.IsBot {
		return nil
	}

	if h.state.IncrementReplyCount(rootID) > discussion.MaxAgentThreadReplies {
		h.log.Debug("thread cadence cap reached, standing down", "root_id", rootID)
		return nil
	}

	personas, err := h.personas.GetActive(ctx)
	if err != nil {
		return err
	}
	if len(personas) == 0 {
		return nil
	}

	now := eventTime(evt)

	if name, ok := parser.MentionsAny(evt.Message, personaNames(personas)); ok {
		p := findByName(personas, name)
		if p != nil {
			h.state.MarkContinuity(rootID, now)
			return h.engine.ReplyAsAgent(ctx, evt.ChannelID, rootID, p, evt.Message)
		}
	}

	if h.state.IsContinuity(rootID, now) {
		best := handoffCandidate(personas, evt.Message)
		return h.engine.ReplyAsAgent(ctx, evt.ChannelID, rootID, best, evt.Message)
	}

	return nil
}

func eventTime(evt transport.InboundEvent) time.Time {
	if evt.CreatedAtMS == 0 {
		return time.Now()
	}
	return time.UnixMilli(evt.CreatedAtMS)
}

func personaNames(personas []*persona.Persona) []string {
	names := make([]string, 0, len(personas))
	for _, p := range personas {
		names = append(names, p.Name)
	}
	return names
}

func findByName(personas []*persona.Persona, name string) *persona.Persona {
	for _, p := range personas {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// handoffCandidate scores each persona by how many of their declared
// skills appear as keywords in message, and returns the best match,
// falling back to the first active persona if nothing scores above zero.
func handoffCandidate(personas []*persona.Persona, message string) *persona.Persona {
	lower := strings.ToLower(message)
	best := personas[0]
	bestScore := -1
	for _, p := range personas {
		score := 0
		for _, skill := range p.Skills {
			if strings.Contains(lower, strings.ToLower(skill)) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}
