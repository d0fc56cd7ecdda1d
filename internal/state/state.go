// Package state implements ThreadStateManager: the in-memory bookkeeping
// the trigger router, reply handler, and proactive loop all share to
// avoid reacting twice to the same thing or replying on top of a cooldown.
// None of this is persisted; a restart begins with empty state, and
// nothing rebuilds it from chat history.
package state

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	dedupCapacity           = 2000
	adHocContinuityTTL      = time.Hour
	discussionReplayGuard   = 30 * time.Minute
	discussionResumeDelay   = 60 * time.Second
)

// Manager holds every piece of cross-component, per-channel-or-thread
// state nightwatch needs to avoid double-reacting or spamming a channel.
type Manager struct {
	mu sync.Mutex

	cooldownUntil      map[string]time.Time // channelID -> earliest next proactive post time
	adHocContinuity     map[string]time.Time // threadID -> expiry of "still counts as continuing this thread"
	channelLastActivity map[string]time.Time // channelID -> last observed human post time
	lastProactiveAt     map[string]time.Time // channelID -> last proactive sweep post
	lastAuditAt         map[string]time.Time // repo -> last audit-report triage
	replyCount          map[string]int       // threadID -> persona reply cadence counter

	dedup *lru

	inFlight singleflight.Group // keyed by trigger identity, collapses concurrent duplicate starts
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		cooldownUntil:       map[string]time.Time{},
		adHocContinuity:     map[string]time.Time{},
		channelLastActivity: map[string]time.Time{},
		lastProactiveAt:     map[string]time.Time{},
		lastAuditAt:         map[string]time.Time{},
		replyCount:          map[string]int{},
		dedup:               newLRU(dedupCapacity),
	}
}

// SeenTrigger records a key (the router uses "channel:ts:message") against
// the dedup guard and reports whether it is already among the last
// dedupCapacity keys recorded. There is no time window; only capacity
// evicts a key.
func (m *Manager) SeenTrigger(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dedup.Seen(key)
}

// StartOnce coalesces concurrent calls with the same key into a single
// execution of fn, the in-flight-futures-map requirement from the
// concurrency model, implemented directly with singleflight.
func (m *Manager) StartOnce(key string, fn func() (any, error)) (any, error, bool) {
	v, err, shared := m.inFlight.Do(key, fn)
	return v, err, shared
}

// MarkCooldown sets channelID's earliest allowed next proactive post time.
func (m *Manager) MarkCooldown(channelID string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldownUntil[channelID] = until
}

// InCooldown reports whether channelID is still inside its cooldown
// window as of now.
func (m *Manager) InCooldown(channelID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldownUntil[channelID]
	return ok && now.Before(until)
}

// MarkContinuity records that threadID is being actively continued,
// valid for adHocContinuityTTL.
func (m *Manager) MarkContinuity(threadID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adHocContinuity[threadID] = now.Add(adHocContinuityTTL)
}

// IsContinuity reports whether threadID's continuity window is still open.
func (m *Manager) IsContinuity(threadID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.adHocContinuity[threadID]
	return ok && now.Before(expiry)
}

// TouchChannelActivity records the latest human post time for channelID.
func (m *Manager) TouchChannelActivity(channelID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.channelLastActivity[channelID]; !ok || at.After(existing) {
		m.channelLastActivity[channelID] = at
	}
}

// LastChannelActivity returns the last recorded human post time, and
// whether one has been observed at all.
func (m *Manager) LastChannelActivity(channelID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.channelLastActivity[channelID]
	return t, ok
}

// ShouldSweepProactive reports whether channelID is due for another
// proactive sweep post, respecting discussionResumeDelay since the last
// one.
func (m *Manager) ShouldSweepProactive(channelID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastProactiveAt[channelID]
	if ok && now.Sub(last) < discussionResumeDelay {
		return false
	}
	m.lastProactiveAt[channelID] = now
	return true
}

// ShouldAudit reports whether repo is due for another audit-report
// triage pass, throttled to once per discussionReplayGuard window.
func (m *Manager) ShouldAudit(repo string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastAuditAt[repo]
	if ok && now.Sub(last) < discussionReplayGuard {
		return false
	}
	m.lastAuditAt[repo] = now
	return true
}

// IncrementReplyCount bumps threadID's persona-reply cadence counter and
// returns the new value, used to enforce MAX_AGENT_THREAD_REPLIES.
func (m *Manager) IncrementReplyCount(threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyCount[threadID]++
	return m.replyCount[threadID]
}

// ReplyCount returns threadID's current cadence counter without
// incrementing it.
func (m *Manager) ReplyCount(threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replyCount[threadID]
}

// ResetReplyCount clears threadID's cadence counter, e.g. when a human
// re-engages a dormant thread.
func (m *Manager) ResetReplyCount(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replyCount, threadID)
}
