// Package parser implements the Message Parser: a collection of pure
// functions recognizing the chat grammars the Trigger Router and
// Deliberation Engine depend on — direct LLM-provider invocation, job/PR
// reference requests, issue pickup, persona mentions, URL classification,
// and the opening-message templates a freshly started discussion posts.
package parser

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
)

var (
	// reMention matches "@name" mentions.
	reMention = regexp.MustCompile(`@([a-zA-Z0-9_.-]{2,32})`)

	// reGitHubURL matches a bare github.com issue or PR URL.
	reGitHubURL = regexp.MustCompile(`https?://github\.com/([^/\s]+)/([^/\s]+)/(issues|pull)/(\d+)`)
	// reGenericURL matches any http(s) URL.
	reGenericURL = regexp.MustCompile(`https?://[^\s)>\]]+`)
	// reBracketURL matches Slack/Mattermost's "<url|label>" link form.
	reBracketURL = regexp.MustCompile(`<(https?://[^\s|>]+)(?:\|[^>]*)?>`)

	// rePRPath matches a bare "/pull/N" path fragment, independent of host.
	rePRPath = regexp.MustCompile(`(?:^|[^/\w])pull/(\d+)`)
	// rePRHash matches a "#N" shorthand PR/issue reference, rejecting one
	// embedded in a URL-like token (preceded by a slash or another digit).
	rePRHash = regexp.MustCompile(`(?:^|[^\w/])#(\d+)\b`)
	// reProjectBoardIssue matches the "?issue=<owner>|<repo>|<n>" board-style
	// issue reference.
	reProjectBoardIssue = regexp.MustCompile(`\?issue=([a-zA-Z0-9._-]+)\|([a-zA-Z0-9._-]+)\|(\d+)`)

	// reMergeConflict flags "merge conflict(s)" language anywhere in text.
	reMergeConflict = regexp.MustCompile(`(?i)merge\s+conflicts?`)

	// reProviderGrammar recognizes the direct LLM-provider invocation
	// grammar from §4.1 step 3: optional politeness, optional verb, the
	// provider name, optional "for|on <hint>", remainder is the prompt.
	reProviderGrammar = regexp.MustCompile(`(?i)^\s*(?:please\s+|can\s+you\s+|someone\s+)?` +
		`(?:run|use|invoke|trigger|ask)?\s*` +
		`(claude|codex)\b\s*` +
		`(?:(?:for|on)\s+([a-zA-Z0-9._/-]+)\s*)?` +
		`(.*)$`)

	// reJobVerb recognizes the explicit job verbs from §4.1 step 4a.
	reJobVerb = regexp.MustCompile(`(?i)\b(run|review|qa)\b`)
	// reJobHint recognizes "for/on <hint>" trailing a job verb.
	reJobHint = regexp.MustCompile(`(?i)\b(?:for|on)\s+([a-zA-Z0-9._/-]+)`)

	// rePickupIntent recognizes the issue-pickup intent phrases from §4.1
	// step 5.
	rePickupIntent = regexp.MustCompile(`(?i)\b(pick\s*up|pickup|work\s+on|implement|tackle|start\s+on|grab|handle\s+this|ship\s+this)\b`)
	// reTeamRequest recognizes team-request language gating several steps.
	reTeamRequest = regexp.MustCompile(`(?i)\b(please|someone|can\s+someone|need|anyone)\b`)

	// reAmbientGreeting matches the ambient-chatter opener keywords.
	reAmbientGreeting = regexp.MustCompile(`(?i)^\s*(hey|hi|hello|yo|sup)\b`)
	reAmbientGroup    = regexp.MustCompile(`(?i)\b(guys|team|everyone|folks)\b`)

	// reFilePath matches a plausible source file path segment
	// ("foo/bar.ts"), preserved by normalizeForParsing.
	reFilePath = regexp.MustCompile(`\b[\w.-]+(?:/[\w.-]+)+\.[a-zA-Z0-9]{1,8}\b`)

	// reUserMention matches a platform "@U0123" user-id mention token.
	reUserMention = regexp.MustCompile(`@[UW][A-Z0-9]{6,}\b`)

	reLocationLine = regexp.MustCompile(`(?im)^Location:\s*(.+)$`)
	reSignalLine   = regexp.MustCompile(`(?im)^Signal:\s*(.+)$`)
	reSnippetLine  = regexp.MustCompile(`(?ims)^Snippet:\s*\n?(.+)$`)

	reAuditLeadVerb = regexp.MustCompile(`(?i)^(found|noticed|flagging|caught)\s+`)
)

// projectHintStopwords are never accepted as a project hint even if the
// grammar would otherwise capture them.
var projectHintStopwords = map[string]bool{
	"and": true, "or": true, "for": true, "on": true, "of": true, "please": true,
	"now": true, "it": true, "this": true, "these": true, "those": true, "the": true,
	"a": true, "an": true, "pr": true, "pull": true, "that": true, "thanks": true,
	"thank": true, "again": true, "job": true, "pipeline": true,
}

// ExtractGitHubIssueUrls returns every github.com URL in text whose path
// contains /issues/<n> or /pull/<n>.
func ExtractGitHubIssueUrls(text string) []string {
	var out []string
	for _, m := range reGitHubURL.FindAllString(text, -1) {
		out = append(out, m)
	}
	return out
}

// ExtractGenericUrls returns plain http(s) URLs plus the URL half of
// bracket-wrapped "<url|label>" links, excluding any GitHub issue/PR URL.
func ExtractGenericUrls(text string) []string {
	githubSet := map[string]bool{}
	for _, u := range ExtractGitHubIssueUrls(text) {
		githubSet[u] = true
	}

	var out []string
	seen := map[string]bool{}
	for _, m := range reBracketURL.FindAllStringSubmatch(text, -1) {
		if !githubSet[m[1]] && !seen[m[1]] {
			out = append(out, m[1])
			seen[m[1]] = true
		}
	}
	for _, m := range reGenericURL.FindAllString(text, -1) {
		if !githubSet[m] && !seen[m] {
			out = append(out, m)
			seen[m] = true
		}
	}
	return out
}

// NormalizeForParsing lowercases text, collapses whitespace, and strips
// platform user-mention tokens, but preserves file-path segments (e.g.
// "foo/bar.ts") a naive whitespace-collapse would otherwise mangle.
func NormalizeForParsing(text string) string {
	placeholders := map[string]string{}
	guarded := reFilePath.ReplaceAllStringFunc(text, func(m string) string {
		key := "\x00FP" + strconv.Itoa(len(placeholders)) + "\x00"
		placeholders[key] = m
		return key
	})

	guarded = reUserMention.ReplaceAllString(guarded, "")
	guarded = strings.ToLower(guarded)
	fields := strings.Fields(guarded)
	out := strings.TrimSpace(strings.Join(fields, " "))

	for key, original := range placeholders {
		out = strings.ReplaceAll(out, strings.ToLower(key), original)
	}
	return out
}

// MentionsAny reports whether message @mentions any of the given names,
// case-insensitively.
func MentionsAny(message string, names []string) (string, bool) {
	for _, m := range reMention.FindAllStringSubmatch(message, -1) {
		for _, name := range names {
			if strings.EqualFold(m[1], name) {
				return name, true
			}
		}
	}
	return "", false
}

// HasAnyMention reports whether message contains any @mention at all,
// used by the router before it knows the active persona roster.
func HasAnyMention(message string) bool {
	return reMention.MatchString(message)
}

// PlainNameMention reports whether any of names appears as a
// word-boundary match in message once platform user-mention tokens are
// stripped (§4.1 step 7).
func PlainNameMention(message string, names []string) (string, bool) {
	stripped := reUserMention.ReplaceAllString(message, "")
	lower := strings.ToLower(stripped)
	for _, name := range names {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(name)) + `\b`)
		if re.MatchString(lower) {
			return name, true
		}
	}
	return "", false
}

// IsAmbientCandidate reports whether message looks like ambient team
// chatter: begins with a greeting and either addresses the group or is
// short (§4.1 step 11).
func IsAmbientCandidate(message string) bool {
	trimmed := strings.TrimSpace(message)
	if !reAmbientGreeting.MatchString(trimmed) {
		return false
	}
	if reAmbientGroup.MatchString(trimmed) {
		return true
	}
	return len(strings.Fields(trimmed)) <= 6
}

// ProviderRequest is the parse of a direct LLM-provider invocation.
type ProviderRequest struct {
	Provider    string // "claude" | "codex"
	ProjectHint string
	Prompt      string
}

// ParseProviderRequest recognizes the §4.1 step-3 grammar: optional
// politeness, optional verb, provider name, optional "for|on <hint>",
// remainder as prompt.
func ParseProviderRequest(message string) (ProviderRequest, bool) {
	m := reProviderGrammar.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return ProviderRequest{}, false
	}
	hint := cleanHint(m[2])
	return ProviderRequest{
		Provider:    strings.ToLower(m[1]),
		ProjectHint: hint,
		Prompt:      strings.TrimSpace(m[3]),
	}, true
}

// JobRequest is the parse of a job grammar match (§4.1 step 4).
type JobRequest struct {
	Job          string // "run" | "review" | "qa"
	ProjectHint  string
	PRNumber     string
	FixConflicts bool
}

// ParseSlackJobRequest recognizes explicit job verbs, bare PR references,
// and "merge conflict" language promoting a PR reference to a review job.
func ParseSlackJobRequest(message string) (JobRequest, bool) {
	req := JobRequest{}
	matchedAnything := false

	if m := reJobVerb.FindStringSubmatch(message); m != nil {
		req.Job = strings.ToLower(m[1])
		matchedAnything = true
	}

	if pr, ok := extractPRNumber(message); ok {
		req.PRNumber = pr
		matchedAnything = true
		if req.Job == "" {
			req.Job = "review"
		}
	}

	if reMergeConflict.MatchString(message) && req.PRNumber != "" {
		req.Job = "review"
		req.FixConflicts = true
	}

	if !matchedAnything {
		return JobRequest{}, false
	}

	if m := reJobHint.FindStringSubmatch(message); m != nil {
		req.ProjectHint = cleanHint(m[1])
	}

	return req, true
}

// IsJobRequest reports whether message's bot-addressed or team-request
// gate plus a job/PR grammar match would route it to the job spawner.
func IsJobRequest(message string) bool {
	req, ok := ParseSlackJobRequest(message)
	if !ok {
		return false
	}
	return req.Job != "" || req.PRNumber != ""
}

// extractPRNumber finds a bare PR reference: a github.com pull URL, a
// "/pull/N" path, or a "#N" shorthand that is not embedded in a URL-like
// token.
func extractPRNumber(message string) (string, bool) {
	if m := reGitHubURL.FindStringSubmatch(message); m != nil && m[3] == "pull" {
		return m[4], true
	}
	if m := rePRPath.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	if m := rePRHash.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	return "", false
}

func cleanHint(hint string) string {
	hint = strings.TrimSpace(strings.Trim(hint, ".,!?"))
	if hint == "" {
		return ""
	}
	if projectHintStopwords[strings.ToLower(hint)] {
		return ""
	}
	return hint
}

// IssuePickup is the parse of an issue-pickup reference (§4.1 step 5).
type IssuePickup struct {
	Owner  string
	Repo   string
	Number int
}

// ParseIssuePickup recognizes a GitHub issue URL or project-board style
// "?issue=<owner>|<repo>|<n>" reference, gated on pickup-intent or
// team-request language.
func ParseIssuePickup(message string) (IssuePickup, bool) {
	if !rePickupIntent.MatchString(message) && !reTeamRequest.MatchString(message) {
		return IssuePickup{}, false
	}

	if m := reGitHubURL.FindStringSubmatch(message); m != nil && m[3] == "issues" {
		n, err := strconv.Atoi(m[4])
		if err != nil {
			return IssuePickup{}, false
		}
		return IssuePickup{Owner: m[1], Repo: m[2], Number: n}, true
	}

	if m := reProjectBoardIssue.FindStringSubmatch(message); m != nil {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return IssuePickup{}, false
		}
		return IssuePickup{Owner: m[1], Repo: m[2], Number: n}, true
	}

	return IssuePickup{}, false
}

// BuildIssueTitle constructs a code_watch issue title:
// "fix: <signal> at <location>", each component defaulting to generic
// text when the audit report didn't supply one.
func BuildIssueTitle(signal, location string) string {
	if strings.TrimSpace(signal) == "" {
		signal = "an issue"
	}
	if strings.TrimSpace(location) == "" {
		location = "an unspecified location"
	}
	return "fix: " + signal + " at " + location
}

// BuildAuditIssueTitle turns a one-line audit-report finding into an issue
// title: "fix: " plus the lowercased line with terminal punctuation
// stripped and a leading verb from {found, noticed, flagging, caught}
// removed, truncated to <=80 characters of body (<=85 total with prefix).
func BuildAuditIssueTitle(line string) string {
	body := strings.ToLower(strings.TrimSpace(line))
	body = reAuditLeadVerb.ReplaceAllString(body, "")
	body = strings.TrimRight(body, ".!? \t")
	if len(body) > 80 {
		cut := body[:80]
		if idx := strings.LastIndex(cut, " "); idx > 40 {
			cut = cut[:idx]
		}
		body = cut
	}
	return "fix: " + body
}

// OpeningMessage renders the opening line a freshly started discussion is
// seeded with, selected deterministically by a hash of trigger.Ref modulo
// the template count for multi-template trigger types.
func OpeningMessage(triggerType, ref, context, url string) string {
	switch triggerType {
	case "pr_review":
		templates := []string{
			"Opened PR#%s. Taking a look now.",
			"New PR up: #%s. Pulling the team in.",
			"PR #%s just landed, let's give it a pass.",
			"Reviewing #%s now, back shortly.",
		}
		line := templates[hashMod(ref, len(templates))]
		msg := replacePlaceholder(line, ref)
		if url != "" {
			msg += " " + url
		}
		return msg
	case "build_failure":
		return "Build broke on " + ref + ". Looking into it.\n\n" + truncateContext(context, 500)
	case "prd_kickoff":
		return "Picking up " + ref + ". Going to start carving out the implementation."
	case "code_watch":
		location := firstSubmatch(reLocationLine, context, "an unspecified location")
		signal := firstSubmatch(reSignalLine, context, "an issue")
		templates := []string{
			"Flagging %s at %s.",
			"Caught something: %s at %s.",
			"Heads up, %s at %s.",
			"Found %s at %s.",
			"Noticed %s at %s while watching the repo: flagging it.",
		}
		line := templates[hashMod(ref, len(templates))]
		msg := strings.Replace(line, "%s", signal, 1)
		msg = strings.Replace(msg, "%s", location, 1)
		if m := reSnippetLine.FindStringSubmatch(context); m != nil {
			msg += "\n```\n" + strings.TrimSpace(m[1]) + "\n```"
		}
		return msg
	default:
		return truncateContext(context, 500)
	}
}

func replacePlaceholder(template, ref string) string {
	return strings.Replace(template, "%s", ref, 1)
}

func firstSubmatch(re *regexp.Regexp, text, fallback string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return fallback
}

func truncateContext(context string, max int) string {
	if len(context) <= max {
		return context
	}
	return context[:max]
}

// hashMod deterministically hashes ref into [0, mod).
func hashMod(ref string, mod int) int {
	if mod <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ref))
	return int(h.Sum32()) % mod
}
