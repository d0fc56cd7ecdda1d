package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMentionsAnyCaseInsensitive(t *testing.T) {
	name, ok := MentionsAny("hey @Maya can you look", []string{"maya", "carlos"})
	require.True(t, ok)
	require.Equal(t, "maya", name)
}

func TestPlainNameMentionIgnoresUserMentionTokens(t *testing.T) {
	name, ok := PlainNameMention("hey @U0123ABCDEF carlos can you take this", []string{"carlos"})
	require.True(t, ok)
	require.Equal(t, "carlos", name)
}

func TestIsAmbientCandidate(t *testing.T) {
	require.True(t, IsAmbientCandidate("hey team how is everyone doing today"))
	require.False(t, IsAmbientCandidate("have a great weekend everyone"))
}

func TestExtractGitHubIssueUrlsClassification(t *testing.T) {
	text := "see https://github.com/acme/widgets/issues/9 and also https://example.com/page and <https://github.com/acme/widgets/pull/3|PR 3>"
	gh := ExtractGitHubIssueUrls(text)
	require.Contains(t, gh, "https://github.com/acme/widgets/issues/9")
	require.Contains(t, gh, "https://github.com/acme/widgets/pull/3")

	generic := ExtractGenericUrls(text)
	require.Contains(t, generic, "https://example.com/page")
	require.NotContains(t, generic, "https://github.com/acme/widgets/issues/9")
}

func TestParseProviderRequestGrammar(t *testing.T) {
	req, ok := ParseProviderRequest("please run claude for acme/widgets fix the flaky test")
	require.True(t, ok)
	require.Equal(t, "claude", req.Provider)
	require.Equal(t, "acme/widgets", req.ProjectHint)
	require.Equal(t, "fix the flaky test", req.Prompt)
}

func TestParseSlackJobRequestStopwords(t *testing.T) {
	req, ok := ParseSlackJobRequest("run for the project please")
	require.True(t, ok)
	require.Equal(t, "run", req.Job)
	require.Empty(t, req.ProjectHint)
}

func TestParseSlackJobRequestPRReferenceWithMergeConflict(t *testing.T) {
	req, ok := ParseSlackJobRequest("please review https://github.com/org/repo/pull/42, merge conflicts")
	require.True(t, ok)
	require.Equal(t, "review", req.Job)
	require.Equal(t, "42", req.PRNumber)
	require.True(t, req.FixConflicts)
}

func TestParseSlackJobRequestHashNotInURL(t *testing.T) {
	_, ok := ParseSlackJobRequest("check out https://example.com/page#42 sometime")
	require.False(t, ok)
}

func TestParseIssuePickupRequiresIntentOrTeamLanguage(t *testing.T) {
	pickup, ok := ParseIssuePickup("can someone pick up https://github.com/acme/widgets/issues/9")
	require.True(t, ok)
	require.Equal(t, "acme", pickup.Owner)
	require.Equal(t, "widgets", pickup.Repo)
	require.Equal(t, 9, pickup.Number)

	_, ok = ParseIssuePickup("https://github.com/acme/widgets/issues/9 is interesting")
	require.False(t, ok)
}

func TestBuildIssueTitleFormat(t *testing.T) {
	require.Equal(t, "fix: nil pointer deref at handler.go:42", BuildIssueTitle("nil pointer deref", "handler.go:42"))
	require.Equal(t, "fix: an issue at an unspecified location", BuildIssueTitle("", ""))
}

func TestBuildAuditIssueTitleStripsLeadVerbAndPunctuation(t *testing.T) {
	title := BuildAuditIssueTitle("Found a flaky assertion in the retry loop.")
	require.Equal(t, "fix: a flaky assertion in the retry loop", title)
	require.LessOrEqual(t, len(title), 85)
}

func TestNormalizeForParsingPreservesFilePaths(t *testing.T) {
	out := NormalizeForParsing("Hey @U0123ABCD   look at   foo/bar.ts please")
	require.Contains(t, out, "foo/bar.ts")
	require.NotContains(t, out, "@u0123abcd")
}
