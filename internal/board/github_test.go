package board

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePRURL(t *testing.T) {
	b := &GitHubBoard{}
	repo, number, ok := b.ParsePRURL("https://github.com/acme/widgets/pull/42")
	require.True(t, ok)
	require.Equal(t, "acme/widgets", repo)
	require.Equal(t, 42, number)
}

func TestParsePRURLRejectsNonPR(t *testing.T) {
	b := &GitHubBoard{}
	_, _, ok := b.ParsePRURL("https://github.com/acme/widgets/issues/7")
	require.False(t, ok)
}

func TestParseIssueURL(t *testing.T) {
	owner, name, number, err := parseIssueURL("https://github.com/acme/widgets/issues/9")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", name)
	require.Equal(t, 9, number)
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("acme/widgets")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", name)

	_, _, err = splitRepo("not-a-repo")
	require.Error(t, err)
}
