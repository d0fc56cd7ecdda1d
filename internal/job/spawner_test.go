package job

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildEnvCarriesTargetPRAndSlackFeedback(t *testing.T) {
	s := &Spawner{}
	env, err := s.buildEnv(Request{
		PRNumber: "42",
		SlackFeedback: &SlackFeedback{
			Source: "slack", Kind: "merge_conflict_resolution", PRNumber: "42",
			Changes: "Resolve merge conflicts and stabilize the PR for re-review.",
		},
	})
	require.NoError(t, err)

	require.Contains(t, env, "NW_EXECUTION_CONTEXT=agent")
	require.Contains(t, env, "NW_TARGET_PR=42")

	var feedbackVar string
	for _, kv := range env {
		if strings.HasPrefix(kv, "NW_SLACK_FEEDBACK=") {
			feedbackVar = strings.TrimPrefix(kv, "NW_SLACK_FEEDBACK=")
		}
	}
	require.Contains(t, feedbackVar, `"prNumber":"42"`)
	require.Contains(t, feedbackVar, `"kind":"merge_conflict_resolution"`)
}

func TestRollingWriterCapsOutput(t *testing.T) {
	var buf bytes.Buffer
	w := &rollingWriter{buf: &buf, cap: 10}

	_, err := w.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	require.LessOrEqual(t, buf.Len(), 10)
	require.True(t, strings.HasSuffix(buf.String(), "ABCDEF") || len(buf.String()) <= 10)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "hello", truncate("hello", 10))
	require.Equal(t, "hel...", truncate("hello", 3))
}

func TestTail(t *testing.T) {
	require.Equal(t, "hello", tail("hello", 10))
	require.Equal(t, "llo", tail("hello", 3))
}
