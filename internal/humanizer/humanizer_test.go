package humanizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHumanizeStripsMarkdownAndCannedPhrases(t *testing.T) {
	raw := "## Summary\n\nI hope this helps! The fix changes the **retry** logic."
	out := Humanize(raw, DefaultConfig(), NewSentenceLedger())

	require.NotContains(t, out, "#")
	require.NotContains(t, out, "**")
	require.NotContains(t, out, "I hope this helps")
	require.Contains(t, out, "retry")
}

func TestHumanizeDedupesAcrossCalls(t *testing.T) {
	ledger := NewSentenceLedger()
	cfg := DefaultConfig()

	first := Humanize("The build is failing on main.", cfg, ledger)
	second := Humanize("The build is failing on main.", cfg, ledger)

	require.Contains(t, first, "build is failing")
	require.Empty(t, second)
}

func TestHumanizeRespectsSkipPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipPipeline = true

	raw := "## raw diff content **unchanged**"
	out := Humanize(raw, cfg, NewSentenceLedger())
	require.Equal(t, raw, out)
}

func TestHumanizeTrimsToCharLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChars = 20
	cfg.MaxSentences = 0

	out := Humanize("This is a long sentence that should be truncated for sure.", cfg, NewSentenceLedger())
	require.LessOrEqual(t, len(out), 20) // the trailing "..." is ASCII and counts toward MaxChars
}

func TestHumanizeStripsDisallowedEmoji(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowEmoji = false

	out := Humanize("Shipped it \U0001F680 looks good.", cfg, NewSentenceLedger())
	require.NotContains(t, out, "\U0001F680")
}

func TestHumanizeSkipPassThrough(t *testing.T) {
	require.Equal(t, "SKIP", Humanize("SKIP", DefaultConfig(), NewSentenceLedger()))
	require.Equal(t, "SKIP", Humanize("  skip  ", DefaultConfig(), NewSentenceLedger()))
}

func TestHumanizeIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	raw := "## Heading\n\nShipped it \U0001F680 and fixed the **bug**, looks good."
	once := Humanize(raw, cfg, NewSentenceLedger())
	twice := Humanize(once, cfg, NewSentenceLedger())
	require.Equal(t, once, twice)
}

func TestDedupeRepeatedSentencesIsGlobal(t *testing.T) {
	require.Equal(t, "Good. Bad.", DedupeRepeatedSentences("Good. Good. Bad. Good."))
}

func TestHumanizeEmojiPolicyKeepsAtMostOneFacial(t *testing.T) {
	cfg := DefaultConfig()
	out := Humanize("Nice \U0001F680 work \U0001F600 team \U0001F389!", cfg, NewSentenceLedger())

	facial := reFacialEmoji.FindAllString(out, -1)
	all := rePictograph.FindAllString(out, -1)
	require.Len(t, all, 1)
	require.Equal(t, "\U0001F600", facial[0])
}

func TestHumanizeCharTrimUsesLiteralEllipsis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSentences = 0
	cfg.MaxChars = 10

	out := Humanize("This sentence is much longer than the limit allows for sure.", cfg, NewSentenceLedger())
	require.True(t, strings.HasSuffix(out, "..."))
	require.False(t, strings.Contains(out, "…"))
}
