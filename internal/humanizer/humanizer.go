// Package humanizer implements the deterministic post-processing pipeline
// every persona reply passes through before it's posted: SKIP pass-through,
// strip markdown down to plain prose, drop canned LLM phrases and duplicate
// sentences, enforce an emoji policy, and trim to a sane length.
package humanizer

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Config controls the trim limits and emoji policy for one Humanize call.
type Config struct {
	MaxSentences   int
	MaxChars       int
	AllowEmoji     bool
	AllowNonFacial bool
	SkipPipeline   bool // when set, Humanize returns its input unchanged
}

// DefaultConfig matches the persona reply handler's default posture: two
// sentences, 440 characters, one emoji preferring a facial one. Callers
// pass tighter limits for consensus verdicts (MaxSentences=1, no emoji).
func DefaultConfig() Config {
	return Config{MaxSentences: 2, MaxChars: 440, AllowEmoji: true, AllowNonFacial: true}
}

// ConsensusConfig is the tighter posture used for APPROVE/CHANGES/HUMAN
// and READY/CLOSE/DRAFT verdict lines.
func ConsensusConfig() Config {
	return Config{MaxSentences: 1, MaxChars: 440, AllowEmoji: false}
}

// cannedPhrases are stock LLM filler the humanizer strips wholesale,
// case-insensitively, as leading-phrase matches.
var cannedPhrases = []string{
	"great question",
	"of course",
	"certainly",
	"you're absolutely right",
	"i hope this helps",
}

var (
	reSentenceSplit = regexp.MustCompile(`(?s)([^.!?]+[.!?]+)`)
	reMultiSpace    = regexp.MustCompile(`[ \t]+`)

	// reFacialEmoji matches the facial-emotion pictograph ranges the policy
	// prefers to keep.
	reFacialEmoji = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F910}-\x{1F92F}\x{1F970}-\x{1F97A}]`)
	// rePictograph matches any Extended-Pictographic character broadly
	// enough to cover the emoji this bot is expected to emit.
	rePictograph = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`)
)

// IsSkipMessage reports whether s is the case-insensitive, whitespace-
// tolerant SKIP sentinel an LLM persona uses to opt out of speaking.
func IsSkipMessage(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "SKIP")
}

// Humanize runs the full pipeline in order: SKIP pass-through, markdown
// strip, canned-phrase removal, global sentence dedup, emoji policy,
// sentence-count trim, char-count trim. Passing cfg.SkipPipeline returns
// text unchanged, for content (e.g. raw diffs or logs) that must not be
// touched.
func Humanize(raw string, cfg Config, seen *SentenceLedger) string {
	if IsSkipMessage(raw) {
		return "SKIP"
	}
	if cfg.SkipPipeline {
		return raw
	}

	text := stripMarkdown(raw)
	text = removeCannedPhrases(text)
	text = dedupSentences(text, seen)
	text = applyEmojiPolicy(text, cfg.AllowEmoji, cfg.AllowNonFacial)
	text = trimToSentenceCount(text, cfg.MaxSentences)
	text = trimToCharCount(text, cfg.MaxChars)
	return strings.TrimSpace(text)
}

// stripMarkdown walks a goldmark AST and emits plain text, dropping
// heading markers, bullet markers, and bold/italic emphasis markup while
// keeping the underlying words (and inline code spans' literal text).
func stripMarkdown(raw string) string {
	md := goldmark.New()
	reader := text.NewReader([]byte(raw))
	doc := md.Parser().Parse(reader)

	var buf bytes.Buffer
	source := []byte(raw)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.Kind() {
			case ast.KindParagraph, ast.KindHeading, ast.KindListItem:
				buf.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		if n.Kind() == ast.KindText {
			t := n.(*ast.Text)
			buf.Write(t.Segment.Value(source))
		}
		if n.Kind() == ast.KindCodeSpan {
			// Preserve the literal text inside inline backticks rather
			// than dropping it.
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if txt, ok := c.(*ast.Text); ok {
					buf.Write(txt.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	out := buf.String()
	if strings.TrimSpace(out) == "" {
		// Fallback for inputs goldmark treats as structurally empty
		// (e.g. a single inline code span); don't silently drop content.
		return raw
	}
	return reMultiSpace.ReplaceAllString(out, " ")
}

func removeCannedPhrases(input string) string {
	sentences := splitSentences(input)
	var kept []string
	for _, s := range sentences {
		norm := strings.ToLower(strings.TrimSpace(s))
		dropped := false
		for _, phrase := range cannedPhrases {
			if strings.HasPrefix(norm, phrase) {
				dropped = true
				break
			}
		}
		if !dropped {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

// SentenceLedger tracks sentences already posted in a discussion so the
// dedup step can drop a persona repeating what another persona already
// said, the "global" dedup spec describes (scoped per discussion, not
// per message).
type SentenceLedger struct {
	seen map[string]bool
}

// NewSentenceLedger returns an empty ledger.
func NewSentenceLedger() *SentenceLedger {
	return &SentenceLedger{seen: map[string]bool{}}
}

func dedupSentences(input string, ledger *SentenceLedger) string {
	sentences := splitSentences(input)
	var kept []string
	local := map[string]bool{}
	for _, s := range sentences {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" || local[key] {
			continue
		}
		if ledger != nil && ledger.seen[key] {
			continue
		}
		local[key] = true
		if ledger != nil {
			ledger.seen[key] = true
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, " ")
}

// DedupeRepeatedSentences is the exported, ledger-free form of the global
// sentence dedup used directly by tests and one-shot callers:
// DedupeRepeatedSentences("Good. Good. Bad. Good.") == "Good. Bad."
func DedupeRepeatedSentences(input string) string {
	return dedupSentences(input, nil)
}

func splitSentences(input string) []string {
	var out []string
	for _, line := range strings.Split(input, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		matches := reSentenceSplit.FindAllString(line, -1)
		if matches == nil {
			out = append(out, strings.TrimSpace(line))
			continue
		}
		for _, m := range matches {
			if strings.TrimSpace(m) != "" {
				out = append(out, strings.TrimSpace(m))
			}
		}
	}
	return out
}

// applyEmojiPolicy strips every pictograph when allowEmoji is false. Else
// it prefers the first facial emoji; if none is present and allowNonFacial
// is set, it keeps the first non-facial pictograph instead. In all cases
// every other pictograph is stripped, so at most one emoji survives.
func applyEmojiPolicy(input string, allowEmoji, allowNonFacial bool) string {
	if !allowEmoji {
		return rePictograph.ReplaceAllString(input, "")
	}

	facialLoc := reFacialEmoji.FindStringIndex(input)
	var keepLoc []int
	if facialLoc != nil {
		keepLoc = facialLoc
	} else if allowNonFacial {
		keepLoc = rePictograph.FindStringIndex(input)
	}

	if keepLoc == nil {
		return rePictograph.ReplaceAllString(input, "")
	}

	kept := input[keepLoc[0]:keepLoc[1]]
	before := rePictograph.ReplaceAllString(input[:keepLoc[0]], "")
	after := rePictograph.ReplaceAllString(input[keepLoc[1]:], "")
	return before + kept + after
}

func trimToSentenceCount(input string, max int) string {
	if max <= 0 {
		return input
	}
	sentences := splitSentences(input)
	if len(sentences) <= max {
		return strings.Join(sentences, " ")
	}
	return strings.Join(sentences[:max], " ")
}

// trimToCharCount hard-trims input to maxChars-3 and appends the literal
// "..." suffix when it exceeds maxChars, matching the spec's exact
// truncation marker (not a unicode ellipsis rune).
func trimToCharCount(input string, max int) string {
	if max <= 0 || len(input) <= max {
		return input
	}
	cut := max - 3
	if cut < 0 {
		cut = 0
	}
	if cut > len(input) {
		cut = len(input)
	}
	return strings.TrimSpace(input[:cut]) + "..."
}
