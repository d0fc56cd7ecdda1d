// Package job implements the Job Spawner: forking the running
// executable as a subprocess to carry out a bounded unit of work (a run,
// review, qa, or audit pass), capturing its output, and reporting the
// result back into chat; and executing an LLM provider binary directly
// for one-off requests that bypass the deliberation engine entirely.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

// outputBufferCap is the rolling cap on captured subprocess output kept
// in memory, to bound memory use for a runaway or very chatty job.
const outputBufferCap = 12000

// Kind enumerates the subcommands a spawned process can be asked to run,
// matching the cmd/nightwatch subcommand surface.
type Kind string

const (
	KindRun    Kind = "run"
	KindReview Kind = "review"
	KindQA     Kind = "qa"
	KindAudit  Kind = "audit"
	KindBoard  Kind = "board"
)

// SlackFeedback is the JSON blob passed via NW_SLACK_FEEDBACK for review
// refinement: a job spawned because a Slack conversation asked for
// changes, carrying enough context for the reviewer subprocess to act on
// without re-deriving it from chat history.
type SlackFeedback struct {
	Source   string `json:"source"`
	Kind     string `json:"kind"`
	PRNumber string `json:"prNumber,omitempty"`
	Changes  string `json:"changes"`
}

// Request describes one unit of job-spawner work.
type Request struct {
	ChannelID    string
	RootID       string
	Project      string
	Persona      string
	Kind         Kind
	PRNumber     string
	IssueNumber  string
	SlackFeedback *SlackFeedback
}

// Result is what a spawned job reported back.
type Result struct {
	ExitCode int
	Output   string
	Err      error
}

// Spawner forks the running executable to carry out job requests.
type Spawner struct {
	log            hclog.Logger
	transport      transport.ChatTransport
	selfExecutable string

	mu      sync.Mutex
	running map[string]*exec.Cmd // rootID -> in-flight subprocess, for cancellation
}

// NewSpawner resolves the executable to self-fork (configuredPath if set,
// else os.Executable(), falling back to os.Args[0] only when
// os.Executable() returns an error) and returns a Spawner. A `go run`
// build is not detected.
func NewSpawner(log hclog.Logger, t transport.ChatTransport, configuredPath string) (*Spawner, error) {
	path := configuredPath
	if path == "" {
		resolved, err := os.Executable()
		if err != nil {
			path = os.Args[0] // dev-mode fallback
		} else {
			path = resolved
		}
	}
	return &Spawner{
		log:            log,
		transport:      t,
		selfExecutable: path,
		running:        map[string]*exec.Cmd{},
	}, nil
}

// perKindCompletionLine is the short user-visible line posted on a
// successful (exit 0) spawn, by kind.
var perKindCompletionLine = map[Kind]string{
	KindRun:    "Done running it.",
	KindReview: "Review pass finished.",
	KindQA:     "QA pass finished.",
	KindAudit:  "Audit finished.",
	KindBoard:  "Board update finished.",
}

// SpawnNightWatchJob invokes the self-executable with argv [kind] and the
// env hooks from §4.5, streams its output into a rolling buffer, and
// posts a per-kind completion line (or a failure line) back into the
// originating channel. Every terminal path is the caller's responsibility
// to record channel activity and persona cooldown.
func (s *Spawner) SpawnNightWatchJob(ctx context.Context, req Request) error {
	kind := req.Kind
	if kind == "" {
		kind = KindRun
	}

	env, err := s.buildEnv(req)
	if err != nil {
		return errors.Wrap(err, "failed to build job environment")
	}

	result := s.run(ctx, req.RootID, []string{string(kind)}, env, req.Project)

	var summary string
	switch {
	case result.Err != nil && result.ExitCode == -2:
		summary = "can't start right now."
	case result.Err != nil:
		summary = fmt.Sprintf("Hit a snag running %s, check the logs.", kind)
		s.log.Warn("job subprocess failed", "kind", kind, "output_tail", tail(result.Output, 2000))
	case result.ExitCode != 0:
		summary = fmt.Sprintf("Hit a snag running %s, check the logs.", kind)
		s.log.Warn("job subprocess exited non-zero", "kind", kind, "exit_code", result.ExitCode, "output_tail", tail(result.Output, 2000))
	default:
		summary = perKindCompletionLine[kind]
		if summary == "" {
			summary = "Done."
		}
	}

	_, postErr := s.transport.Post(ctx, req.ChannelID, summary, transport.PostOptions{
		PersonaName: req.Persona,
		RootID:      req.RootID,
	})
	return errors.Wrap(postErr, "failed to post job result")
}

func (s *Spawner) buildEnv(req Request) ([]string, error) {
	env := append(os.Environ(), "NW_EXECUTION_CONTEXT=agent")
	if req.PRNumber != "" {
		env = append(env, "NW_TARGET_PR="+req.PRNumber)
	}
	if req.IssueNumber != "" {
		env = append(env, "NW_TARGET_ISSUE="+req.IssueNumber)
	}
	if req.SlackFeedback != nil {
		payload, err := json.Marshal(req.SlackFeedback)
		if err != nil {
			return nil, err
		}
		env = append(env, "NW_SLACK_FEEDBACK="+string(payload))
	}
	return env, nil
}

// SpawnDirectProviderRequest executes the external claude or codex binary
// directly with provider-specific flags, for one-off requests that
// bypass the deliberation engine entirely (§4.1 step 3, §4.5).
func (s *Spawner) SpawnDirectProviderRequest(ctx context.Context, provider, project, prompt string) (*Result, error) {
	var args []string
	switch provider {
	case "claude":
		args = []string{"-p", prompt, "--dangerously-skip-permissions"}
	case "codex":
		args = []string{"--quiet", "--yolo", "--prompt", prompt}
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	cmd := exec.CommandContext(ctx, provider, args...)
	cmd.Dir = project

	var buf bytes.Buffer
	cmd.Stdout = &rollingWriter{buf: &buf, cap: outputBufferCap}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	err := cmd.Run()
	s.log.Debug("direct provider subprocess completed", "provider", provider, "duration", time.Since(start), "error", err)

	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return nil, errors.Wrapf(err, "couldn't kick off %s", provider)
		}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && exitCode == 0 {
		exitCode = -1
	}
	return &Result{ExitCode: exitCode, Output: buf.String(), Err: err}, nil
}

func (s *Spawner) run(ctx context.Context, key string, args, env []string, cwd string) Result {
	cmd := exec.CommandContext(ctx, s.selfExecutable, args...)
	cmd.Env = env
	cmd.Dir = cwd

	var buf bytes.Buffer
	cmd.Stdout = &rollingWriter{buf: &buf, cap: outputBufferCap}
	cmd.Stderr = cmd.Stdout

	s.mu.Lock()
	s.running[key] = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	start := time.Now()
	err := cmd.Run()
	s.log.Debug("job subprocess completed", "args", args, "duration", time.Since(start), "error", err)

	if _, ok := err.(*exec.Error); ok {
		return Result{ExitCode: -2, Err: err}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && exitCode == 0 {
		exitCode = -1
	}

	return Result{ExitCode: exitCode, Output: buf.String(), Err: err}
}

// Cancel stops the in-flight subprocess for key, if any.
func (s *Spawner) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.running[key]
	if !ok || cmd.Process == nil {
		return false
	}
	return cmd.Process.Kill() == nil
}

// rollingWriter caps buffered output at cap bytes, dropping the oldest
// data once exceeded, so a chatty or runaway job can't exhaust memory.
type rollingWriter struct {
	buf *bytes.Buffer
	cap int
}

func (w *rollingWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if w.buf.Len() > w.cap {
		excess := w.buf.Len() - w.cap
		w.buf.Next(excess)
	}
	return n, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
