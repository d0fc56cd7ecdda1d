package board

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// cliFallback shells out to the gh CLI when the REST/GraphQL path fails,
// the same exec.Command subprocess pattern used elsewhere in the
// retrieved corpus for gh issue/PR operations.
type cliFallback struct {
	log hclog.Logger
}

func (f *cliFallback) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "gh %s failed: %s", strings.Join(args, " "), stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (f *cliFallback) createIssue(ctx context.Context, repo, title, body string) (string, error) {
	out, err := f.run(ctx, "issue", "create", "--repo", repo, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	return out, nil // gh issue create prints the new issue's URL on success
}

func (f *cliFallback) moveCard(ctx context.Context, repo, issueURL, toColumn string) error {
	_, _, number, err := parseIssueURL(issueURL)
	if err != nil {
		return err
	}
	label := "status:" + strings.ToLower(strings.ReplaceAll(toColumn, " ", "-"))
	_, err = f.run(ctx, "issue", "edit", strconv.Itoa(number), "--repo", repo, "--add-label", label)
	return err
}

func (f *cliFallback) markReady(ctx context.Context, repo string, prNumber int) error {
	_, err := f.run(ctx, "pr", "ready", fmt.Sprintf("%d", prNumber), "--repo", repo)
	return err
}

// closeIssue invokes `gh issue close <n> -R <owner/repo>` with a 15s
// timeout, the issue-review branch's CLOSE verdict fallback.
func (f *cliFallback) closeIssue(ctx context.Context, repo string, number int) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := f.run(ctx, "issue", "close", strconv.Itoa(number), "-R", repo)
	return err
}

// moveIssueViaSelf shells out to the nested CLI's own "board move-issue"
// subcommand when a direct BoardProvider.MoveIssue call fails: the
// issue-review branch's READY verdict fallback, argv
// [<self>, board, move-issue, <number>, --column, <column>].
func (f *cliFallback) moveIssueViaSelf(ctx context.Context, selfExecutable string, number int, column string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, selfExecutable, "board", "move-issue", strconv.Itoa(number), "--column", column)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "board move-issue failed: %s", stderr.String())
	}
	return nil
}
