package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var rePRURL = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// GitHubBoard is the concrete Provider backed by go-github/v68, with a
// gh-CLI exec.Command fallback (see cli_fallback.go) for operations the
// configured token can't perform over the API.
type GitHubBoard struct {
	client         *github.Client
	log            hclog.Logger
	fallback       *cliFallback
	projectID      string
	selfExecutable string
}

// NewGitHubBoard builds a GitHubBoard authenticated with token. If
// useCLIFallback is true, operations that fail over the API retry via the
// gh CLI (or, for MoveIssue, the nested CLI's own "board move-issue"
// subcommand at selfExecutable) before giving up.
func NewGitHubBoard(token, projectID, selfExecutable string, useCLIFallback bool, log hclog.Logger) *GitHubBoard {
	client := github.NewClient(nil).WithAuthToken(token)
	var fb *cliFallback
	if useCLIFallback {
		fb = &cliFallback{log: log}
	}
	return &GitHubBoard{client: client, log: log, fallback: fb, projectID: projectID, selfExecutable: selfExecutable}
}

// FileIssue implements Provider. When column is non-empty, it attempts to
// land the new issue directly in that column (via MoveCard); if that
// fails the issue still exists, just not placed, and landedColumn is
// reported empty so the caller can decide whether to retry the move.
func (b *GitHubBoard) FileIssue(ctx context.Context, repo, title, body, column string) (string, string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", "", err
	}

	issue, _, err := b.client.Issues.Create(ctx, owner, name, &github.IssueRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
	})
	if err != nil {
		if b.fallback != nil {
			b.log.Warn("github issue create failed, retrying via gh CLI", "repo", repo, "error", err.Error())
			url, fbErr := b.fallback.createIssue(ctx, repo, title, body)
			return url, "", fbErr
		}
		return "", "", errors.Wrap(err, "failed to create github issue")
	}

	url := issue.GetHTMLURL()
	if column == "" {
		return url, "", nil
	}
	if err := b.MoveCard(ctx, repo, url, column); err != nil {
		b.log.Warn("failed to land new issue in requested column", "repo", repo, "column", column, "error", err.Error())
		return url, "", nil
	}
	return url, column, nil
}

// MoveIssue implements Provider's issue-review READY verdict: move the
// numbered issue to toColumn, falling back to a status label when no
// GitHub Projects board is configured, and to the nested CLI's own
// "board move-issue" subcommand if that also fails.
func (b *GitHubBoard) MoveIssue(ctx context.Context, repo string, number int, toColumn string) error {
	err := b.moveIssueDirect(ctx, repo, number, toColumn)
	if err == nil {
		return nil
	}
	if b.fallback != nil && b.selfExecutable != "" {
		b.log.Warn("move issue failed, retrying via nested board CLI", "repo", repo, "number", number, "error", err.Error())
		return b.fallback.moveIssueViaSelf(ctx, b.selfExecutable, number, toColumn)
	}
	return err
}

func (b *GitHubBoard) moveIssueDirect(ctx context.Context, repo string, number int, toColumn string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if b.projectID == "" {
		label := "status:" + strings.ToLower(strings.ReplaceAll(toColumn, " ", "-"))
		_, _, err := b.client.Issues.AddLabelsToIssue(ctx, owner, name, number, []string{label})
		return errors.Wrap(err, "failed to add status label")
	}

	query := `mutation($projectId: ID!, $itemId: ID!, $value: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $projectId, itemId: $itemId, fieldId: $fieldId,
			value: { singleSelectOptionId: $value }
		}) { clientMutationId }
	}`
	vars := map[string]any{
		"projectId": b.projectID,
		"itemId":    fmt.Sprintf("issue-%d", number),
		"value":     toColumn,
	}
	return errors.Wrap(b.graphQL(ctx, query, vars, nil), "failed to move issue")
}

// CloseIssue implements Provider's issue-review CLOSE verdict, falling
// back to `gh issue close <n> -R <owner/repo>` with a 15s timeout.
func (b *GitHubBoard) CloseIssue(ctx context.Context, repo string, number int) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, apiErr := b.client.Issues.Edit(ctx, owner, name, number, &github.IssueRequest{
		State: github.Ptr("closed"),
	})
	if apiErr == nil {
		return nil
	}
	if b.fallback != nil {
		b.log.Warn("close issue failed, retrying via gh CLI", "repo", repo, "number", number, "error", apiErr.Error())
		return b.fallback.closeIssue(ctx, repo, number)
	}
	return errors.Wrap(apiErr, "failed to close github issue")
}

// MoveCard implements Provider by moving a GitHub Projects (v2) item to a
// target column, falling back to a label-based approximation (e.g.
// "status:in-review") when no project is configured.
func (b *GitHubBoard) MoveCard(ctx context.Context, repo, issueURL, toColumn string) error {
	if b.projectID == "" {
		return b.moveCardViaLabel(ctx, repo, issueURL, toColumn)
	}

	owner, name, number, err := parseIssueURL(issueURL)
	if err != nil {
		return err
	}
	_ = owner
	_ = name

	query := `mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $value: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $projectId, itemId: $itemId, fieldId: $fieldId,
			value: { singleSelectOptionId: $value }
		}) { clientMutationId }
	}`
	vars := map[string]any{
		"projectId": b.projectID,
		"itemId":    fmt.Sprintf("issue-%d", number),
		"value":     toColumn,
	}
	if err := b.graphQL(ctx, query, vars, nil); err != nil {
		if b.fallback != nil {
			return b.fallback.moveCard(ctx, repo, issueURL, toColumn)
		}
		return errors.Wrap(err, "failed to move project card")
	}
	return nil
}

func (b *GitHubBoard) moveCardViaLabel(ctx context.Context, repo, issueURL, toColumn string) error {
	owner, name, number, err := parseIssueURL(issueURL)
	if err != nil {
		return err
	}
	label := "status:" + strings.ToLower(strings.ReplaceAll(toColumn, " ", "-"))
	_, _, err = b.client.Issues.AddLabelsToIssue(ctx, owner, name, number, []string{label})
	return errors.Wrap(err, "failed to add status label")
}

// MarkPRReadyForReview implements Provider. The REST API has no direct
// "ready for review" call for draft PRs, so this goes REST-first for
// everything it can do, then falls to the GraphQL markPullRequestReadyForReview
// mutation, matching the teacher's REST-then-GraphQL shape.
func (b *GitHubBoard) MarkPRReadyForReview(ctx context.Context, repo string, prNumber int) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	pr, _, err := b.client.PullRequests.Get(ctx, owner, name, prNumber)
	if err != nil {
		return errors.Wrap(err, "failed to fetch pull request")
	}
	if !pr.GetDraft() {
		return nil
	}

	query := `mutation($pullRequestId: ID!) {
		markPullRequestReadyForReview(input: { pullRequestId: $pullRequestId }) {
			clientMutationId
		}
	}`
	vars := map[string]any{"pullRequestId": pr.GetNodeID()}
	if err := b.graphQL(ctx, query, vars, nil); err != nil {
		if b.fallback != nil {
			return b.fallback.markReady(ctx, repo, prNumber)
		}
		return errors.Wrap(err, "failed to mark pull request ready for review")
	}
	return nil
}

// ParsePRURL implements Provider.
func (b *GitHubBoard) ParsePRURL(url string) (string, int, bool) {
	m := rePRURL.FindStringSubmatch(url)
	if m == nil {
		return "", 0, false
	}
	number, err := strconv.Atoi(m[3])
	if err != nil {
		return "", 0, false
	}
	return m[1] + "/" + m[2], number, true
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

var reIssueURL = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/issues/(\d+)`)

func parseIssueURL(url string) (owner, name string, number int, err error) {
	m := reIssueURL.FindStringSubmatch(url)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid issue url %q", url)
	}
	n, convErr := strconv.Atoi(m[3])
	if convErr != nil {
		return "", "", 0, convErr
	}
	return m[1], m[2], n, nil
}

// graphQL issues a raw GraphQL request through go-github's underlying
// HTTP client, since go-github/v68 doesn't expose a typed GraphQL client
// for project-items mutations.
func (b *GitHubBoard) graphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return errors.Wrap(err, "failed to marshal graphql payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.github.com/graphql", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build graphql request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Client().Do(req)
	if err != nil {
		return errors.Wrap(err, "graphql request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql request returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
