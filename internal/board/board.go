// Package board implements the BoardProvider external interface against
// GitHub: filing issues, moving project cards, and marking PRs ready for
// review, with a gh-CLI subprocess fallback when the REST/GraphQL APIs
// are unavailable or unauthorized — grounded on the teacher's ghclient
// REST-then-GraphQL fallback and the gh-CLI exec.Command precedent found
// elsewhere in the retrieved corpus.
package board

import "context"

// Provider is the external BoardProvider interface every board-facing
// component depends on.
type Provider interface {
	// FileIssue creates an issue in repo, landing in column (empty means
	// the tracker's default), and returns its URL and the column it
	// actually landed in.
	FileIssue(ctx context.Context, repo, title, body, column string) (issueURL, landedColumn string, err error)
	MoveCard(ctx context.Context, repo, issueURL, toColumn string) error
	MarkPRReadyForReview(ctx context.Context, repo string, prNumber int) error
	ParsePRURL(url string) (repo string, number int, ok bool)

	// MoveIssue moves the issue numbered number in repo to toColumn,
	// implementing the issue-review branch's READY verdict (§4.2).
	MoveIssue(ctx context.Context, repo string, number int, toColumn string) error
	// CloseIssue closes the issue numbered number in repo, implementing
	// the issue-review branch's CLOSE verdict.
	CloseIssue(ctx context.Context, repo string, number int) error
}
