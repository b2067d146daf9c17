package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/logfields"
)

// InstallationClient acts on behalf of one GitHub App installation.
type InstallationClient struct {
	restClt        *github.Client
	graphQLClt     *githubv4.Client
	installationID int64
	token          string
	logger         *zap.Logger
}

// Token returns the installation access token the client was created with.
// It is short-lived and must not be reused across update runs.
func (clt *InstallationClient) Token() string {
	return clt.token
}

func (clt *InstallationClient) InstallationID() int64 {
	return clt.installationID
}

// Repository fetches the repository descriptor.
func (clt *InstallationClient) Repository(ctx context.Context, owner, name string) (*Repository, error) {
	repo, _, err := clt.restClt.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	return repositoryFromGithub(repo, clt.installationID), nil
}

// FileExists returns true when the repository contains a file at path on its
// default branch.
func (clt *InstallationClient) FileExists(ctx context.Context, owner, repo, path string) (bool, error) {
	_, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, clt.wrapRetryableErrors(err)
	}

	return true, nil
}

// ListRepositories returns all repositories the installation grants access
// to.
func (clt *InstallationClient) ListRepositories(ctx context.Context) ([]*Repository, error) {
	var result []*Repository

	opts := github.ListOptions{PerPage: 100}

	for {
		repos, resp, err := clt.restClt.Apps.ListRepos(ctx, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, repo := range repos.Repositories {
			result = append(result, repositoryFromGithub(repo, clt.installationID))
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// ListOpenPullRequests returns the open pull requests of the repository.
// base and head filter like their pendants in the GitHub API, empty values
// do not filter.
func (clt *InstallationClient) ListOpenPullRequests(ctx context.Context, owner, repo, base, head string) ([]*PullRequest, error) {
	var result []*PullRequest

	opts := github.PullRequestListOptions{
		State:       "open",
		Base:        base,
		Head:        head,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		prs, resp, err := clt.restClt.PullRequests.List(ctx, owner, repo, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, pr := range prs {
			result = append(result, pullRequestFromGithub(pr))
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// CreatePullRequest opens a pull request and returns its number.
func (clt *InstallationClient) CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (int, error) {
	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Head:  &head,
		Base:  &base,
		Body:  &body,
	})
	if err != nil {
		return 0, clt.wrapRetryableErrors(err)
	}

	return pr.GetNumber(), nil
}

// ClosePullRequest closes the pull request without merging it.
func (clt *InstallationClient) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	state := "closed"

	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{State: &state})

	return clt.wrapRetryableErrors(err)
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *InstallationClient) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})

	return clt.wrapRetryableErrors(err)
}

// DeleteBranch deletes the remote branch.
// A branch that does not exist (anymore) is treated as success.
func (clt *InstallationClient) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			code := respErr.Response.StatusCode
			if code == http.StatusNotFound || code == http.StatusUnprocessableEntity {
				clt.logger.Debug(
					"deleting branch returned a not found response, interpreting it as success",
					logfields.Event("github_delete_branch_returned_not_found"),
					logfields.Branch(branch),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// AddAssignees assigns the logins to an issue or pull request.
func (clt *InstallationClient) AddAssignees(ctx context.Context, owner, repo string, issueOrPRNr int, logins []string) error {
	_, _, err := clt.restClt.Issues.AddAssignees(ctx, owner, repo, issueOrPRNr, logins)

	return clt.wrapRetryableErrors(err)
}

// RequestReviewers requests reviews from the logins for a pull request.
func (clt *InstallationClient) RequestReviewers(ctx context.Context, owner, repo string, prNr int, logins []string) error {
	_, _, err := clt.restClt.PullRequests.RequestReviewers(ctx, owner, repo, prNr, github.ReviewersRequest{Reviewers: logins})

	return clt.wrapRetryableErrors(err)
}

// AddLabel adds a label to a pull request or issue.
func (clt *InstallationClient) AddLabel(ctx context.Context, owner, repo string, issueOrPRNr int, label string) error {
	if label == "" {
		// github removes all labels when none is provided, fail instead
		return errors.New("provided label is empty")
	}

	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, issueOrPRNr, []string{label})

	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a pull request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *InstallationClient) RemoveLabel(ctx context.Context, owner, repo string, issueOrPRNr int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(ctx, owner, repo, issueOrPRNr, label)
	if err != nil {
		if isNotFound(err) {
			clt.logger.Debug(
				"removing label returned a not found response, interpreting it as success",
				logfields.Event("github_remove_label_returned_not_found"),
				logfields.PullRequest(issueOrPRNr),
				zap.String("github.label", label),
				zap.Error(err),
			)

			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// EnsureRepoLabel creates the label in the repository when it does not exist
// yet.
func (clt *InstallationClient) EnsureRepoLabel(ctx context.Context, owner, repo, name, color, description string) error {
	_, _, err := clt.restClt.Issues.GetLabel(ctx, owner, repo, name)
	if err == nil {
		return nil
	}

	if !isNotFound(err) {
		return clt.wrapRetryableErrors(err)
	}

	_, _, err = clt.restClt.Issues.CreateLabel(ctx, owner, repo, &github.Label{
		Name:        &name,
		Color:       &color,
		Description: &description,
	})

	return clt.wrapRetryableErrors(err)
}

// IssueLabels returns the names of the labels of an issue or pull request.
func (clt *InstallationClient) IssueLabels(ctx context.Context, owner, repo string, issueOrPRNr int) ([]string, error) {
	var result []string

	opts := github.ListOptions{PerPage: 100}

	for {
		labels, resp, err := clt.restClt.Issues.ListLabelsByIssue(ctx, owner, repo, issueOrPRNr, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, label := range labels {
			result = append(result, label.GetName())
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// ListCheckRunsForRef returns the check runs of a commit or branch.
func (clt *InstallationClient) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*CheckRun, error) {
	var result []*CheckRun

	opts := github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		runs, resp, err := clt.restClt.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, run := range runs.CheckRuns {
			result = append(result, &CheckRun{
				Name:       run.GetName(),
				Conclusion: run.GetConclusion(),
			})
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// PRChangedFiles returns how many files a pull request changes compared to
// its base branch.
func (clt *InstallationClient) PRChangedFiles(ctx context.Context, owner, repo string, prNumber int) (int, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				ChangedFiles githubv4.Int
			} `graphql:"pullRequest(number: $prNumber)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	vars := map[string]any{
		"owner":    githubv4.String(owner),
		"repo":     githubv4.String(repo),
		"prNumber": githubv4.Int(prNumber), //nolint:gosec // PR numbers fit in int32
	}

	if err := clt.graphQLClt.Query(ctx, &query, vars); err != nil {
		return 0, fmt.Errorf("querying changed files failed: %w", wrapGraphQLRetryableErrors(clt.logger, err))
	}

	return int(query.Repository.PullRequest.ChangedFiles), nil
}

func (clt *InstallationClient) wrapRetryableErrors(err error) error {
	return wrapRetryableErrors(clt.logger, err)
}
