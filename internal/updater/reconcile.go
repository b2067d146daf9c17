package updater

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/ledger"
	"github.com/repo-helper/helperbot/internal/logfields"
)

// StalePRCloseComment is posted on an update pull request before it is
// closed because the recreated update branch carries no changes anymore.
const StalePRCloseComment = "Looks like everything is already up to date."

const prBody = `This pull request updates the repository configuration files ` +
	`to their latest generated state.

<details>
<summary>Commands</summary>
<br>

Comment on this pull request to interact with the bot:

- ` + "`@repo-helper recreate`" + ` recreates this pull request from the ` +
	`current default branch.

</details>`

// reconcilePR ensures that exactly one open pull request proposes the
// pushed update branch.
// When one is already open the push updated it in place and nothing is
// done, otherwise a new pull request is opened and recorded in the ledger.
func (u *Updater) reconcilePR(ctx context.Context, clt InstallationAPI, repo *githubclt.Repository, rec *ledger.RunRecord) error {
	logger := u.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
		logfields.Branch(UpdateBranchName),
	)

	prs, err := clt.ListOpenPullRequests(
		ctx,
		repo.Owner, repo.Name,
		repo.DefaultBranch,
		repo.Owner+":"+UpdateBranchName,
	)
	if err != nil {
		return fmt.Errorf("listing open update pull requests failed: %w", err)
	}

	if len(prs) > 0 {
		logger.Info(
			"update pull request is already open, pushed branch updated it",
			logfields.Event("update_pr_already_open"),
			logfields.PullRequest(prs[0].Number),
		)

		return nil
	}

	prNumber, err := clt.CreatePullRequest(
		ctx,
		repo.Owner, repo.Name,
		prTitle,
		UpdateBranchName,
		repo.DefaultBranch,
		prBody,
	)
	if err != nil {
		return fmt.Errorf("creating update pull request failed: %w", err)
	}

	if err := u.ledger.RecordPROpened(ctx, rec, prNumber); err != nil {
		return fmt.Errorf("recording opened pull request failed: %w", err)
	}

	logger.Info(
		"update pull request opened",
		logfields.Event("update_pr_opened"),
		logfields.PullRequest(prNumber),
	)

	return nil
}

// closeStalePRs comments on and closes the bot's open update pull requests
// and deletes the remote update branch.
// Only pull requests that the ledger recorded as opened by the bot and
// whose head is the update branch are touched.
func (u *Updater) closeStalePRs(ctx context.Context, clt InstallationAPI, repo *githubclt.Repository, rec *ledger.RunRecord) error {
	logger := u.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
		logfields.Branch(UpdateBranchName),
	)

	prs, err := clt.ListOpenPullRequests(ctx, repo.Owner, repo.Name, "", "")
	if err != nil {
		return fmt.Errorf("listing open pull requests failed: %w", err)
	}

	for _, pr := range prs {
		if !rec.HasRecentPR(pr.Number) || pr.HeadBranch != UpdateBranchName {
			continue
		}

		if err := clt.CreateIssueComment(ctx, repo.Owner, repo.Name, pr.Number, StalePRCloseComment); err != nil {
			return fmt.Errorf("commenting on stale pull request %d failed: %w", pr.Number, err)
		}

		if err := clt.ClosePullRequest(ctx, repo.Owner, repo.Name, pr.Number); err != nil {
			return fmt.Errorf("closing stale pull request %d failed: %w", pr.Number, err)
		}

		logger.Info(
			"stale update pull request closed",
			logfields.Event("update_pr_closed"),
			logfields.PullRequest(pr.Number),
		)
	}

	if err := clt.DeleteBranch(ctx, repo.Owner, repo.Name, UpdateBranchName); err != nil {
		return fmt.Errorf("deleting remote update branch failed: %w", err)
	}

	logger.Info(
		"remote update branch deleted",
		logfields.Event("update_branch_deleted"),
		zap.String("git.remote", "origin"),
	)

	return nil
}
