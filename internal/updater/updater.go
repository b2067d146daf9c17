// Package updater runs the configuration update workflow for installation
// repositories.
//
// A run for one repository clones it into a run-exclusive temporary
// directory, establishes the dedicated update branch, invokes the external
// generator, commits and pushes the resulting changes under the bot identity
// and opens, keeps or closes the bot's pull request.
// Run bookkeeping (last-run timestamp, recently opened PR numbers) is stored
// in the ledger and throttles runs to at most one per repository and
// calendar day.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/generator"
	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/gitw"
	"github.com/repo-helper/helperbot/internal/ledger"
	"github.com/repo-helper/helperbot/internal/logfields"
)

const loggerName = "updater"

// UpdateBranchName is the dedicated branch that stages generator output as
// a pull request.
const UpdateBranchName = "repo-helper-update"

const commitMessage = "Updated files with 'repo_helper'."

const prTitle = "[repo-helper] Configuration Update"

// GithubApp enumerates installations and creates per-installation API
// clients.
type GithubApp interface {
	ListInstallations(ctx context.Context) ([]int64, error)
	InstallationClient(ctx context.Context, installationID int64) (InstallationAPI, error)
}

// InstallationAPI is the GitHub API surface of one installation that an
// update run needs.
type InstallationAPI interface {
	Token() string
	Repository(ctx context.Context, owner, name string) (*githubclt.Repository, error)
	ListRepositories(ctx context.Context) ([]*githubclt.Repository, error)
	FileExists(ctx context.Context, owner, repo, path string) (bool, error)
	ListOpenPullRequests(ctx context.Context, owner, repo, base, head string) ([]*githubclt.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (int, error)
	ClosePullRequest(ctx context.Context, owner, repo string, number int) error
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
}

// GitClient clones repositories.
type GitClient interface {
	Clone(ctx context.Context, url, dest, token string) (GitClone, error)
}

// GitClone is a working clone, exclusively owned by one update run.
type GitClone interface {
	PrepareUpdateBranch(branch string, recreate bool) (gitw.BranchState, error)
	StageChanged(paths []string) ([]string, error)
	Commit(message string, ident gitw.Identity, now time.Time) (string, error)
	Push(ctx context.Context, branch, token string, force bool) error
}

// Generator rewrites the managed files of a clone and reports their paths.
type Generator interface {
	Run(ctx context.Context, dir string) ([]string, error)
}

// Ledger stores the per-repository run bookkeeping.
type Ledger interface {
	GetOrCreate(ctx context.Context, id int64, owner, name string) (*ledger.RunRecord, error)
	RecordPROpened(ctx context.Context, rec *ledger.RunRecord, prNumber int) error
	RecordRunCompleted(ctx context.Context, rec *ledger.RunRecord, at time.Time) error
}

type Updater struct {
	gh          GithubApp
	git         GitClient
	gen         Generator
	ledger      Ledger
	botIdentity gitw.Identity
	logger      *zap.Logger
	now         func() time.Time
}

func New(gh GithubApp, git GitClient, gen Generator, ldg Ledger, botIdentity gitw.Identity) *Updater {
	return &Updater{
		gh:          gh,
		git:         git,
		gen:         gen,
		ledger:      ldg,
		botIdentity: botIdentity,
		logger:      zap.L().Named(loggerName),
		now:         time.Now,
	}
}

// UpdateRepository runs the update workflow for one repository.
//
// With recreate, the update branch is recreated from the current default
// branch tip and the throttle is bypassed; when the recreated branch yields
// no changes, the bot's stale pull requests are closed instead.
//
// The returned error carries details when the outcome is OutcomeFailure, it
// is nil for all other outcomes.
func (u *Updater) UpdateRepository(ctx context.Context, repo *githubclt.Repository, recreate bool) (outcome Outcome, err error) {
	logger := u.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
		logfields.Installation(repo.InstallationID),
		zap.Bool("update_run.recreate", recreate),
	)

	defer func() {
		metrics.RunsInc(repo.FullName(), outcome)
		logger.Info(
			"update run finished",
			logfields.Event("update_run_finished"),
			logfields.Outcome(outcome.String()),
			zap.Error(err),
		)
	}()

	rec, err := u.ledger.GetOrCreate(ctx, repo.ID, repo.Owner, repo.Name)
	if err != nil {
		return OutcomeFailure, err
	}

	if !ledger.IsDue(rec, recreate, u.now()) {
		logger.Info(
			"repository was already processed today, skipping",
			logfields.Event("update_run_throttled"),
		)

		return OutcomeSkippedThrottled, nil
	}

	clt, err := u.gh.InstallationClient(ctx, repo.InstallationID)
	if err != nil {
		return OutcomeFailure, err
	}

	exists, err := clt.FileExists(ctx, repo.Owner, repo.Name, generator.ConfigFileName)
	if err != nil {
		return OutcomeFailure, err
	}

	if !exists {
		logger.Info(
			"repository contains no generator configuration file, skipping",
			logfields.Event("update_run_config_missing"),
			zap.String("generator.config_file", generator.ConfigFileName),
		)

		return OutcomeSkippedNoConfig, nil
	}

	workDir, err := os.MkdirTemp("", "helperbot-clone-*")
	if err != nil {
		return OutcomeFailure, err
	}

	// the working clone is owned exclusively by this run and released on
	// every terminal outcome
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Warn(
				"removing working clone directory failed",
				logfields.Event("working_clone_removal_failed"),
				zap.String("git.clone_dir", workDir),
				zap.Error(rmErr),
			)
		}
	}()

	clone, err := u.git.Clone(ctx, repo.CloneURL, workDir, clt.Token())
	if err != nil {
		return OutcomeFailure, err
	}

	branchState, err := clone.PrepareUpdateBranch(UpdateBranchName, recreate)
	if err != nil {
		return OutcomeFailure, err
	}

	logger.Debug(
		"update branch prepared",
		logfields.Event("update_branch_prepared"),
		logfields.Branch(UpdateBranchName),
		zap.String("git.branch_state", branchState.String()),
	)

	managedFiles, err := u.gen.Run(ctx, workDir)
	if err != nil {
		if errors.Is(err, generator.ErrConfigMissing) {
			logger.Info(
				"generator reported a missing configuration file, skipping",
				logfields.Event("update_run_config_missing"),
			)

			return OutcomeSkippedNoConfig, nil
		}

		return OutcomeFailure, err
	}

	stagedFiles, err := clone.StageChanged(managedFiles)
	if err != nil {
		return OutcomeFailure, err
	}

	if recreate && len(stagedFiles) == 0 {
		// the recreated branch matches the default branch, the open
		// update PRs are obsolete
		if err := u.closeStalePRs(ctx, clt, repo, rec); err != nil {
			return OutcomeFailure, err
		}

		if err := u.ledger.RecordRunCompleted(ctx, rec, u.now()); err != nil {
			return OutcomeFailure, err
		}

		return OutcomeSuccess, nil
	}

	if _, err := clone.Commit(commitMessage, u.botIdentity, u.now()); err != nil {
		return OutcomeFailure, fmt.Errorf("committing changes failed: %w", err)
	}

	if err := clone.Push(ctx, UpdateBranchName, clt.Token(), recreate); err != nil {
		return OutcomeFailure, err
	}

	if err := u.reconcilePR(ctx, clt, repo, rec); err != nil {
		return OutcomeFailure, err
	}

	if err := u.ledger.RecordRunCompleted(ctx, rec, u.now()); err != nil {
		return OutcomeFailure, err
	}

	return OutcomeSuccess, nil
}

// UpdateAll runs the update workflow for every repository the app is
// installed on.
// Failures of single repositories do not abort the iteration, they are
// reported in the returned results.
func (u *Updater) UpdateAll(ctx context.Context) ([]*Result, error) {
	var results []*Result

	installationIDs, err := u.gh.ListInstallations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installations failed: %w", err)
	}

	for _, installationID := range installationIDs {
		repos, err := u.listInstallationRepos(ctx, installationID)
		if err != nil {
			u.logger.Error(
				"listing repositories of installation failed",
				logfields.Event("listing_installation_repos_failed"),
				logfields.Installation(installationID),
				zap.Error(err),
			)

			results = append(results, &Result{
				Repository: fmt.Sprintf("installation-%d", installationID),
				Outcome:    OutcomeFailure,
				Err:        err,
			})

			continue
		}

		for _, repo := range repos {
			outcome, err := u.UpdateRepository(ctx, repo, false)
			results = append(results, &Result{
				Repository: repo.FullName(),
				Outcome:    outcome,
				Err:        err,
			})
		}
	}

	return results, nil
}

func (u *Updater) listInstallationRepos(ctx context.Context, installationID int64) ([]*githubclt.Repository, error) {
	clt, err := u.gh.InstallationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	return clt.ListRepositories(ctx)
}

// FindInstalledRepository returns the descriptor of the repository when the
// app is installed on it, nil otherwise.
func (u *Updater) FindInstalledRepository(ctx context.Context, owner, name string) (*githubclt.Repository, error) {
	installationIDs, err := u.gh.ListInstallations(ctx)
	if err != nil {
		return nil, err
	}

	for _, installationID := range installationIDs {
		repos, err := u.listInstallationRepos(ctx, installationID)
		if err != nil {
			return nil, err
		}

		for _, repo := range repos {
			if repo.Owner == owner && repo.Name == name {
				return repo, nil
			}
		}
	}

	return nil, nil
}
