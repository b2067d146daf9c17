// Package gitw provides the git operations that an update run needs:
// cloning a repository, preparing the dedicated update branch, staging
// changed files, committing under an explicit identity and pushing with a
// short-lived access token.
// It is implemented on go-git, no git binary is required.
package gitw

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/logfields"
)

const loggerName = "gitw"

const remoteName = "origin"

// tokenUser is the username github expects when an installation access
// token is used as http password.
const tokenUser = "x-access-token"

// ErrNothingToCommit is returned by Commit when the index contains no
// changes.
var ErrNothingToCommit = errors.New("nothing to commit")

// BranchState describes how the update branch was established in a clone.
type BranchState int

const (
	BranchStateUndefined BranchState = iota
	// BranchCreated: the branch did not exist and was created from the
	// tip of the default branch.
	BranchCreated
	// BranchRecreated: an existing branch was discarded and created anew
	// from the tip of the default branch.
	BranchRecreated
	// BranchCheckedOut: the remote branch from a previous run was checked
	// out with tracking.
	BranchCheckedOut
)

func (s BranchState) String() string {
	switch s {
	case BranchCreated:
		return "created"
	case BranchRecreated:
		return "recreated"
	case BranchCheckedOut:
		return "checked-out"
	default:
		return "undefined"
	}
}

// Identity is the author and committer identity for commits.
// It is passed explicitly per commit, process-global state like git
// environment variables is never used.
type Identity struct {
	Name  string
	Email string
}

// Clone is a working copy of a repository in a run-exclusive directory.
type Clone struct {
	repo *git.Repository
	wt   *git.Worktree
	dir  string
	// defaultRef is the branch HEAD pointed at directly after cloning.
	defaultRef plumbing.ReferenceName
	logger     *zap.Logger
}

func tokenAuth(token string) transport.AuthMethod {
	if token == "" {
		return nil
	}

	return &githttp.BasicAuth{
		Username: tokenUser,
		Password: token,
	}
}

// CloneRepository clones url into dest.
// An empty token clones anonymously.
func CloneRepository(ctx context.Context, url, dest, token string) (*Clone, error) {
	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  url,
		Auth: tokenAuth(token),
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s failed: %w", url, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD of fresh clone failed: %w", err)
	}

	return &Clone{
		repo:       repo,
		wt:         wt,
		dir:        dest,
		defaultRef: head.Name(),
		logger:     zap.L().Named(loggerName).With(zap.String("git.clone_dir", dest)),
	}, nil
}

func (c *Clone) Dir() string {
	return c.dir
}

// PrepareUpdateBranch establishes the update branch in the clone and
// switches the working tree to it.
//
// With recreate, an existing local branch is deleted and the branch is
// created anew from the tip of the default branch, discarding its old
// history.
// Without recreate, a remote branch left behind by a previous run is checked
// out with tracking so successive runs accumulate on the open pull request.
// Otherwise the branch is created fresh from the default branch tip.
func (c *Clone) PrepareUpdateBranch(branch string, recreate bool) (BranchState, error) {
	refName := plumbing.NewBranchReferenceName(branch)

	if recreate {
		if err := c.repo.Storer.RemoveReference(refName); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return BranchStateUndefined, fmt.Errorf("deleting branch %s failed: %w", branch, err)
		}

		if err := c.createBranchFromDefault(refName); err != nil {
			return BranchStateUndefined, err
		}

		c.logger.Debug(
			"update branch recreated from default branch tip",
			logfields.Event("git_branch_recreated"),
			logfields.Branch(branch),
		)

		return BranchRecreated, nil
	}

	remoteRef, err := c.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err == nil {
		if err := c.checkoutTracking(branch, refName, remoteRef.Hash()); err != nil {
			return BranchStateUndefined, err
		}

		c.logger.Debug(
			"existing remote update branch checked out",
			logfields.Event("git_branch_checked_out"),
			logfields.Branch(branch),
			logfields.Commit(remoteRef.Hash().String()),
		)

		return BranchCheckedOut, nil
	}

	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return BranchStateUndefined, fmt.Errorf("resolving remote branch %s failed: %w", branch, err)
	}

	if err := c.createBranchFromDefault(refName); err != nil {
		return BranchStateUndefined, err
	}

	c.logger.Debug(
		"update branch created from default branch tip",
		logfields.Event("git_branch_created"),
		logfields.Branch(branch),
	)

	return BranchCreated, nil
}

func (c *Clone) createBranchFromDefault(refName plumbing.ReferenceName) error {
	defaultRef, err := c.repo.Reference(c.defaultRef, true)
	if err != nil {
		return fmt.Errorf("resolving default branch %s failed: %w", c.defaultRef, err)
	}

	if err := c.repo.Storer.SetReference(plumbing.NewHashReference(refName, defaultRef.Hash())); err != nil {
		return fmt.Errorf("creating branch %s failed: %w", refName, err)
	}

	if err := c.wt.Checkout(&git.CheckoutOptions{Branch: refName}); err != nil {
		return fmt.Errorf("checking out %s failed: %w", refName, err)
	}

	return nil
}

func (c *Clone) checkoutTracking(branch string, refName plumbing.ReferenceName, hash plumbing.Hash) error {
	if err := c.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("creating branch %s failed: %w", refName, err)
	}

	err := c.repo.CreateBranch(&config.Branch{
		Name:   branch,
		Remote: remoteName,
		Merge:  refName,
	})
	if err != nil && !errors.Is(err, git.ErrBranchExists) {
		return fmt.Errorf("configuring tracking for branch %s failed: %w", branch, err)
	}

	if err := c.wt.Checkout(&git.CheckoutOptions{Branch: refName}); err != nil {
		return fmt.Errorf("checking out %s failed: %w", refName, err)
	}

	return nil
}

// StageChanged adds every path in paths with a working tree difference to
// the index and returns the staged subset.
// Unchanged paths are skipped.
func (c *Clone) StageChanged(paths []string) ([]string, error) {
	status, err := c.wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status failed: %w", err)
	}

	var staged []string

	for _, path := range paths {
		fileStatus, ok := status[path]
		if !ok {
			continue
		}

		if fileStatus.Worktree == git.Unmodified && fileStatus.Staging == git.Unmodified {
			continue
		}

		if _, err := c.wt.Add(path); err != nil {
			return nil, fmt.Errorf("staging %s failed: %w", path, err)
		}

		staged = append(staged, path)
	}

	return staged, nil
}

// Commit commits the staged changes under the given identity.
// ErrNothingToCommit is returned when the index contains no changes, other
// commit failures are returned as-is.
func (c *Clone) Commit(message string, ident Identity, now time.Time) (string, error) {
	status, err := c.wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading worktree status failed: %w", err)
	}

	if !hasStagedChanges(status) {
		return "", ErrNothingToCommit
	}

	sig := &object.Signature{
		Name:  ident.Name,
		Email: ident.Email,
		When:  now,
	}

	hash, err := c.wt.Commit(message, &git.CommitOptions{
		Author:    sig,
		Committer: sig,
	})
	if err != nil {
		return "", fmt.Errorf("committing failed: %w", err)
	}

	c.logger.Debug(
		"changes committed",
		logfields.Event("git_commit_created"),
		logfields.Commit(hash.String()),
	)

	return hash.String(), nil
}

func hasStagedChanges(status git.Status) bool {
	for _, fileStatus := range status {
		if fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			return true
		}
	}

	return false
}

// Push pushes the branch to origin, authenticated with the installation
// access token.
// force must only be set for recreated branches, their history diverges from
// the remote branch.
func (c *Clone) Push(ctx context.Context, branch, token string, force bool) error {
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if force {
		refSpec = config.RefSpec("+" + string(refSpec))
	}

	err := c.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       tokenAuth(token),
		Force:      force,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		c.logger.Debug(
			"push skipped, remote branch is up to date",
			logfields.Event("git_push_uptodate"),
			logfields.Branch(branch),
		)

		return nil
	}

	if err != nil {
		return fmt.Errorf("pushing %s failed: %w", branch, err)
	}

	c.logger.Debug(
		"branch pushed",
		logfields.Event("git_branch_pushed"),
		logfields.Branch(branch),
		zap.Bool("git.force_push", force),
	)

	return nil
}
