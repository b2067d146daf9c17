package githubclt

import (
	"fmt"

	"github.com/google/go-github/v59/github"
)

// Repository describes an installation repository.
// It is the immutable input of an update run.
type Repository struct {
	ID             int64
	Owner          string
	Name           string
	DefaultBranch  string
	CloneURL       string
	InstallationID int64
}

func (r *Repository) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

func repositoryFromGithub(repo *github.Repository, installationID int64) *Repository {
	return &Repository{
		ID:             repo.GetID(),
		Owner:          repo.GetOwner().GetLogin(),
		Name:           repo.GetName(),
		DefaultBranch:  repo.GetDefaultBranch(),
		CloneURL:       repo.GetCloneURL(),
		InstallationID: installationID,
	}
}

// PullRequest is the subset of pull request information the bot acts on.
type PullRequest struct {
	Number     int
	Title      string
	HeadBranch string
	HeadSHA    string
	Author     string
}

func pullRequestFromGithub(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		HeadBranch: pr.GetHead().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		Author:     pr.GetUser().GetLogin(),
	}
}

// CheckRun is a completed CI check of a commit.
type CheckRun struct {
	Name       string
	Conclusion string
}
