package updater

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/gitw"
)

type fakeGithubApp struct {
	installations []int64
	clients       map[int64]*fakeInstallationAPI
}

func (f *fakeGithubApp) ListInstallations(_ context.Context) ([]int64, error) {
	return f.installations, nil
}

func (f *fakeGithubApp) InstallationClient(_ context.Context, installationID int64) (InstallationAPI, error) {
	clt, exist := f.clients[installationID]
	if !exist {
		return nil, errors.New("unknown installation")
	}

	return clt, nil
}

type createdPR struct {
	Title string
	Head  string
	Base  string
	Body  string
}

type fakeInstallationAPI struct {
	token        string
	repos        []*githubclt.Repository
	configExists bool
	openPRs      []*githubclt.PullRequest

	nextPRNumber int
	createdPRs   []createdPR
	closedPRs    []int
	comments     map[int]string
	delBranches  []string

	createPRErr error
}

func (f *fakeInstallationAPI) Token() string { return f.token }

func (f *fakeInstallationAPI) Repository(_ context.Context, owner, name string) (*githubclt.Repository, error) {
	for _, repo := range f.repos {
		if repo.Owner == owner && repo.Name == name {
			return repo, nil
		}
	}

	return nil, errors.New("repository not found")
}

func (f *fakeInstallationAPI) ListRepositories(_ context.Context) ([]*githubclt.Repository, error) {
	return f.repos, nil
}

func (f *fakeInstallationAPI) FileExists(_ context.Context, _, _, _ string) (bool, error) {
	return f.configExists, nil
}

func (f *fakeInstallationAPI) ListOpenPullRequests(_ context.Context, _, _, _, head string) ([]*githubclt.PullRequest, error) {
	if head == "" {
		return f.openPRs, nil
	}

	// head has the owner:branch form that the GitHub API expects
	parts := strings.SplitN(head, ":", 2)
	branch := parts[len(parts)-1]

	var result []*githubclt.PullRequest
	for _, pr := range f.openPRs {
		if pr.HeadBranch == branch {
			result = append(result, pr)
		}
	}

	return result, nil
}

func (f *fakeInstallationAPI) CreatePullRequest(_ context.Context, _, _, title, head, base, body string) (int, error) {
	if f.createPRErr != nil {
		return 0, f.createPRErr
	}

	f.createdPRs = append(f.createdPRs, createdPR{Title: title, Head: head, Base: base, Body: body})

	return f.nextPRNumber, nil
}

func (f *fakeInstallationAPI) ClosePullRequest(_ context.Context, _, _ string, number int) error {
	f.closedPRs = append(f.closedPRs, number)
	return nil
}

func (f *fakeInstallationAPI) CreateIssueComment(_ context.Context, _, _ string, issueOrPRNr int, comment string) error {
	if f.comments == nil {
		f.comments = map[int]string{}
	}

	f.comments[issueOrPRNr] = comment

	return nil
}

func (f *fakeInstallationAPI) DeleteBranch(_ context.Context, _, _, branch string) error {
	f.delBranches = append(f.delBranches, branch)
	return nil
}

type fakeGitClient struct {
	clone    *fakeClone
	cloneErr error

	cloneCalls int
	lastURL    string
	lastDest   string
	lastToken  string
}

func (f *fakeGitClient) Clone(_ context.Context, url, dest, token string) (GitClone, error) {
	f.cloneCalls++
	f.lastURL = url
	f.lastDest = dest
	f.lastToken = token

	if f.cloneErr != nil {
		return nil, f.cloneErr
	}

	return f.clone, nil
}

type fakeClone struct {
	branchState gitw.BranchState
	stagedFiles []string
	commitErr   error

	prepareRecreate bool
	stagedArg       []string
	commitMsg       string
	commitIdent     gitw.Identity
	pushCalls       int
	pushForce       bool
}

func (f *fakeClone) PrepareUpdateBranch(_ string, recreate bool) (gitw.BranchState, error) {
	f.prepareRecreate = recreate
	return f.branchState, nil
}

func (f *fakeClone) StageChanged(paths []string) ([]string, error) {
	f.stagedArg = paths
	return f.stagedFiles, nil
}

func (f *fakeClone) Commit(msg string, ident gitw.Identity, _ time.Time) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}

	f.commitMsg = msg
	f.commitIdent = ident

	return "f00ba4f00ba4f00ba4f00ba4f00ba4f00ba4f00b", nil
}

func (f *fakeClone) Push(_ context.Context, _, _ string, force bool) error {
	f.pushCalls++
	f.pushForce = force

	return nil
}

type fakeGenerator struct {
	files []string
	err   error

	runCalls int
	lastDir  string
}

func (f *fakeGenerator) Run(_ context.Context, dir string) ([]string, error) {
	f.runCalls++
	f.lastDir = dir

	if f.err != nil {
		return nil, f.err
	}

	return f.files, nil
}
