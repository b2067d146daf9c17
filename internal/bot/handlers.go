package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	gogithub "github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/logfields"
	"github.com/repo-helper/helperbot/internal/updater"
)

// zeroSHA is the after-SHA of pushes that delete a ref.
const zeroSHA = "0000000000000000000000000000000000000000"

// webFlowLogin is the committer login of commits created via the GitHub web
// UI, pushes with such a head commit are merges of pull requests.
const webFlowLogin = "web-flow"

// recreateCommand recreates the update pull request when it is found in a
// pull request comment.
const recreateCommand = "@repo-helper recreate"

const (
	automergeLabelName  = "🤖 automerge"
	automergeLabelColor = "87ceeb"
	automergeLabelDesc  = "Auto merge is enabled for this pull request."
)

const emptyPRCloseMessage = `This pull request has been closed because there were no changes from the target branch.

If you're still working on this PR feel free to push another commit and reopen it.

---

I'm a bot. If you think I've done this in error please [contact my owner](https://github.com/repo-helper/helperbot/issues).
`

// commentAssociationAllowed contains the comment author associations that
// may trigger bot commands.
var commentAssociationAllowed = map[string]struct{}{
	"OWNER":        {},
	"COLLABORATOR": {},
	"CONTRIBUTOR":  {},
	"MEMBER":       {},
}

func isAllowedAssociation(association string) bool {
	_, exist := commentAssociationAllowed[association]
	return exist
}

// isBotUser returns true when login is the bot's account, with or without
// the GitHub app "[bot]" suffix.
func (b *Bot) isBotUser(login string) bool {
	return login == b.botName || login == strings.TrimSuffix(b.botName, "[bot]")
}

func repoFromGithub(repo *gogithub.Repository, installationID int64) *githubclt.Repository {
	return &githubclt.Repository{
		ID:             repo.GetID(),
		Owner:          repo.GetOwner().GetLogin(),
		Name:           repo.GetName(),
		DefaultBranch:  repo.GetDefaultBranch(),
		CloneURL:       repo.GetCloneURL(),
		InstallationID: installationID,
	}
}

func repoFromPushEvent(ev *gogithub.PushEvent) *githubclt.Repository {
	repo := ev.GetRepo()

	return &githubclt.Repository{
		ID:             repo.GetID(),
		Owner:          repo.GetOwner().GetLogin(),
		Name:           repo.GetName(),
		DefaultBranch:  repo.GetDefaultBranch(),
		CloneURL:       repo.GetCloneURL(),
		InstallationID: ev.GetInstallation().GetID(),
	}
}

// isMergePush returns true when the head commit of the push was committed
// via the GitHub web UI, those pushes are merges of pull requests.
func isMergePush(ev *gogithub.PushEvent) bool {
	if len(ev.Commits) == 0 {
		return false
	}

	return ev.Commits[0].GetCommitter().GetLogin() == webFlowLogin
}

func (b *Bot) handlePush(ctx context.Context, ev *gogithub.PushEvent) error {
	logger := b.logger.With(
		logfields.RepositoryOwner(ev.GetRepo().GetOwner().GetLogin()),
		logfields.Repository(ev.GetRepo().GetName()),
	)

	if ev.GetAfter() == zeroSHA {
		logger.Debug(
			"push deleted a ref, skipping",
			logfields.Event("push_ref_deleted"),
		)

		return nil
	}

	if isMergePush(ev) {
		logger.Debug(
			"push is a merge of a pull request, skipping",
			logfields.Event("push_is_pr_merge"),
		)

		return nil
	}

	if b.isBotUser(ev.GetPusher().GetName()) {
		logger.Debug(
			"push was made by the bot itself, skipping",
			logfields.Event("push_from_bot"),
		)

		return nil
	}

	_, err := b.updater.UpdateRepository(ctx, repoFromPushEvent(ev), false)

	return err
}

// handleIssues assigns the maintainer to new issues.
func (b *Bot) handleIssues(ctx context.Context, ev *gogithub.IssuesEvent) error {
	if ev.GetAction() != "opened" && ev.GetAction() != "reopened" {
		return nil
	}

	if b.maintainer == "" {
		return nil
	}

	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	err = clt.AddAssignees(
		ctx,
		ev.GetRepo().GetOwner().GetLogin(),
		ev.GetRepo().GetName(),
		ev.GetIssue().GetNumber(),
		[]string{b.maintainer},
	)
	if err != nil {
		return fmt.Errorf("assigning maintainer to issue failed: %w", err)
	}

	return nil
}

func (b *Bot) handleIssueComment(ctx context.Context, ev *gogithub.IssueCommentEvent) error {
	if ev.GetAction() != "created" {
		return nil
	}

	if !ev.GetIssue().IsPullRequest() {
		return nil
	}

	if b.isBotUser(ev.GetSender().GetLogin()) {
		return nil
	}

	if !strings.Contains(ev.GetComment().GetBody(), recreateCommand) {
		return nil
	}

	logger := b.logger.With(
		logfields.RepositoryOwner(ev.GetRepo().GetOwner().GetLogin()),
		logfields.Repository(ev.GetRepo().GetName()),
		logfields.PullRequest(ev.GetIssue().GetNumber()),
		zap.String("github.comment_author", ev.GetSender().GetLogin()),
	)

	if !isAllowedAssociation(ev.GetComment().GetAuthorAssociation()) {
		logger.Info(
			"recreate command from user without permission, ignoring",
			logfields.Event("recreate_command_denied"),
			zap.String("github.author_association", ev.GetComment().GetAuthorAssociation()),
		)

		return nil
	}

	logger.Info(
		"recreate command received",
		logfields.Event("recreate_command_received"),
	)

	_, err := b.updater.UpdateRepository(
		ctx,
		repoFromGithub(ev.GetRepo(), ev.GetInstallation().GetID()),
		true,
	)

	return err
}

func (b *Bot) handlePullRequest(ctx context.Context, ev *gogithub.PullRequestEvent) error {
	switch ev.GetAction() {
	case "opened", "reopened":
		return b.assignPR(ctx, ev)

	case "closed":
		return b.cleanupMergedPR(ctx, ev)

	case "synchronize":
		return b.closeEmptyPR(ctx, ev)

	case "auto_merge_enabled":
		return b.autoMergeEnabled(ctx, ev)

	case "auto_merge_disabled":
		return b.autoMergeDisabled(ctx, ev)

	default:
		return nil
	}
}

// assignPR assigns the maintainer to new pull requests and requests their
// review.
func (b *Bot) assignPR(ctx context.Context, ev *gogithub.PullRequestEvent) error {
	if b.maintainer == "" {
		return nil
	}

	owner := ev.GetRepo().GetOwner().GetLogin()
	repo := ev.GetRepo().GetName()
	prNr := ev.GetPullRequest().GetNumber()

	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	if err := clt.AddAssignees(ctx, owner, repo, prNr, []string{b.maintainer}); err != nil {
		return fmt.Errorf("assigning maintainer failed: %w", err)
	}

	pr := ev.GetPullRequest()
	if pr.GetUser().GetLogin() == b.maintainer || len(pr.RequestedReviewers) > 0 {
		return nil
	}

	if err := clt.RequestReviewers(ctx, owner, repo, prNr, []string{b.maintainer}); err != nil {
		return fmt.Errorf("requesting review failed: %w", err)
	}

	return nil
}

// cleanupMergedPR deletes the remote update branch after the bot's pull
// request was merged.
func (b *Bot) cleanupMergedPR(ctx context.Context, ev *gogithub.PullRequestEvent) error {
	pr := ev.GetPullRequest()

	if !pr.GetMerged() {
		return nil
	}

	if !strings.HasPrefix(pr.GetUser().GetLogin(), "repo-helper") ||
		!strings.HasPrefix(pr.GetTitle(), "[repo-helper]") {
		return nil
	}

	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	owner := ev.GetRepo().GetOwner().GetLogin()
	repo := ev.GetRepo().GetName()

	if err := clt.DeleteBranch(ctx, owner, repo, updater.UpdateBranchName); err != nil {
		return fmt.Errorf("deleting update branch after merge failed: %w", err)
	}

	b.logger.Info(
		"update branch deleted after pull request merge",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(pr.GetNumber()),
		logfields.Event("update_branch_deleted"),
	)

	return nil
}

// closeEmptyPR closes pull requests that contain no changes relative to
// their target branch anymore.
func (b *Bot) closeEmptyPR(ctx context.Context, ev *gogithub.PullRequestEvent) error {
	owner := ev.GetRepo().GetOwner().GetLogin()
	repo := ev.GetRepo().GetName()
	prNr := ev.GetPullRequest().GetNumber()

	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	changedFiles, err := clt.PRChangedFiles(ctx, owner, repo, prNr)
	if err != nil {
		return fmt.Errorf("querying changed files failed: %w", err)
	}

	if changedFiles > 0 {
		return nil
	}

	if err := clt.CreateIssueComment(ctx, owner, repo, prNr, emptyPRCloseMessage); err != nil {
		return fmt.Errorf("commenting on empty pull request failed: %w", err)
	}

	if err := clt.ClosePullRequest(ctx, owner, repo, prNr); err != nil {
		return fmt.Errorf("closing empty pull request failed: %w", err)
	}

	b.logger.Info(
		"empty pull request closed",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prNr),
		logfields.Event("empty_pr_closed"),
	)

	return nil
}

func (b *Bot) autoMergeEnabled(ctx context.Context, ev *gogithub.PullRequestEvent) error {
	owner := ev.GetRepo().GetOwner().GetLogin()
	repo := ev.GetRepo().GetName()
	prNr := ev.GetPullRequest().GetNumber()

	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	err = clt.EnsureRepoLabel(ctx, owner, repo, automergeLabelName, automergeLabelColor, automergeLabelDesc)
	if err != nil {
		return fmt.Errorf("ensuring automerge label exists failed: %w", err)
	}

	return clt.AddLabel(ctx, owner, repo, prNr, automergeLabelName)
}

func (b *Bot) autoMergeDisabled(ctx context.Context, ev *gogithub.PullRequestEvent) error {
	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	return clt.RemoveLabel(
		ctx,
		ev.GetRepo().GetOwner().GetLogin(),
		ev.GetRepo().GetName(),
		ev.GetPullRequest().GetNumber(),
		automergeLabelName,
	)
}

// pythonDevCheckRe matches check runs that test against python development
// versions, their failures are expected and not labeled.
var pythonDevCheckRe = regexp.MustCompile(`(?i)python ?3\.[0-9]+[- ]dev`)

// failureLabelForCheck maps a check run name to the label that marks its
// failure.
func failureLabelForCheck(name string) (string, bool) {
	if pythonDevCheckRe.MatchString(name) {
		return "", false
	}

	switch {
	case name == "Flake8" || name == "docs":
		return "failure: " + strings.ToLower(name), true

	case strings.HasPrefix(name, "mypy"):
		return "failure: mypy", true

	case strings.HasPrefix(name, "ubuntu"):
		return "failure: Linux", true

	case strings.HasPrefix(name, "windows"):
		return "failure: Windows", true

	default:
		return "", false
	}
}

// checkFailureLabels returns the failure labels of the failing and the
// successful check runs.
func checkFailureLabels(checkRuns []*githubclt.CheckRun) (failing, successful map[string]struct{}) {
	failing = map[string]struct{}{}
	successful = map[string]struct{}{}

	for _, run := range checkRuns {
		label, exist := failureLabelForCheck(run.Name)
		if !exist {
			continue
		}

		switch run.Conclusion {
		case "success":
			successful[label] = struct{}{}
		case "failure", "timed_out":
			failing[label] = struct{}{}
		}
	}

	return failing, successful
}

func (b *Bot) handleCheckRun(ctx context.Context, ev *gogithub.CheckRunEvent) error {
	if ev.GetAction() != "completed" {
		return nil
	}

	owner := ev.GetRepo().GetOwner().GetLogin()
	repo := ev.GetRepo().GetName()
	headBranch := ev.GetCheckRun().GetCheckSuite().GetHeadBranch()

	clt, err := b.gh.InstallationClient(ctx, ev.GetInstallation().GetID())
	if err != nil {
		return err
	}

	prs, err := clt.ListOpenPullRequests(ctx, owner, repo, "", owner+":"+headBranch)
	if err != nil {
		return fmt.Errorf("listing pull requests of check run branch failed: %w", err)
	}

	for _, pr := range prs {
		if err := b.labelPRFailures(ctx, clt, owner, repo, pr); err != nil {
			return err
		}
	}

	return nil
}

// labelPRFailures reconciles the failure labels of a pull request with the
// conclusions of the check runs of its head commit.
func (b *Bot) labelPRFailures(ctx context.Context, clt InstallationAPI, owner, repo string, pr *githubclt.PullRequest) error {
	checkRuns, err := clt.ListCheckRunsForRef(ctx, owner, repo, pr.HeadSHA)
	if err != nil {
		return fmt.Errorf("listing check runs failed: %w", err)
	}

	failing, successful := checkFailureLabels(checkRuns)

	currentLabels, err := clt.IssueLabels(ctx, owner, repo, pr.Number)
	if err != nil {
		return fmt.Errorf("listing pull request labels failed: %w", err)
	}

	current := map[string]struct{}{}
	for _, label := range currentLabels {
		current[label] = struct{}{}
	}

	for label := range successful {
		if _, isFailing := failing[label]; isFailing {
			continue
		}

		if _, exist := current[label]; !exist {
			continue
		}

		if err := clt.RemoveLabel(ctx, owner, repo, pr.Number, label); err != nil {
			return fmt.Errorf("removing label %q failed: %w", label, err)
		}
	}

	for label := range failing {
		if _, exist := current[label]; exist {
			continue
		}

		if err := clt.AddLabel(ctx, owner, repo, pr.Number, label); err != nil {
			return fmt.Errorf("adding label %q failed: %w", label, err)
		}
	}

	return nil
}
