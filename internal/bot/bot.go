// Package bot reacts to GitHub webhook events.
//
// The Bot consumes the parsed events that the github event provider
// forwards to its channel and dispatches them to handlers.
// Handlers run asynchronously in go-routines and are retried with
// exponential backoff while they fail with retryable errors.
package bot

import (
	"context"
	"sync"

	gogithub "github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/logfields"
	githubprov "github.com/repo-helper/helperbot/internal/provider/github"
	"github.com/repo-helper/helperbot/internal/updater"
)

const loggerName = "bot"

const DefEventChannelBufferSize = 512

// GithubApp creates per-installation API clients.
type GithubApp interface {
	InstallationClient(ctx context.Context, installationID int64) (InstallationAPI, error)
}

// InstallationAPI is the GitHub API surface of one installation that the
// event handlers need.
type InstallationAPI interface {
	ListOpenPullRequests(ctx context.Context, owner, repo, base, head string) ([]*githubclt.PullRequest, error)
	ClosePullRequest(ctx context.Context, owner, repo string, number int) error
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
	AddAssignees(ctx context.Context, owner, repo string, issueOrPRNr int, logins []string) error
	RequestReviewers(ctx context.Context, owner, repo string, prNr int, logins []string) error
	AddLabel(ctx context.Context, owner, repo string, issueOrPRNr int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, issueOrPRNr int, label string) error
	EnsureRepoLabel(ctx context.Context, owner, repo, name, color, description string) error
	IssueLabels(ctx context.Context, owner, repo string, issueOrPRNr int) ([]string, error)
	ListCheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*githubclt.CheckRun, error)
	PRChangedFiles(ctx context.Context, owner, repo string, prNumber int) (int, error)
}

// UpdateService triggers update runs for repositories.
type UpdateService interface {
	UpdateRepository(ctx context.Context, repo *githubclt.Repository, recreate bool) (updater.Outcome, error)
}

type Bot struct {
	ch          chan *githubprov.Event
	gh          GithubApp
	updater     UpdateService
	ignoreRules []*IgnoreRule
	retryer     *Retryer
	botName     string
	maintainer  string
	logger      *zap.Logger

	handlerWg      sync.WaitGroup
	handlerDeferFn func()
}

type option func(*Bot)

// WithIgnoreRules suppresses processing of events that match one of the
// rules.
func WithIgnoreRules(rules []*IgnoreRule) option {
	return func(b *Bot) {
		b.ignoreRules = rules
	}
}

// WithHandlerRoutineDeferFunc sets a function that is deferred in every
// go-routine that executes a handler.
// It can be used to set a panic handler.
func WithHandlerRoutineDeferFunc(fn func()) option {
	return func(b *Bot) {
		b.handlerDeferFn = fn
	}
}

func New(gh GithubApp, updateService UpdateService, botName, maintainer string, opts ...option) *Bot {
	b := Bot{
		ch:         make(chan *githubprov.Event, DefEventChannelBufferSize),
		gh:         gh,
		updater:    updateService,
		retryer:    NewRetryer(),
		botName:    botName,
		maintainer: maintainer,
		logger:     zap.L().Named(loggerName),
	}

	for _, opt := range opts {
		opt(&b)
	}

	return &b
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (b *Bot) C() chan<- *githubprov.Event {
	return b.ch
}

// Start processes events from the channel until it is closed.
func (b *Bot) Start() {
	ctx := context.Background()

	b.logger.Info("ready to process events", logfields.Event("bot_started"))

	for ev := range b.ch {
		logger := b.logger.With(ev.LogFields...)

		logger.Debug("event received", logfields.Event("event_received"))
		metrics.EventsInc(ev.Type)

		if ignored, ruleName := b.isIgnored(ctx, ev); ignored {
			logger.Info(
				"event matched ignore rule, skipping",
				logfields.Event("event_ignored"),
				zap.String("ignore_rule", ruleName),
			)

			continue
		}

		switch tev := ev.Event.(type) {
		case *gogithub.PushEvent:
			b.schedule(ctx, ev, func(ctx context.Context) error {
				return b.handlePush(ctx, tev)
			})

		case *gogithub.IssuesEvent:
			b.schedule(ctx, ev, func(ctx context.Context) error {
				return b.handleIssues(ctx, tev)
			})

		case *gogithub.IssueCommentEvent:
			b.schedule(ctx, ev, func(ctx context.Context) error {
				return b.handleIssueComment(ctx, tev)
			})

		case *gogithub.PullRequestEvent:
			b.schedule(ctx, ev, func(ctx context.Context) error {
				return b.handlePullRequest(ctx, tev)
			})

		case *gogithub.CheckRunEvent:
			b.schedule(ctx, ev, func(ctx context.Context) error {
				return b.handleCheckRun(ctx, tev)
			})

		default:
			logger.Debug(
				"no handler for event type registered, skipping",
				logfields.Event("event_unhandled"),
			)
		}
	}

	b.logger.Info(
		"bot terminated, event channel was closed",
		logfields.Event("bot_terminated"),
	)
}

func (b *Bot) isIgnored(ctx context.Context, ev *githubprov.Event) (bool, string) {
	for _, rule := range b.ignoreRules {
		match, err := rule.Match(ctx, ev.JSON)
		if err != nil {
			b.logger.Error(
				"matching ignore rule failed",
				append(ev.LogFields,
					logfields.Event("ignore_rule_matching_failed"),
					zap.String("ignore_rule", rule.Name()),
					zap.Error(err),
				)...,
			)

			continue
		}

		if match {
			return true, rule.Name()
		}
	}

	return false, ""
}

func (b *Bot) schedule(ctx context.Context, ev *githubprov.Event, fn func(context.Context) error) {
	b.handlerWg.Add(1)

	go func() {
		if b.handlerDeferFn != nil {
			defer b.handlerDeferFn()
		}

		defer b.handlerWg.Done()

		_ = b.retryer.Run(ctx, fn, ev.LogFields)
	}()
}

// Stop stops the bot and waits until all scheduled handler go-routines
// terminated.
// The event channel (Bot.C()) is closed.
func (b *Bot) Stop() {
	b.logger.Debug("bot terminating", logfields.Event("bot_terminating"))
	close(b.ch)

	b.retryer.Stop()

	b.logger.Debug(
		"waiting for scheduled handlers to terminate",
		logfields.Event("bot_terminating"),
	)
	b.handlerWg.Wait()

	b.logger.Info("bot terminated", logfields.Event("bot_terminated"))
}
