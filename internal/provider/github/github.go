// Package github receives GitHub webhook deliveries.
//
// The Provider listens at a http-server handler, validates and parses the
// requests and forwards them as Events to a channel that the bot event loop
// consumes.
package github

import (
	"net/http"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/logfields"
)

const loggerName = "github-event-provider"

type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	parsed, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	ev := Event{
		DeliveryID: deliveryID,
		Type:       hookType,
		JSON:       payload,
		Event:      parsed,
		LogFields:  append(logFields, eventLogFields(parsed)...),
	}

	select {
	case p.c <- &ev:
		logger.Debug(
			"event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}

type pushEventRepoGetter interface {
	GetRepo() *github.PushEventRepository
}

type repoGetter interface {
	GetRepo() *github.Repository
}

type refGetter interface {
	GetRef() string
}

type pullRequestGetter interface {
	GetPullRequest() *github.PullRequest
}

// eventLogFields extracts the repository, branch and pull request
// information that the parsed event carries into zap fields.
func eventLogFields(ghEvent any) []zap.Field {
	var result []zap.Field

	if v, ok := ghEvent.(pushEventRepoGetter); ok {
		if repo := v.GetRepo(); repo != nil {
			result = append(
				result,
				logfields.Repository(repo.GetName()),
				logfields.RepositoryOwner(repo.GetOwner().GetLogin()),
			)
		}
	} else if v, ok := ghEvent.(repoGetter); ok {
		if repo := v.GetRepo(); repo != nil {
			result = append(
				result,
				logfields.Repository(repo.GetName()),
				logfields.RepositoryOwner(repo.GetOwner().GetLogin()),
			)
		}
	}

	if v, ok := ghEvent.(refGetter); ok {
		if ref := v.GetRef(); strings.HasPrefix(ref, "refs/heads/") {
			result = append(result, logfields.Branch(strings.TrimPrefix(ref, "refs/heads/")))
		}
	}

	if v, ok := ghEvent.(pullRequestGetter); ok {
		if pr := v.GetPullRequest(); pr != nil {
			result = append(result, logfields.PullRequest(pr.GetNumber()))

			if head := pr.GetHead(); head != nil {
				// ref contains only the branch name, without
				// the 'refs/heads/' prefix
				result = append(
					result,
					logfields.Commit(head.GetSHA()),
					logfields.Branch(head.GetRef()),
				)
			}
		}
	}

	return result
}
