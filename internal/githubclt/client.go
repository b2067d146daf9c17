// Package githubclt provides the GitHub API capability of helperbot.
//
// The Client authenticates as the GitHub App and can enumerate
// installations and issue short-lived installation access tokens.
// An InstallationClient acts on behalf of one installation and provides the
// repository, pull request, comment, label and check-run operations the bot
// needs.
// All methods return a hberr.RetryableError when an operation can be
// retried, e.g. when the API rate limit is exceeded.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/repo-helper/helperbot/internal/hberr"
	"github.com/repo-helper/helperbot/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// Client is authenticated as the GitHub App itself.
type Client struct {
	appClt *github.Client
	logger *zap.Logger
}

// New returns a client for the GitHub App with the given id, authenticated
// with its private key in PEM format.
func New(appID int64, privateKeyPEM []byte) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key failed: %w", err)
	}

	httpClient := &http.Client{
		Transport: newAppTransport(appID, key),
		Timeout:   DefaultHTTPClientTimeout,
	}

	return &Client{
		appClt: github.NewClient(httpClient),
		logger: zap.L().Named(loggerName),
	}, nil
}

// ListInstallations returns the ids of all installations of the app.
func (clt *Client) ListInstallations(ctx context.Context) ([]int64, error) {
	var result []int64

	opts := github.ListOptions{PerPage: 100}

	for {
		installations, resp, err := clt.appClt.Apps.ListInstallations(ctx, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, installation := range installations {
			result = append(result, installation.GetID())
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// createInstallationToken issues a short-lived access token scoped to the
// installation.
// The token must not be cached beyond a single update run.
func (clt *Client) createInstallationToken(ctx context.Context, installationID int64) (token string, expiresAt time.Time, err error) {
	installationToken, _, err := clt.appClt.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", time.Time{}, clt.wrapRetryableErrors(err)
	}

	return installationToken.GetToken(), installationToken.GetExpiresAt().Time, nil
}

// InstallationClient issues an access token for the installation and returns
// a client that is authenticated with it.
func (clt *Client) InstallationClient(ctx context.Context, installationID int64) (*InstallationClient, error) {
	token, expiresAt, err := clt.createInstallationToken(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("issuing installation access token failed: %w", err)
	}

	httpClient := newTokenHTTPClient(ctx, token)

	clt.logger.Debug(
		"installation access token issued",
		logfields.Event("github_installation_token_issued"),
		logfields.Installation(installationID),
		zap.Time("github.token_expiry", expiresAt),
	)

	return &InstallationClient{
		restClt:        github.NewClient(httpClient),
		graphQLClt:     githubv4.NewClient(httpClient),
		installationID: installationID,
		token:          token,
		logger:         clt.logger.With(logfields.Installation(installationID)),
	}, nil
}

func newTokenHTTPClient(ctx context.Context, token string) *http.Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)

	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

func (clt *Client) wrapRetryableErrors(err error) error {
	return wrapRetryableErrors(clt.logger, err)
}

func wrapRetryableErrors(logger *zap.Logger, err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return hberr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return hberr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func wrapGraphQLRetryableErrors(logger *zap.Logger, err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return hberr.NewRetryableAnytimeError(err)
	}

	return err
}

func isNotFound(err error) bool {
	var respErr *github.ErrorResponse

	return errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound
}
