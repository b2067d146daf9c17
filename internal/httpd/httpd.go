// Package httpd provides the http endpoints of helperbot that are not
// webhook related.
//
// It serves a landing page, an endpoint to request an update run for a
// single repository and the prometheus metrics.
package httpd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/logfields"
	"github.com/repo-helper/helperbot/internal/updater"
)

const loggerName = "httpd"

const homeText = "This is helperbot, keeping repository configuration files up to date.\n"

const repoNotFoundText = "Repository not found, or helperbot is not installed on it.\n"

// UpdateService locates installation repositories and triggers update runs.
type UpdateService interface {
	FindInstalledRepository(ctx context.Context, owner, name string) (*githubclt.Repository, error)
	UpdateRepository(ctx context.Context, repo *githubclt.Repository, recreate bool) (updater.Outcome, error)
}

type Service struct {
	updater UpdateService
	logger  *zap.Logger
}

func New(updateService UpdateService) *Service {
	return &Service{
		updater: updateService,
		logger:  zap.L().Named(loggerName),
	}
}

// RegisterRoutes registers the http endpoints of the service on the router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", s.home).Methods(http.MethodGet)
	router.HandleFunc("/request/{owner}/{repo}", s.requestRun).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Service) home(resp http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(resp, homeText)
}

// requestRun triggers a synchronous update run for the repository in the
// request path.
// The run is subject to the same per-day throttling as runs that pushes
// trigger.
func (s *Service) requestRun(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	owner := vars["owner"]
	repoName := vars["repo"]
	fullName := owner + "/" + repoName

	logger := s.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repoName),
	)

	logger.Info(
		"update run requested via http",
		logfields.Event("http_update_run_requested"),
	)

	repo, err := s.updater.FindInstalledRepository(req.Context(), owner, repoName)
	if err != nil {
		logger.Error(
			"locating repository failed",
			logfields.Event("http_update_run_failed"),
			zap.Error(err),
		)

		http.Error(resp, fmt.Sprintf("An error occurred when running for %s.\n", fullName), http.StatusInternalServerError)
		return
	}

	if repo == nil {
		http.Error(resp, repoNotFoundText, http.StatusNotFound)
		return
	}

	outcome, err := s.updater.UpdateRepository(req.Context(), repo, false)
	if outcome == updater.OutcomeFailure {
		logger.Error(
			"update run failed",
			logfields.Event("http_update_run_failed"),
			logfields.Outcome(outcome.String()),
			zap.Error(err),
		)

		http.Error(resp, fmt.Sprintf("An error occurred when running for %s.\n", fullName), http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(resp, "Run successful for %s.\n", fullName)
}
