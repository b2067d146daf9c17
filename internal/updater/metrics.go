package updater

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/logfields"
)

const metricNamespace = "helperbot_updater"

const runsMetricName = "update_runs_total"

const (
	repositoryLabel = "repository"
	outcomeLabel    = "outcome"
)

type metricCollector struct {
	logger *zap.Logger
	runs   *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		runs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      runsMetricName,
				Help:      "count of update runs per repository and outcome",
			},
			[]string{repositoryLabel, outcomeLabel},
		),
	}
}

func (m *metricCollector) RunsInc(repository string, outcome Outcome) {
	cnt, err := m.runs.GetMetricWith(prometheus.Labels{
		repositoryLabel: repository,
		outcomeLabel:    outcome.String(),
	})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", runsMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)

		return
	}

	cnt.Inc()
}
