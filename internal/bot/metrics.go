package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/logfields"
)

const metricNamespace = "helperbot_bot"

const eventsMetricName = "events_received_total"

const eventTypeLabel = "event_type"

type metricCollector struct {
	logger *zap.Logger
	events *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		events: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      eventsMetricName,
				Help:      "count of received webhook events per event type",
			},
			[]string{eventTypeLabel},
		),
	}
}

func (m *metricCollector) EventsInc(eventType string) {
	cnt, err := m.events.GetMetricWith(prometheus.Labels{
		eventTypeLabel: eventType,
	})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", eventsMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)

		return
	}

	cnt.Inc()
}
