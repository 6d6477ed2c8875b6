package eventsource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: загрузка агрегата, source = snapshot | replay
	LoadDuration *prometheus.HistogramVec

	// Сколько событий проиграно при загрузке
	ReplayedEvents prometheus.Histogram

	// Результаты сохранения: ok | conflict | error
	SaveTotal *prometheus.CounterVec

	// Снапшоты: записано / отвергнуто при загрузке (по причине)
	SnapshotsWritten  prometheus.Counter
	SnapshotsRejected *prometheus.CounterVec

	// Ошибки публикации уведомлений
	PublishErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - без регистратора метрики пишутся в локальный реестр
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		LoadDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentledger_load_duration_seconds",
			Help:    "Histogram of aggregate load latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"source"}),

		ReplayedEvents: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agentledger_replayed_events",
			Help:    "Number of events replayed per load.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		SaveTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentledger_save_total",
			Help: "Total number of save attempts by result.",
		}, []string{"result"}),

		SnapshotsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentledger_snapshots_written_total",
			Help: "Total number of snapshots written.",
		}),

		SnapshotsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentledger_snapshots_rejected_total",
			Help: "Snapshots ignored on load, falling back to full replay.",
		}, []string{"reason"}),

		PublishErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentledger_publish_errors_total",
			Help: "Total number of failed event notifications.",
		}),
	}
}
