package expiry

import (
	"context"

	"github.com/wolfeidau/jobstore/store/jobdb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds expiration-related OpenTelemetry metric instruments.
type Metrics struct {
	passesTotal       metric.Int64Counter
	passDuration      metric.Float64Histogram
	recordsDeleted    metric.Int64Counter
	batchesTotal      metric.Int64Counter
	lockAttemptsTotal metric.Int64Counter
	errorsTotal       metric.Int64Counter
	lastPassTimestamp metric.Float64Gauge
	lastPassSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	passesTotal, err := meter.Int64Counter(
		"jobstore_expiration_passes_total",
		metric.WithDescription("Total number of expiration passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"jobstore_expiration_pass_duration_seconds",
		metric.WithDescription("Expiration pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	recordsDeleted, err := meter.Int64Counter(
		"jobstore_expiration_records_deleted_total",
		metric.WithDescription("Total number of expired records deleted"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	batchesTotal, err := meter.Int64Counter(
		"jobstore_expiration_batches_total",
		metric.WithDescription("Total number of non-empty deletion batches"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	lockAttemptsTotal, err := meter.Int64Counter(
		"jobstore_expiration_lock_attempts_total",
		metric.WithDescription("Total sweep lock acquisition attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"jobstore_expiration_errors_total",
		metric.WithDescription("Total number of record kinds that failed during a pass"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastPassTimestamp, err := meter.Float64Gauge(
		"jobstore_expiration_last_pass_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last expiration pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastPassSuccess, err := meter.Float64Gauge(
		"jobstore_expiration_last_pass_success",
		metric.WithDescription("Whether last expiration pass was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		passesTotal:       passesTotal,
		passDuration:      passDuration,
		recordsDeleted:    recordsDeleted,
		batchesTotal:      batchesTotal,
		lockAttemptsTotal: lockAttemptsTotal,
		errorsTotal:       errorsTotal,
		lastPassTimestamp: lastPassTimestamp,
		lastPassSuccess:   lastPassSuccess,
	}, nil
}

func (m *Metrics) recordBatch(ctx context.Context, kind jobdb.Kind, deleted int) {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	m.batchesTotal.Add(ctx, 1, attrs)
	m.recordsDeleted.Add(ctx, int64(deleted), attrs)
}

func (m *Metrics) recordLock(ctx context.Context, resource, outcome string) {
	m.lockAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordPass(ctx context.Context, result *Result) {
	m.passesTotal.Add(ctx, 1)
	m.passDuration.Record(ctx, result.Duration.Seconds())
	m.lastPassTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	for _, kr := range result.Kinds {
		if kr.Error != "" {
			m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kr.Kind))))
		}
	}

	if len(result.Errors) == 0 {
		m.lastPassSuccess.Record(ctx, 1)
	} else {
		m.lastPassSuccess.Record(ctx, 0)
	}
}
