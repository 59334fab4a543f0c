package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wolfeidau/jobstore/store/jobdb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/jobstore"

// Config selects where metrics are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	// Empty disables OTLP export.
	OTLPEndpoint string

	// Prometheus serves the scrape endpoint through PrometheusHandler.
	Prometheus bool

	// ExportInterval is the OTLP push interval (default 10s).
	ExportInterval time.Duration
}

// provider is the process-wide metrics state.
type provider struct {
	mp    *sdkmetric.MeterProvider
	prom  http.Handler
	admin *adminInstruments
}

var (
	current  *provider
	initOnce sync.Once
	initErr  error
)

// InitMetrics installs the global meter provider and returns its shutdown
// function. Only the first call has an effect.
func InitMetrics(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = initProvider(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownProvider, nil
}

func initProvider(ctx context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "jobstore"
	}
	if cfg.ExportInterval == 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	readers, prom, err := newReaders(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	return useProvider(mp, prom)
}

func newReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, http.Handler, error) {
	var (
		readers []sdkmetric.Reader
		prom    http.Handler
	)

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval)))
	}

	if cfg.Prometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, exp)
		prom = promhttp.Handler()
	}

	// Instruments still need a reader to aggregate into.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(discardExporter{}, sdkmetric.WithInterval(cfg.ExportInterval)))
	}
	return readers, prom, nil
}

// useProvider makes mp the source of Meter and the admin instruments.
func useProvider(mp *sdkmetric.MeterProvider, prom http.Handler) error {
	admin, err := newAdminInstruments(mp.Meter(meterName))
	if err != nil {
		return err
	}
	current = &provider{mp: mp, prom: prom, admin: admin}
	return nil
}

func shutdownProvider(ctx context.Context) error {
	if current == nil {
		return nil
	}
	err := current.mp.Shutdown(ctx)
	current = nil
	return err
}

// Meter returns the jobstore meter, or a no-op meter before InitMetrics.
func Meter() metric.Meter {
	if current == nil {
		return noop.NewMeterProvider().Meter(meterName)
	}
	return current.mp.Meter(meterName)
}

// adminInstruments measure the admin HTTP surface.
type adminInstruments struct {
	requests  metric.Int64Counter     // {method, status_class}
	duration  metric.Float64Histogram // {method, status_class}
	endpoints metric.Int64Counter     // {endpoint, status_class[, kind]}
}

func newAdminInstruments(meter metric.Meter) (*adminInstruments, error) {
	requests, err := meter.Int64Counter("jobstore_admin_requests_total",
		metric.WithDescription("Admin HTTP requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("jobstore_admin_request_duration_seconds",
		metric.WithDescription("Admin HTTP request latency; manual passes can run for minutes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600))
	if err != nil {
		return nil, err
	}

	endpoints, err := meter.Int64Counter("jobstore_admin_endpoint_requests_total",
		metric.WithDescription("Admin HTTP requests by endpoint and record kind"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	return &adminInstruments{requests: requests, duration: duration, endpoints: endpoints}, nil
}

// RecordHTTP records one admin request. Endpoint and record kind come from
// the request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if current == nil {
		return
	}
	admin := current.admin
	class := StatusClass(status)

	shared := metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("status_class", class),
	)
	admin.requests.Add(ctx, 1, shared)
	admin.duration.Record(ctx, duration.Seconds(), shared)

	tags := GetTags(r)
	if tags == nil || tags.Endpoint == "" {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", tags.Endpoint),
		attribute.String("status_class", class),
	}
	if tags.Kind != "" {
		attrs = append(attrs, attribute.String("kind", tags.Kind))
	}
	admin.endpoints.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// StatsFunc reports record counts per kind.
type StatsFunc func(ctx context.Context) (map[jobdb.Kind]jobdb.KindStats, error)

// ObserveStore publishes per-kind record and pending-expiry gauges, read from
// stats at each collection. Unregister the returned registration on shutdown.
func ObserveStore(stats StatsFunc) (metric.Registration, error) {
	meter := Meter()

	records, err := meter.Int64ObservableGauge("jobstore_store_records",
		metric.WithDescription("Records stored per kind"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}

	expiring, err := meter.Int64ObservableGauge("jobstore_store_expiring_records",
		metric.WithDescription("Records with an expiry set per kind"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		byKind, err := stats(ctx)
		if err != nil {
			return err
		}
		for kind, ks := range byKind {
			attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
			o.ObserveInt64(records, int64(ks.Records), attrs)
			o.ObserveInt64(expiring, int64(ks.Expiring), attrs)
		}
		return nil
	}, records, expiring)
}

// PrometheusHandler serves the scrape endpoint, or 404 when Prometheus
// export is disabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if current == nil || current.prom == nil {
			http.NotFound(w, r)
			return
		}
		current.prom.ServeHTTP(w, r)
	})
}

// StatusClass buckets an HTTP status as 2xx, 3xx, 4xx or 5xx.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}

type discardExporter struct{}

func (discardExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (discardExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (discardExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }
func (discardExporter) ForceFlush(context.Context) error                          { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }
