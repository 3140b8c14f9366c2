package grpcgcp

import (
	"context"

	gcpdetector "go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"

	"github.com/qixuanl1/grpc-gcp-go/internal/grpclog"
)

var metricsLogger = grpclog.Component("pool-metrics")

// PoolMetricsOptions wires a ManagedChannelPool up to OpenTelemetry. A nil
// *PoolMetricsOptions, or one with a nil MeterProvider, disables
// instrumentation entirely -- every instrument becomes a no-op, the same
// pattern stats/opentelemetry/client_metrics.go uses for its metric set.
type PoolMetricsOptions struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	// DetectGCPResource attaches GCP project/zone/instance attributes to
	// every recorded metric when running on GCE/GKE/Cloud Run. Detection
	// happens once, at pool construction.
	DetectGCPResource bool
}

type poolMetrics struct {
	pool *ManagedChannelPool

	attrs []attribute.KeyValue

	activeStreams metric.Int64UpDownCounter
	channelCount  metric.Int64UpDownCounter
	callsRouted   metric.Int64Counter
	tracer        trace.Tracer
}

func newPoolMetrics(pool *ManagedChannelPool, opts *PoolMetricsOptions) *poolMetrics {
	pm := &poolMetrics{pool: pool}
	if opts == nil || opts.MeterProvider == nil {
		return pm
	}

	pm.attrs = []attribute.KeyValue{attribute.String("grpcgcp.pool_id", pool.id)}
	if opts.DetectGCPResource {
		if res, err := resource.New(context.Background(), resource.WithDetectors(gcpdetector.NewDetector())); err == nil {
			for _, kv := range res.Attributes() {
				pm.attrs = append(pm.attrs, kv)
			}
		} else {
			metricsLogger.Warningf("GCP resource detection failed, continuing without it: %v", err)
		}
	}

	meter := opts.MeterProvider.Meter("grpcgcp")

	if c, err := meter.Int64UpDownCounter("grpcgcp.pool.active_streams",
		metric.WithDescription("Active streams across all channels in the pool"),
		metric.WithUnit("{stream}")); err == nil {
		pm.activeStreams = c
	} else {
		metricsLogger.Errorf("failed to register grpcgcp.pool.active_streams: %v", err)
	}

	if c, err := meter.Int64UpDownCounter("grpcgcp.pool.channel_count",
		metric.WithDescription("Number of channels currently in the pool"),
		metric.WithUnit("{channel}")); err == nil {
		pm.channelCount = c
	} else {
		metricsLogger.Errorf("failed to register grpcgcp.pool.channel_count: %v", err)
	}

	if c, err := meter.Int64Counter("grpcgcp.pool.calls_routed",
		metric.WithDescription("RPCs routed through the pool, by dispatch kind"),
		metric.WithUnit("{call}")); err == nil {
		pm.callsRouted = c
	} else {
		metricsLogger.Errorf("failed to register grpcgcp.pool.calls_routed: %v", err)
	}

	if opts.TracerProvider != nil {
		pm.tracer = opts.TracerProvider.Tracer("grpcgcp")
	}
	return pm
}

func (pm *poolMetrics) recordChannelCreated(ref *ChannelRef) {
	if pm == nil || pm.channelCount == nil {
		return
	}
	ctx := context.Background()
	if pm.tracer != nil {
		_, span := pm.tracer.Start(ctx, "grpcgcp.pool.grow_channel")
		span.SetAttributes(attribute.Int64("grpcgcp.channel_ref_id", ref.ID()))
		span.End()
	}
	pm.channelCount.Add(ctx, 1, metric.WithAttributes(pm.attrs...))
}

func (pm *poolMetrics) recordCallRouted(method, dispatch string) {
	if pm == nil || pm.callsRouted == nil {
		return
	}
	attrs := append(append([]attribute.KeyValue{}, pm.attrs...),
		attribute.String("grpcgcp.method", method),
		attribute.String("grpcgcp.dispatch", dispatch))
	pm.callsRouted.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (pm *poolMetrics) recordStreamDelta(delta int64) {
	if pm == nil || pm.activeStreams == nil {
		return
	}
	pm.activeStreams.Add(context.Background(), delta, metric.WithAttributes(pm.attrs...))
}
