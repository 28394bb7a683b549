package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"artline/internal/domain"
)

var (
	checkoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artline_checkout_total",
		Help: "Checkout attempts by result",
	}, []string{"result"})

	checkinTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artline_checkin_total",
		Help: "Checkin attempts by result",
	}, []string{"result"})

	conflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artline_conflicts_detected_total",
		Help: "Conflicts opened or reopened by kind",
	}, []string{"kind"})

	adminOverrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artline_admin_overrides_total",
		Help: "Audited admin overrides by operation",
	}, []string{"operation"})

	bulkCheckoutSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "artline_bulk_checkout_size",
		Help:    "Artifacts locked per successful bulk checkout",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	locksSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artline_locks_swept_total",
		Help: "Locks removed by the sweeper by reason",
	}, []string{"reason"})

	baselinePromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artline_baseline_promotions_total",
		Help: "Versions promoted to baseline",
	})
)

func resultLabel(err error) string {
	var (
		locked  ArtifactLockedError
		notOut  NotCheckedOutError
		invalid ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &locked):
		return "locked"
	case errors.As(err, &notOut):
		return "not_checked_out"
	case errors.As(err, &invalid):
		return "invalid"
	}
	return "error"
}

var (
	tracer = otel.Tracer("artline.impact")
	meter  = otel.Meter("artline.impact")
)

var (
	impactLatency  metric.Float64Histogram
	impactRequired metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		impactLatency, err = meter.Float64Histogram(
			"impact_analysis_duration_seconds",
			metric.WithDescription("Duration of checkout impact analysis"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		impactRequired, err = meter.Int64Histogram(
			"impact_required_checkouts",
			metric.WithDescription("Required checkouts per impact analysis"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startImpactSpan(ctx context.Context, name string, ref domain.ArtifactRef, initiativeID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("artifact.type", string(ref.Type)),
			attribute.String("artifact.id", ref.ID),
			attribute.String("initiative.id", initiativeID),
		),
	)
}

func recordImpactMetrics(ctx context.Context, duration time.Duration, report domain.ImpactReport) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("risk_level", report.RiskLevel))
	impactLatency.Record(ctx, duration.Seconds(), attrs)
	impactRequired.Record(ctx, int64(report.Summary.TotalRequiredCheckouts), attrs)
}
