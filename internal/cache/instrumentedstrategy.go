package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	strategyMetricsOnce  sync.Once
	encryptionDuration   metric.Float64Histogram
	encryptionOperations metric.Int64Counter
)

func initStrategyMetrics() {
	strategyMetricsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		encryptionDuration, err = meter.Float64Histogram(
			"cache.encryption.duration",
			metric.WithDescription("Cache encryption operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionOperations, err = meter.Int64Counter(
			"cache.encryption.total",
			metric.WithDescription("Total cache encryption operations"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// InstrumentedStrategy records duration and outcome of every encrypt and
// decrypt performed by the wrapped strategy.
type InstrumentedStrategy struct {
	wrapped EncryptionStrategy
}

func NewInstrumentedStrategy(strategy EncryptionStrategy) *InstrumentedStrategy {
	initStrategyMetrics()
	return &InstrumentedStrategy{wrapped: strategy}
}

func (s *InstrumentedStrategy) EncryptValue(ctx context.Context, data []byte, key string) (string, error) {
	start := time.Now()
	result, err := s.wrapped.EncryptValue(ctx, data, key)
	recordEncryption(ctx, "encrypt", time.Since(start), err)
	return result, err
}

func (s *InstrumentedStrategy) DecryptValue(ctx context.Context, value string, key string) ([]byte, error) {
	start := time.Now()
	result, err := s.wrapped.DecryptValue(ctx, value, key)
	recordEncryption(ctx, "decrypt", time.Since(start), err)
	return result, err
}

func (s *InstrumentedStrategy) StorageKey(key string) string {
	return s.wrapped.StorageKey(key)
}

func (s *InstrumentedStrategy) Close() error {
	return s.wrapped.Close()
}

func recordEncryption(ctx context.Context, operation string, duration time.Duration, err error) {
	result := outcome(err)

	if encryptionDuration != nil {
		encryptionDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("encryption.operation", operation)),
		)
	}

	if encryptionOperations != nil {
		encryptionOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("encryption.operation", operation),
				attribute.String("encryption.outcome", result),
			),
		)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
		attribute.String("cache."+operation+".outcome", result),
	)
}
