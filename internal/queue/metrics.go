package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Observable is the read-only view the depth gauge needs.
type Observable interface {
	Name() string
	Len() int
}

// ObserveDepth registers an observable gauge reporting the current length of
// each queue. The caller unregisters it when the queues are retired.
func ObserveDepth(queues ...Observable) (metric.Registration, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/queue")
	gauge, err := meter.Int64ObservableGauge("scribe.queue.depth", metric.WithDescription("Items waiting in a pipeline queue"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, q := range queues {
			obs.ObserveInt64(gauge, int64(q.Len()), metric.WithAttributes(attribute.String("queue", q.Name())))
		}
		return nil
	}, gauge)
}
