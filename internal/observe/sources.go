package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Int64Source exposes one monotonically increasing pipeline counter for
// scraping. The Value func is called on every metric collection, so it must
// be cheap and safe for concurrent use. Actor Stats snapshots qualify.
type Int64Source struct {
	// Name is the full instrument name, e.g. "nevil.capture.chunks_sent".
	Name string

	// Description documents the instrument.
	Description string

	// Value returns the current cumulative count.
	Value func() int64
}

// RegisterSources registers every source as an observable counter on the
// given provider. The returned registration can be unregistered to stop
// collection.
func RegisterSources(mp metric.MeterProvider, sources []Int64Source) (metric.Registration, error) {
	m := mp.Meter(meterName)

	instruments := make([]metric.Int64ObservableCounter, len(sources))
	observables := make([]metric.Observable, len(sources))
	for i, src := range sources {
		inst, err := m.Int64ObservableCounter(src.Name,
			metric.WithDescription(src.Description),
		)
		if err != nil {
			return nil, fmt.Errorf("observe: create %s: %w", src.Name, err)
		}
		instruments[i] = inst
		observables[i] = inst
	}

	reg, err := m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for i, src := range sources {
			o.ObserveInt64(instruments[i], src.Value())
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("observe: register callback: %w", err)
	}
	return reg, nil
}
