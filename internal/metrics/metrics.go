package metrics

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "webhookrelay"

const (
	MessagesEnqueued     = "relay.messages.enqueued"
	MessagesDropped      = "relay.messages.dropped"
	MessagesDelivered    = "relay.messages.delivered"
	MessagesDiscarded    = "relay.messages.discarded"
	MessagesDeadLettered = "relay.messages.dead_lettered"
	DeliveryFailures     = "relay.delivery.failures"
	Reconnects           = "relay.connection.reconnects"
)

// Recorder owns the relay counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider

	enqueued     metric.Int64Counter
	dropped      metric.Int64Counter
	delivered    metric.Int64Counter
	discarded    metric.Int64Counter
	deadLettered metric.Int64Counter
	failures     metric.Int64Counter
	reconnects   metric.Int64Counter
}

// New builds a Recorder on a private MeterProvider read on demand by Snapshot.
func New() (*Recorder, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	r := &Recorder{reader: reader, provider: provider}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.enqueued, MessagesEnqueued, "Inbound messages written to the pending queue"},
		{&r.dropped, MessagesDropped, "Inbound messages rejected before enqueue"},
		{&r.delivered, MessagesDelivered, "Messages accepted by the webhook"},
		{&r.discarded, MessagesDiscarded, "Messages removed by the destination filter"},
		{&r.deadLettered, MessagesDeadLettered, "Messages removed after exhausting retries"},
		{&r.failures, DeliveryFailures, "Drain passes that failed to deliver a message"},
		{&r.reconnects, Reconnects, "Scheduled session reconnects"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return r, nil
}

func (r *Recorder) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if r == nil || counter == nil {
		return
	}
	if len(attrs) == 0 {
		counter.Add(ctx, 1)
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (r *Recorder) Enqueued(ctx context.Context) {
	if r != nil {
		r.add(ctx, r.enqueued)
	}
}

// Dropped counts an inbound message rejected for reason.
func (r *Recorder) Dropped(ctx context.Context, reason string) {
	if r != nil {
		r.add(ctx, r.dropped, attribute.String("reason", reason))
	}
}

func (r *Recorder) Delivered(ctx context.Context) {
	if r != nil {
		r.add(ctx, r.delivered)
	}
}

func (r *Recorder) Discarded(ctx context.Context) {
	if r != nil {
		r.add(ctx, r.discarded)
	}
}

func (r *Recorder) DeadLettered(ctx context.Context) {
	if r != nil {
		r.add(ctx, r.deadLettered)
	}
}

func (r *Recorder) DeliveryFailed(ctx context.Context) {
	if r != nil {
		r.add(ctx, r.failures)
	}
}

func (r *Recorder) Reconnect(ctx context.Context) {
	if r != nil {
		r.add(ctx, r.reconnects)
	}
}

// Snapshot collects every counter. Each metric reports its total under its
// name and, for attributed points, under name.value1.value2.
func (r *Recorder) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	if r == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
				if dp.Attributes.Len() == 0 {
					continue
				}
				parts := []string{m.Name}
				iter := dp.Attributes.Iter()
				for iter.Next() {
					parts = append(parts, iter.Attribute().Value.Emit())
				}
				out[strings.Join(parts, ".")] += dp.Value
			}
		}
	}
	return out, nil
}

// Names lists the counters a Snapshot can report.
func Names() []string {
	names := []string{
		MessagesEnqueued, MessagesDropped, MessagesDelivered, MessagesDiscarded,
		MessagesDeadLettered, DeliveryFailures, Reconnects,
	}
	sort.Strings(names)
	return names
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
