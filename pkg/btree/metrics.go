// ABOUTME: Record store telemetry: per-operation latency and outcome counters
// ABOUTME: A nil Telemetry yields the no-op implementation

package btree

import (
	"context"
	"time"

	"github.com/poundfs/poundfs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// BtreeMetrics defines the telemetry recorded by an Operator.
type BtreeMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records one operator call and its outcome.
	RecordOperation(ctx context.Context, op string, duration time.Duration, result string, err error)

	// RecordFill records how many records the block holds after a write.
	RecordFill(ctx context.Context, records, capacity int)
}

type btreeMetrics struct {
	tel telemetry.Telemetry
}

// NewBtreeMetrics creates operator metrics on top of tel.
func NewBtreeMetrics(tel telemetry.Telemetry) BtreeMetrics {
	if tel == nil {
		return &noopBtreeMetrics{}
	}
	return &btreeMetrics{tel: tel}
}

func (m *btreeMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, result string, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBtree),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, status),
	}
	if result != "" {
		attrs = append(attrs, attribute.String(telemetry.AttrResult, result))
	}

	m.tel.RecordHistogram(ctx, "poundfs.btree.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "poundfs.btree.operations.total", 1, attrs...)
}

func (m *btreeMetrics) RecordFill(ctx context.Context, records, capacity int) {
	if capacity <= 0 {
		return
	}
	m.tel.RecordHistogram(ctx, "poundfs.btree.fill_ratio", float64(records)/float64(capacity),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBtree))
}

func (m *btreeMetrics) Close() error { return nil }

type noopBtreeMetrics struct{}

func (n *noopBtreeMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, result string, err error) {
}

func (n *noopBtreeMetrics) RecordFill(ctx context.Context, records, capacity int) {}

func (n *noopBtreeMetrics) Close() error { return nil }
