// ABOUTME: Telemetry interface shared by the block device, record store and formatter
// ABOUTME: Packages outside telemetry never import the otel SDK; they go through this interface

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records histograms, counters and spans. Implementations must be
// safe for concurrent use.
type Telemetry interface {
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is embedded by the per-package metrics interfaces.
type ComponentMetrics interface {
	Close() error
}

type noop struct{}

var _ Telemetry = noop{}

// NewNoop returns a Telemetry that drops everything. Spans come from the
// incoming context, so a caller's trace is left untouched.
func NewNoop() Telemetry { return noop{} }

func (noop) RecordHistogram(context.Context, string, float64, ...attribute.KeyValue) {}

func (noop) RecordCounter(context.Context, string, int64, ...attribute.KeyValue) {}

func (noop) StartSpan(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (noop) Shutdown(context.Context) error { return nil }

// IsNoop reports whether tel was built by NewNoop.
func IsNoop(tel Telemetry) bool {
	_, ok := tel.(noop)
	return ok
}

// RecordDuration records the seconds elapsed since start.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes adds n to a byte counter. Non-positive counts are dropped.
func RecordBytes(ctx context.Context, tel Telemetry, name string, n int64, attrs ...attribute.KeyValue) {
	if n <= 0 {
		return
	}
	tel.RecordCounter(ctx, name, n, attrs...)
}

// Attribute keys
const (
	AttrComponent     = "component"
	AttrDevice        = "device"
	AttrOperationType = "operation.type"
	AttrResult        = "result"
	AttrStatus        = "status"
)

// Operation names, shared with the stats collector where they overlap.
const (
	OpTypeReadBlock  = "read_block"
	OpTypeWriteBlock = "write_block"
	OpTypeSync       = "sync"
	OpTypeGet        = "get"
	OpTypeSet        = "set"
	OpTypeUpdate     = "update"
	OpTypeCreate     = "create"
	OpTypeMkfs       = "mkfs"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	ComponentBlockDev = "blockdev"
	ComponentBtree    = "btree"
	ComponentMkfs     = "mkfs"
)
