// ABOUTME: Block device telemetry: transfer latency, byte counts and failures per operation
// ABOUTME: Recorded by the Instrumented decorator; a nil Telemetry yields the no-op implementation

package blockdev

import (
	"context"
	"time"

	"github.com/poundfs/poundfs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DeviceMetrics defines the telemetry recorded for block transfers.
type DeviceMetrics interface {
	telemetry.ComponentMetrics

	// RecordTransfer records one block read or write.
	RecordTransfer(ctx context.Context, op string, duration time.Duration, bytes int64, err error)
}

type deviceMetrics struct {
	tel  telemetry.Telemetry
	name string
}

// NewDeviceMetrics creates device metrics labelled with the device name.
func NewDeviceMetrics(tel telemetry.Telemetry, name string) DeviceMetrics {
	if tel == nil {
		return &noopDeviceMetrics{}
	}
	return &deviceMetrics{tel: tel, name: name}
}

func (m *deviceMetrics) RecordTransfer(ctx context.Context, op string, duration time.Duration, bytes int64, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockDev),
		attribute.String(telemetry.AttrDevice, m.name),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, status),
	}

	m.tel.RecordHistogram(ctx, "poundfs.blockdev.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "poundfs.blockdev.operations.total", 1, attrs...)
	if err == nil {
		telemetry.RecordBytes(ctx, m.tel, "poundfs.blockdev.bytes", bytes, attrs...)
	}
}

func (m *deviceMetrics) Close() error { return nil }

type noopDeviceMetrics struct{}

func (n *noopDeviceMetrics) RecordTransfer(ctx context.Context, op string, duration time.Duration, bytes int64, err error) {
}

func (n *noopDeviceMetrics) Close() error { return nil }
