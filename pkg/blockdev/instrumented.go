package blockdev

import (
	"context"
	"errors"
	"time"

	"github.com/poundfs/poundfs/pkg/stats"
	"github.com/poundfs/poundfs/pkg/telemetry"
)

// Instrumented wraps a Device and counts every block transfer in a stats
// collector and in telemetry.
type Instrumented struct {
	Device
	collector stats.Collector
	metrics   DeviceMetrics
}

// Instrument decorates dev. A nil collector gets a fresh one.
func Instrument(dev Device, collector stats.Collector, tel telemetry.Telemetry, name string) *Instrumented {
	if collector == nil {
		collector = stats.NewAtomicCollector()
	}
	return &Instrumented{
		Device:    dev,
		collector: collector,
		metrics:   NewDeviceMetrics(tel, name),
	}
}

// Stats returns the collector counting this device's transfers.
func (d *Instrumented) Stats() stats.Collector { return d.collector }

func (d *Instrumented) ReadBlock(id uint64, buf []byte) error {
	start := time.Now()
	err := d.Device.ReadBlock(id, buf)
	d.track(stats.OpReadBlock, telemetry.OpTypeReadBlock, start, len(buf), false, err)
	return err
}

func (d *Instrumented) WriteBlock(id uint64, buf []byte) error {
	start := time.Now()
	err := d.Device.WriteBlock(id, buf)
	d.track(stats.OpWriteBlock, telemetry.OpTypeWriteBlock, start, len(buf), true, err)
	return err
}

func (d *Instrumented) Sync() error {
	start := time.Now()
	err := d.Device.Sync()
	d.track(stats.OpSync, telemetry.OpTypeSync, start, 0, true, err)
	return err
}

func (d *Instrumented) track(op stats.OperationType, name string, start time.Time, n int, write bool, err error) {
	elapsed := time.Since(start)
	d.collector.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		d.collector.TrackError(errorKind(err))
	} else if n > 0 {
		d.collector.TrackBytes(write, uint64(n))
	}
	d.metrics.RecordTransfer(context.Background(), name, elapsed, int64(n), err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrBadBufferSize):
		return "bad_buffer"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "io"
	}
}
