package capfile

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sofiworker/gcap/gerr"
)

const instrumentationName = "github.com/sofiworker/gcap/gnet/capfile"

type metrics struct {
	packets      metric.Int64Counter
	bytes        metric.Int64Counter
	errors       metric.Int64Counter
	writePackets metric.Int64Counter
	writeBytes   metric.Int64Counter
	format       attribute.KeyValue
}

// newMetrics 创建计数器；mp 为 nil 时使用全局 MeterProvider。
func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &metrics{}
	// 创建失败时 otel 返回可用的 noop 计数器
	m.packets, _ = meter.Int64Counter("gcap.reader.packets",
		metric.WithDescription("Packets decoded"), metric.WithUnit("{packet}"))
	m.bytes, _ = meter.Int64Counter("gcap.reader.bytes",
		metric.WithDescription("Captured payload bytes decoded"), metric.WithUnit("By"))
	m.errors, _ = meter.Int64Counter("gcap.reader.errors",
		metric.WithDescription("Decode errors by kind"), metric.WithUnit("{error}"))
	m.writePackets, _ = meter.Int64Counter("gcap.writer.packets",
		metric.WithDescription("Packets encoded"), metric.WithUnit("{packet}"))
	m.writeBytes, _ = meter.Int64Counter("gcap.writer.bytes",
		metric.WithDescription("Captured payload bytes encoded"), metric.WithUnit("By"))
	return m
}

func (m *metrics) withFormat(f Format) *metrics {
	c := *m
	c.format = attribute.String("format", f.String())
	return &c
}

func (m *metrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	if m.format.Valid() {
		extra = append(extra, m.format)
	}
	return metric.WithAttributes(extra...)
}

func (m *metrics) read(n int) {
	ctx := context.Background()
	m.packets.Add(ctx, 1, m.attrs())
	m.bytes.Add(ctx, int64(n), m.attrs())
}

func (m *metrics) failed(err error) {
	m.errors.Add(context.Background(), 1, m.attrs(
		attribute.String("kind", gerr.KindOf(err).String()),
		attribute.Bool("fatal", gerr.IsFatal(err)),
	))
}

func (m *metrics) wrote(n int) {
	ctx := context.Background()
	m.writePackets.Add(ctx, 1, m.attrs())
	m.writeBytes.Add(ctx, int64(n), m.attrs())
}
