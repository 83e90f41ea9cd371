package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/RelayFlow/internal/app/pipeline"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// PromObs implements ports.Observability with Prometheus collectors and a
// structured logger. Unknown metric names are ignored.
type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

func histogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
}

// NewPromObs registers the pipeline metrics with reg. A nil reg uses the
// default registerer; a nil logger uses slog.Default.
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) (*PromObs, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			pipeline.MetricRecordsRead:      counter(pipeline.MetricRecordsRead, "Records read from sources."),
			pipeline.MetricRecordsWritten:   counter(pipeline.MetricRecordsWritten, "Records acknowledged by destinations."),
			pipeline.MetricRecordsDropped:   counter(pipeline.MetricRecordsDropped, "Records a transform chose to drop."),
			pipeline.MetricRecordsDuplicate: counter(pipeline.MetricRecordsDuplicate, "Re-delivered records a destination already had."),
			pipeline.MetricRetries:          counter(pipeline.MetricRetries, "Retried source, destination and checkpoint calls."),
			pipeline.MetricCheckpoints:      counter(pipeline.MetricCheckpoints, "Checkpoints committed."),
			pipeline.MetricDeadLetters:      counter(pipeline.MetricDeadLetters, "Records sent to the dead-letter sink."),
			pipeline.MetricCollectorRecords: counter(pipeline.MetricCollectorRecords, "Records buffered from live collectors."),
			pipeline.MetricCollectorDropped: counter(pipeline.MetricCollectorDropped, "Collected records lost to buffer backpressure."),
		},
		gauges: map[string]prometheus.Gauge{
			pipeline.MetricCheckpointPos: gauge(pipeline.MetricCheckpointPos, "Last committed source position."),
			pipeline.MetricBufferBytes:   gauge(pipeline.MetricBufferBytes, "Size of the collector buffer log on disk."),
		},
		histos: map[string]prometheus.Observer{
			pipeline.MetricBatchLatency: histogram(pipeline.MetricBatchLatency, "Time from batch read to checkpoint commit."),
			pipeline.MetricWriteLatency: histogram(pipeline.MetricWriteLatency, "Destination write latency including retries."),
		},
	}

	for _, c := range p.counters {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, g := range p.gauges {
		if err := reg.Register(g); err != nil {
			return nil, err
		}
	}
	for _, h := range p.histos {
		if err := reg.Register(h.(prometheus.Collector)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Warn(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(dl domain.DeadLetter) {
	p.IncCounter(pipeline.MetricDeadLetters, 1)
	p.logger.Warn("dead_letter",
		"pipeline", dl.PipelineID,
		"run_id", dl.RunID,
		"stream", dl.Stream,
		"position", uint64(dl.Position),
		"error", dl.Error,
	)
}

var _ ports.Observability = (*PromObs)(nil)
