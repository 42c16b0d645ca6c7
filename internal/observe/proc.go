package observe

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.opentelemetry.io/otel/metric"
)

// procSampler reads this process's CPU time and resident memory from procfs.
// CPU percent is derived from the CPU-time delta between observations.
type procSampler struct {
	mu       sync.Mutex
	proc     procfs.Proc
	lastCPU  float64
	lastRead time.Time
}

// RegisterProcessGauges registers cpu_percent and rss_bytes observable gauges
// on the given provider. On systems without procfs (e.g. macOS in tests) it
// returns an error and the gauges are simply absent.
func RegisterProcessGauges(mp metric.MeterProvider) error {
	proc, err := procfs.Self()
	if err != nil {
		return err
	}
	s := &procSampler{proc: proc, lastRead: time.Now()}
	if stat, err := proc.Stat(); err == nil {
		s.lastCPU = stat.CPUTime()
	}

	m := mp.Meter(meterName)
	cpu, err := m.Float64ObservableGauge("voxhall.process.cpu_percent",
		metric.WithDescription("Process CPU usage in percent of one core."),
	)
	if err != nil {
		return err
	}
	rss, err := m.Int64ObservableGauge("voxhall.process.rss_bytes",
		metric.WithDescription("Process resident set size."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat, err := s.proc.Stat()
		if err != nil {
			return err
		}
		s.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(s.lastRead).Seconds()
		cpuTime := stat.CPUTime()
		var pct float64
		if elapsed > 0 {
			pct = (cpuTime - s.lastCPU) / elapsed * 100
		}
		s.lastCPU = cpuTime
		s.lastRead = now
		s.mu.Unlock()

		o.ObserveFloat64(cpu, pct)
		o.ObserveInt64(rss, int64(stat.ResidentMemory()))
		return nil
	}, cpu, rss)
	return err
}
