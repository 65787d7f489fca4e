package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Runtime is a point-in-time view of process resource usage read from the Go
// collector's families.
type Runtime struct {
	HeapAllocBytes float64 `json:"heap_alloc_bytes"`
	SysBytes       float64 `json:"sys_bytes"`
	Goroutines     float64 `json:"goroutines"`
}

// HeapAllocMB returns the live heap in mebibytes.
func (r Runtime) HeapAllocMB() float64 { return r.HeapAllocBytes / (1024 * 1024) }

// ReadRuntime gathers g and extracts the Go runtime families. The default
// registry carries the Go collector, so prometheus.DefaultGatherer works in
// production; tests pass a private registry.
func ReadRuntime(g prometheus.Gatherer) (Runtime, error) {
	families, err := g.Gather()
	if err != nil {
		return Runtime{}, fmt.Errorf("metrics: gather: %w", err)
	}
	var rt Runtime
	found := false
	for _, mf := range families {
		switch mf.GetName() {
		case "go_memstats_heap_alloc_bytes":
			rt.HeapAllocBytes = gaugeValue(mf)
			found = true
		case "go_memstats_sys_bytes":
			rt.SysBytes = gaugeValue(mf)
		case "go_goroutines":
			rt.Goroutines = gaugeValue(mf)
		}
	}
	if !found {
		return rt, fmt.Errorf("metrics: go collector not registered")
	}
	return rt, nil
}

// gaugeValue sums the gauge (or untyped) samples of a family.
func gaugeValue(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_GAUGE:
			total += m.GetGauge().GetValue()
		case dto.MetricType_UNTYPED:
			total += m.GetUntyped().GetValue()
		case dto.MetricType_COUNTER:
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
