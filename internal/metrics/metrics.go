// Package metrics wires the controller's runtime counters into
// armon/go-metrics with a Prometheus sink, the same stack the teacher
// repo uses for its sync-catalog counters.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	gometrics "github.com/armon/go-metrics"
	gmprometheus "github.com/armon/go-metrics/prometheus"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	baseName          = []string{"edgeflow"}
	catalogSizeName   = append(baseName, "catalog", "size")
	flowMemoryName    = append(baseName, "flowmemory", "entries")
	dispatchHitName   = append(baseName, "dispatch", "memory_hit")
	dispatchMissName  = append(baseName, "dispatch", "memory_miss")
	deployDurName     = append(baseName, "deploy", "duration_ms")
	deployRetryName   = append(baseName, "deploy", "retries")
)

// Counters defines every gauge/counter Definition the Prometheus sink
// needs up front so it can pre-register them with help text, mirroring
// the teacher's SyncToConsulCounters table.
var Counters = []gmprometheus.CounterDefinition{
	{Name: dispatchHitName, Help: "Flow-memory hits that bypassed the dispatcher"},
	{Name: dispatchMissName, Help: "Flow-memory misses that invoked the dispatcher"},
	{Name: deployRetryName, Help: "Deploy attempts retried after a transient cluster error"},
}

var Gauges = []gmprometheus.GaugeDefinition{
	{Name: catalogSizeName, Help: "Number of entries in the service catalog"},
	{Name: flowMemoryName, Help: "Number of live flow-memory bindings"},
}

var Summaries = []gmprometheus.SummaryDefinition{
	{Name: deployDurName, Help: "Wall-clock duration of deploy/scale operations"},
}

// Sink wraps a *gometrics.Metrics configured with the Prometheus sink,
// plus the HTTP handler the controller shell exposes on the configured
// metrics port.
type Sink struct {
	m *gometrics.Metrics
}

// New constructs a Sink. serviceName becomes the Prometheus metric
// namespace.
func New(serviceName string) (*Sink, error) {
	promSink, err := gmprometheus.NewPrometheusSinkFrom(gmprometheus.PrometheusOpts{
		CounterDefinitions: Counters,
		GaugeDefinitions:   Gauges,
		SummaryDefinitions: Summaries,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: new prometheus sink: %w", err)
	}
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	m, err := gometrics.New(cfg, promSink)
	if err != nil {
		return nil, fmt.Errorf("metrics: new metrics instance: %w", err)
	}
	return &Sink{m: m}, nil
}

func (s *Sink) DispatchHit()  { s.m.IncrCounter(dispatchHitName, 1) }
func (s *Sink) DispatchMiss() { s.m.IncrCounter(dispatchMissName, 1) }
func (s *Sink) DeployRetry()  { s.m.IncrCounter(deployRetryName, 1) }

func (s *Sink) CatalogSize(n int)    { s.m.SetGauge(catalogSizeName, float32(n)) }
func (s *Sink) FlowMemorySize(n int) { s.m.SetGauge(flowMemoryName, float32(n)) }

func (s *Sink) DeployDuration(d time.Duration) {
	s.m.AddSample(deployDurName, float32(d.Milliseconds()))
}

// Serve starts an HTTP server exposing the Prometheus "/metrics"
// endpoint on addr. It runs until the process exits or the listener
// fails; callers typically run it in its own goroutine.
func Serve(log hclog.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics endpoint listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
