// Package controllershell wires the switches, catalog, flow memory,
// dispatcher, scheduler, service manager and pipeline together from
// configuration, and owns the OpenFlow event dispatch loop and graceful
// shutdown.
package controllershell

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/catalog"
	"github.com/edgeflow/controller/internal/cluster"
	"github.com/edgeflow/controller/internal/config"
	"github.com/edgeflow/controller/internal/dispatch"
	"github.com/edgeflow/controller/internal/flowmemory"
	"github.com/edgeflow/controller/internal/metrics"
	"github.com/edgeflow/controller/internal/openflow"
	"github.com/edgeflow/controller/internal/pipeline"
	"github.com/edgeflow/controller/internal/servicemgr"
	"github.com/edgeflow/controller/internal/topology"
)

// Shell is the assembled controller: every component plus the switch
// set built from configuration.
type Shell struct {
	Log    hclog.Logger
	Config *config.Config

	Catalog    *catalog.Trie
	Store      *catalog.ManifestStore
	Memory     *flowmemory.Memory
	Manager    *servicemgr.Manager
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline
	Metrics    *metrics.Sink

	Switches map[addr.DPID]*topology.Switch

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ClusterFactory builds a live Cluster adapter for a given edge and
// cluster type; the controller shell has no business constructing
// Kubernetes/Docker clients itself (kubeconfig loading, docker socket
// discovery), so the caller (main) supplies this.
type ClusterFactory func(edge *topology.Edge, clusterType string, configFile string) (cluster.Cluster, error)

// New assembles a Shell from cfg. It does not yet load clusters or
// services; call LoadAll for that once the cluster factory is ready.
func New(log hclog.Logger, cfg *config.Config) (*Shell, error) {
	store, err := catalog.NewManifestStore(cfg.ServicesDir)
	if err != nil {
		return nil, err
	}

	switches, err := buildSwitches(cfg)
	if err != nil {
		return nil, err
	}

	cat := catalog.New()
	idle := time.Duration(cfg.FlowIdleTimeout) * 10 * time.Second
	mem := flowmemory.New(idle)

	mgr := servicemgr.New(log.Named("servicemgr"), cat, store, switches)

	var sink *metrics.Sink
	if cfg.MetricsAddr != "" {
		sink, err = metrics.New("edgeflow")
		if err != nil {
			return nil, err
		}
		mgr.Metrics = sink
	}
	mgr.LogPerf = cfg.LogPerformance

	disp := dispatch.New(log.Named("dispatch"), mem, mgr, sink, 8)

	pl := &pipeline.Pipeline{
		Log:             log.Named("pipeline"),
		Catalog:         cat,
		Dispatcher:      disp,
		Manager:         mgr,
		FlowIdleTimeout: time.Duration(cfg.FlowIdleTimeout) * time.Second,
		UseUniquePrefix: cfg.UseUniquePrefix,
		UseUniqueMask:   cfg.UseUniqueMask,
	}

	return &Shell{
		Log:        log,
		Config:     cfg,
		Catalog:    cat,
		Store:      store,
		Memory:     mem,
		Manager:    mgr,
		Dispatcher: disp,
		Pipeline:   pl,
		Metrics:    sink,
		Switches:   switches,
		stopCh:     make(chan struct{}),
	}, nil
}

func buildSwitches(cfg *config.Config) (map[addr.DPID]*topology.Switch, error) {
	out := make(map[addr.DPID]*topology.Switch, len(cfg.Switches))
	for dpidStr, swCfg := range cfg.Switches {
		dpid, err := addr.ParseDPID(dpidStr)
		if err != nil {
			return nil, err
		}
		gateway, err := addr.ParseIPv4(swCfg.Gateway)
		if err != nil {
			return nil, err
		}
		sw := topology.NewSwitch(dpid, gateway)
		for _, edgeCfg := range swCfg.Edges {
			ip, err := addr.ParseIPv4(edgeCfg.IP)
			if err != nil {
				return nil, err
			}
			edge := topology.NewEdge(ip, topology.TargetMode(edgeCfg.Target), edgeCfg.ServiceCIDR)
			edge.Scheduler = edgeCfg.Scheduler
			sw.AddEdge(edge)
		}
		out[dpid] = sw
	}
	return out, nil
}

// LoadAll loads cluster and service configuration, then connects every
// edge's cluster and runs initServices against it.
func (s *Shell) LoadAll(ctx context.Context, factory ClusterFactory) error {
	if err := s.Manager.LoadClusters(s.Config.ClusterGlob, func(edge *topology.Edge, clusterType, file string) (cluster.Cluster, error) {
		return factory(edge, clusterType, file)
	}); err != nil {
		return err
	}
	if err := s.Manager.LoadServices(s.Config.ServicesGlob); err != nil {
		return err
	}

	for _, sw := range s.Switches {
		for _, edge := range sw.Edges {
			if edge.Cluster == nil {
				continue
			}
			c, ok := edge.Cluster.(cluster.Cluster)
			if !ok {
				s.Log.Error("edge cluster handle does not implement cluster.Cluster", "edge", edge.IP)
				continue
			}
			if err := c.Connect(ctx); err != nil {
				s.Log.Error("edge cluster connect failed", "edge", edge.IP, "error", err)
				continue
			}
			if err := s.Manager.InitServices(ctx, edge); err != nil {
				s.Log.Error("initServices failed", "edge", edge.IP, "error", err)
			}
		}
	}
	return nil
}

// OnSwitchConnected is called once a switch has received its feature
// reply; it is the point at which the switch becomes eligible for
// pre-select/detect rule installation.
func (s *Shell) OnSwitchConnected(sw *topology.Switch, ports []uint32) []openflow.FlowMod {
	sw.SetPorts(ports)
	var mods []openflow.FlowMod
	mods = append(mods, s.Pipeline.InstallPreSelect(sw)...)
	mods = append(mods, s.Pipeline.InstallDetectProactive(sw)...)
	// Detect fallthrough: anything unmatched goes to the controller
	// (OFPP_CONTROLLER) for reactive classification.
	const ofppController = 0xfffffffd
	mods = append(mods, openflow.FlowMod{
		TableID:  pipeline.T1Detect,
		Priority: 1,
		Cookie:   openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryDefault),
		Actions:  []openflow.Action{{Kind: openflow.ActionOutput, OutPort: ofppController}},
	})
	return mods
}

// AllSwitchesReady reports whether every configured switch has received
// its feature reply, the gate before switches are exposed to pipeline
// "connected" handlers.
func (s *Shell) AllSwitchesReady() bool {
	for _, sw := range s.Switches {
		if !sw.Ready() {
			return false
		}
	}
	return true
}

// HandleFlowRemoved logs flow-removed accounting by cookie category; no
// corrective action is taken for any reason other than idle timeout.
func (s *Shell) HandleFlowRemoved(fr openflow.FlowRemoved) {
	cat, sub := openflow.SplitCookie(fr.Cookie)
	s.Log.Info("flow removed",
		"reason", fr.Reason, "category", cat, "subcategory", sub,
		"table", fr.TableID, "packets", fr.PacketCount, "bytes", fr.ByteCount)
}

// Run blocks the calling goroutine until Stop is called, serving the
// metrics endpoint in the background if configured. This corresponds to
// the event thread the spec describes; actual OpenFlow transport wiring
// (the library this package's contract describes the boundary of) is
// expected to call the Handle* methods directly as events arrive.
func (s *Shell) Run(ctx context.Context) error {
	if s.Config.MetricsAddr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := metrics.Serve(s.Log.Named("metrics"), s.Config.MetricsAddr); err != nil {
				s.Log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	return s.shutdown(ctx)
}

// Stop signals Run to return and begins graceful shutdown.
func (s *Shell) Stop() {
	close(s.stopCh)
}

func (s *Shell) shutdown(ctx context.Context) error {
	for _, sw := range s.Switches {
		for _, edge := range sw.Edges {
			if edge.Cluster == nil {
				continue
			}
			c, ok := edge.Cluster.(cluster.Cluster)
			if !ok {
				continue
			}
			if err := c.Close(ctx); err != nil {
				s.Log.Warn("error closing cluster adapter", "edge", edge.IP, "error", err)
			}
		}
	}
	s.wg.Wait()
	return nil
}
