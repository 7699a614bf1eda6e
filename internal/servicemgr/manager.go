// Package servicemgr owns the service catalog's population, the
// per-edge instance inventory, and the concurrent deploy/scale/readiness
// machinery the dispatcher calls into.
package servicemgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mapset "github.com/deckarep/golang-set"
	"github.com/hashicorp/go-hclog"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/catalog"
	"github.com/edgeflow/controller/internal/cluster"
	"github.com/edgeflow/controller/internal/metrics"
	"github.com/edgeflow/controller/internal/perf"
	"github.com/edgeflow/controller/internal/topology"
)

const (
	maxDeployAttempts  = 3
	portProbeTimeout   = 200 * time.Millisecond
	portProbePause     = 10 * time.Millisecond
	maxPortProbeTries  = 3000
	waitOnlyPollPeriod = 10 * time.Millisecond
)

// bookKey identifies one (service, edge) deployment slot.
type bookKey struct {
	vAddr addr.Key
	edge  *topology.Edge
}

// Manager is the service manager. It must be constructed with New;
// Switches should be populated before LoadClusters/LoadServices run.
type Manager struct {
	Log      hclog.Logger
	Catalog  *catalog.Trie
	Store    *catalog.ManifestStore
	Metrics  *metrics.Sink // optional, nil disables instrumentation
	LogPerf  bool
	Switches map[addr.DPID]*topology.Switch

	bookMu   sync.Mutex
	inflight map[bookKey]uint64
	nextBook uint64
}

// New returns a Manager bound to catalog and store.
func New(log hclog.Logger, cat *catalog.Trie, store *catalog.ManifestStore, switches map[addr.DPID]*topology.Switch) *Manager {
	return &Manager{
		Log:      log,
		Catalog:  cat,
		Store:    store,
		Switches: switches,
		inflight: make(map[bookKey]uint64),
	}
}

// catalogEntry is the metadata the catalog stores per service socket.
type catalogEntry struct {
	Service *topology.Service
}

// asCluster recovers the full Cluster contract from an edge's narrow
// ClusterHandle. Every handle in this tree is produced by a
// ClusterFactory and therefore also satisfies cluster.Cluster; this
// package (unlike topology) is free to import cluster and assert back
// down to it.
func asCluster(h topology.ClusterHandle) (cluster.Cluster, bool) {
	c, ok := h.(cluster.Cluster)
	return c, ok
}

// LoadClusters scans glob for cluster config files named
// "<apiServer>-<type>.<ext>" and attaches a Cluster adapter of the named
// type to the Edge matching apiServer's ip, across every configured
// switch. attach is supplied by the caller (the controller shell) since
// adapter construction needs live client handles this package has no
// business building.
func (m *Manager) LoadClusters(glob string, attach func(edge *topology.Edge, clusterType string, filename string) (cluster.Cluster, error)) error {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("servicemgr: invalid clusterGlob %q: %w", glob, err)
	}
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		idx := strings.LastIndexByte(base, '-')
		if idx < 0 {
			return fmt.Errorf("servicemgr: cluster file %q does not match <apiServer>-<type>", path)
		}
		apiServer, clusterType := base[:idx], base[idx+1:]

		ip, err := addr.ParseIPv4(apiServer)
		if err != nil {
			return fmt.Errorf("servicemgr: cluster file %q: %w", path, err)
		}

		edge := m.findEdgeByIP(ip)
		if edge == nil {
			m.Log.Warn("cluster config matches no configured edge", "file", path, "ip", ip)
			continue
		}

		c, err := attach(edge, clusterType, path)
		if err != nil {
			return fmt.Errorf("servicemgr: attach cluster for %q: %w", path, err)
		}
		edge.Cluster = c
		m.Log.Info("attached cluster", "edge", edge.IP, "type", clusterType)
	}
	return nil
}

func (m *Manager) findEdgeByIP(ip addr.IPv4) *topology.Edge {
	for _, sw := range m.Switches {
		for _, e := range sw.Edges {
			if e.IP == ip {
				return e
			}
		}
	}
	return nil
}

// LoadServices scans glob for manifest files named "<label>.<port>.yml"
// and inserts a Service into the catalog for each, without parsing the
// manifest body - the catalog may hold millions of entries and a full
// YAML parse per file at start-up does not scale.
func (m *Manager) LoadServices(glob string) error {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("servicemgr: invalid servicesGlob %q: %w", glob, err)
	}
	count := 0
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		idx := strings.LastIndexByte(name, '.')
		if idx < 0 {
			return fmt.Errorf("servicemgr: manifest %q does not match <label>.<port>", path)
		}
		label, portStr := name[:idx], name[idx+1:]
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("servicemgr: manifest %q: bad port: %w", path, err)
		}

		svc, err := topology.NewService(label, uint16(port))
		if err != nil {
			return fmt.Errorf("servicemgr: manifest %q: %w", path, err)
		}

		m.Catalog.Set(svc.VAddr, &catalogEntry{Service: svc})
		count++
		if count <= 20 || count%1000 == 0 {
			m.Log.Info("loaded service", "label", label, "vaddr", svc.VAddr, "count", count)
		}
	}
	m.Log.Info("service catalog load complete", "count", count)
	if m.Metrics != nil {
		m.Metrics.CatalogSize(m.Catalog.Len())
	}
	return nil
}

// InitServices enumerates an edge's already-running instances once its
// cluster is connected, matches them against the catalog by label, and
// registers each match under its catalog vAddr. The live services'
// addresses are not compared with the vAddr. Must run after
// edge.Cluster.Connect succeeds.
//
// It diffs the catalog's labels against the cluster's live service
// labels with a set so that drift between the two - a manifest removed
// from servicesDir without tearing down its cluster service, or a
// cluster service created outside this controller - is logged rather
// than silently matched or silently ignored.
func (m *Manager) InitServices(ctx context.Context, edge *topology.Edge) error {
	if edge.Cluster == nil {
		return fmt.Errorf("servicemgr: edge %s has no cluster attached", edge.IP)
	}
	c, ok := asCluster(edge.Cluster)
	if !ok {
		return fmt.Errorf("servicemgr: edge %s cluster handle does not implement cluster.Cluster", edge.IP)
	}
	deployments, err := c.Deployments(ctx, "")
	if err != nil {
		return fmt.Errorf("servicemgr: initServices %s: %w", edge.IP, err)
	}
	live, err := c.Services(ctx, "")
	if err != nil {
		return fmt.Errorf("servicemgr: initServices %s: %w", edge.IP, err)
	}

	liveLabels := mapset.NewThreadUnsafeSet()
	for _, svc := range live {
		liveLabels.Add(svc.Label)
	}
	catalogLabels := mapset.NewThreadUnsafeSet()

	var matched int
	m.Catalog.Walk(func(key addr.Key, value any) {
		entry, ok := value.(*catalogEntry)
		if !ok || entry.Service == nil {
			return
		}
		catalogLabels.Add(entry.Service.Label)
		if key.IP != entry.Service.VAddr.IP {
			return
		}
		if !liveLabels.Contains(entry.Service.Label) || len(deployments) == 0 {
			return
		}
		// A running instance is recognized by a matching label; the
		// deployment slice from the cluster carries no addressing
		// information of its own in this minimal contract, so the
		// match here is necessarily coarse - callers that need precise
		// binding should deploy rather than rely on initServices.
		si := &topology.ServiceInstance{Service: entry.Service, Deployment: deployments[0]}
		si.SelectEAddr(edge.Target)
		edge.Register(entry.Service.VAddr.IP, si)
		matched++
	})

	if orphans := liveLabels.Difference(catalogLabels); orphans.Cardinality() > 0 {
		m.Log.Warn("live cluster services have no catalog entry", "edge", edge.IP, "labels", orphans.ToSlice())
	}
	if missing := catalogLabels.Difference(liveLabels); missing.Cardinality() > 0 {
		m.Log.Info("catalog services not yet running on edge", "edge", edge.IP, "labels", missing.ToSlice())
	}

	m.Log.Info("initServices complete", "edge", edge.IP, "matched", matched)
	return nil
}

// BookDeployment must be called from the controller's single event
// goroutine. It returns 0 if no deployment for (service, edge) is
// already in flight - simultaneously marking it in flight - or a
// non-zero marker if one is already running.
func (m *Manager) BookDeployment(vAddr addr.Socket, edge *topology.Edge) uint64 {
	m.bookMu.Lock()
	defer m.bookMu.Unlock()

	key := bookKey{vAddr: vAddr.Key(), edge: edge}
	if marker, ok := m.inflight[key]; ok {
		return marker
	}
	m.nextBook++
	m.inflight[key] = m.nextBook
	return 0
}

func (m *Manager) releaseBooking(vAddr addr.Socket, edge *topology.Edge) {
	m.bookMu.Lock()
	defer m.bookMu.Unlock()
	delete(m.inflight, bookKey{vAddr: vAddr.Key(), edge: edge})
}

// Deploy runs off the event thread. waitOnly=true means another worker
// already holds the booking for this (service, edge); this call only
// waits for the instance to appear and its port to open. waitOnly=false
// performs the real deploy-or-scale sequence, retrying transient
// cluster errors up to maxDeployAttempts times, and releases the
// booking when done either way.
func (m *Manager) Deploy(ctx context.Context, svc *topology.Service, edge *topology.Edge, numDeployed int, waitOnly bool) (*topology.ServiceInstance, error) {
	start := time.Now()

	if waitOnly {
		si, err := m.waitForInstance(ctx, svc, edge)
		if err != nil {
			return nil, err
		}
		waitMs := m.probePort(si)
		if waitMs < 0 {
			return nil, fmt.Errorf("servicemgr: %s on edge %s never opened its port", svc.Label, edge.IP)
		}
		m.logPerf(perf.KindWait, start, waitMs, svc, edge)
		return si, nil
	}
	defer m.releaseBooking(svc.VAddr, edge)

	var si *topology.ServiceInstance
	var kind perf.Kind
	err := backoff.Retry(func() error {
		var attemptErr error
		if numDeployed > 0 {
			kind = perf.KindScaleUp
			si, attemptErr = m.scaleUp(ctx, svc, edge)
		} else {
			kind = perf.KindDeploy
			si, attemptErr = m.deployFresh(ctx, svc, edge)
		}
		var cerr *cluster.Error
		if errors.As(attemptErr, &cerr) && !cerr.Retryable() {
			return backoff.Permanent(attemptErr)
		}
		if attemptErr != nil && m.Metrics != nil {
			m.Metrics.DeployRetry()
		}
		return attemptErr
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), maxDeployAttempts-1))
	if err != nil {
		return nil, fmt.Errorf("servicemgr: deploy %s on edge %s: %w", svc.Label, edge.IP, err)
	}

	waitMs := m.probePort(si)
	if waitMs < 0 {
		return nil, fmt.Errorf("servicemgr: %s on edge %s never opened its port", svc.Label, edge.IP)
	}

	edge.Register(svc.VAddr.IP, si)
	m.logPerf(kind, start, waitMs, svc, edge)
	if m.Metrics != nil {
		m.Metrics.DeployDuration(time.Since(start))
	}
	return si, nil
}

func (m *Manager) deployFresh(ctx context.Context, svc *topology.Service, edge *topology.Edge) (*topology.ServiceInstance, error) {
	body, ok := m.Store.Get(svc.VAddr)
	if !ok {
		return nil, fmt.Errorf("no manifest stored for %s", svc.VAddr)
	}
	c, ok := asCluster(edge.Cluster)
	if !ok {
		return nil, fmt.Errorf("servicemgr: edge %s cluster handle does not implement cluster.Cluster", edge.IP)
	}
	ref := cluster.ManifestRef{Label: svc.Label, Filename: m.Store.Filename(svc.VAddr), Body: body}
	si, err := c.Deploy(ctx, ref)
	if err != nil {
		return nil, err
	}
	si.Service = svc
	si.SelectEAddr(edge.Target)
	if err := c.Scale(ctx, si, 1); err != nil {
		return nil, err
	}
	return si, nil
}

func (m *Manager) scaleUp(ctx context.Context, svc *topology.Service, edge *topology.Edge) (*topology.ServiceInstance, error) {
	si, ok := edge.Instance(svc.VAddr.IP)
	if !ok {
		return nil, fmt.Errorf("scaleUp requested but no instance registered for %s on edge %s", svc.VAddr, edge.IP)
	}
	c, ok := asCluster(edge.Cluster)
	if !ok {
		return nil, fmt.Errorf("servicemgr: edge %s cluster handle does not implement cluster.Cluster", edge.IP)
	}
	if err := c.Scale(ctx, si, 1); err != nil {
		return nil, err
	}
	return si, nil
}

// waitForInstance spin-polls edge.vServices[vAddr].eAddr until it is
// populated by the worker performing the real deploy.
func (m *Manager) waitForInstance(ctx context.Context, svc *topology.Service, edge *topology.Edge) (*topology.ServiceInstance, error) {
	ticker := time.NewTicker(waitOnlyPollPeriod)
	defer ticker.Stop()
	for {
		if si, ok := edge.Instance(svc.VAddr.IP); ok && si.EAddr.IP != 0 {
			return si, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("servicemgr: waitOnly cancelled for %s on edge %s: %w", svc.Label, edge.IP, ctx.Err())
		case <-ticker.C:
		}
	}
}

// probePort attempts a TCP connect to si's cluster address in a loop,
// 200ms timeout per attempt with a 10ms pause between attempts, up to
// maxPortProbeTries iterations. Returns 0 if open on the first try, the
// elapsed milliseconds if it took longer, or -1 if it never opened.
func (m *Manager) probePort(si *topology.ServiceInstance) int64 {
	target := si.ClusterAddr
	start := time.Now()
	for i := 0; i < maxPortProbeTries; i++ {
		conn, err := net.DialTimeout("tcp", target.String(), portProbeTimeout)
		if err == nil {
			conn.Close()
			if i == 0 {
				return 0
			}
			return perf.Since(start)
		}
		time.Sleep(portProbePause)
	}
	return -1
}

func (m *Manager) logPerf(kind perf.Kind, start time.Time, waitMs int64, svc *topology.Service, edge *topology.Edge) {
	perf.Log(m.Log, m.LogPerf, perf.Record{
		T:     kind,
		Total: perf.Since(start),
		Wait:  waitMs,
		Svc:   svc.Label,
		Src:   edge.IP.String(),
		TS:    time.Now().Unix(),
	})
}

// AvailServers reports, for the service bound to addr, the deployment
// state of every configured edge that has a cluster attached (edges
// without one are skipped): deployed is true iff the edge has an
// instance registered for addr; ready is true iff that instance has at
// least one ready replica. An edge with no instance is still reported
// as a fresh-deploy candidate (deployed=false, ready=false).
func (m *Manager) AvailServers(a addr.Socket) (*topology.Service, []Avail) {
	v, ok := m.Catalog.Get(a)
	if !ok {
		return nil, nil
	}
	entry, ok := v.(*catalogEntry)
	if !ok {
		return nil, nil
	}

	var out []Avail
	for _, sw := range m.Switches {
		for _, edge := range sw.Edges {
			if edge.Cluster == nil {
				continue
			}
			si, has := edge.Instance(entry.Service.VAddr.IP)
			out = append(out, Avail{
				Edge:     edge,
				Deployed: has,
				Ready:    has && si.Deployment.Ready(),
			})
		}
	}
	return entry.Service, out
}

// Avail is one edge's candidacy for serving a service, as returned by
// AvailServers.
type Avail struct {
	Edge     *topology.Edge
	Deployed bool
	Ready    bool
}
