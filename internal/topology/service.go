package topology

import (
	"strings"

	"github.com/edgeflow/controller/internal/addr"
)

// Service is a published virtual service: clients connect to VAddr and
// never reach a backend directly.
type Service struct {
	VAddr  addr.Socket
	Label  string // full reverse-DNS label, e.g. "at.aau.hostinfo"
	Domain string // all but the last dot-separated component of Label
	Name   string // the last component of Label
}

// NewService splits label into its domain and name parts and resolves
// the domain to a vAddr IP via DNS, matching the manifest filename
// convention "<label>.<port>.yml".
func NewService(label string, port uint16) (*Service, error) {
	domain, name := splitLabel(label)
	ips, err := addr.ByHostname(domain)
	if err != nil {
		return nil, err
	}
	return &Service{
		VAddr:  addr.NewSocket(ips[0], port),
		Label:  label,
		Domain: domain,
		Name:   name,
	}, nil
}

func splitLabel(label string) (domain, name string) {
	i := strings.LastIndexByte(label, '.')
	if i < 0 {
		return label, label
	}
	return label[:i], label[i+1:]
}

// Deployment tracks replica counts for a ServiceInstance's backing
// workload.
type Deployment struct {
	Replicas      int
	ReadyReplicas int
}

// Ready reports whether the deployment has at least one ready replica.
func (d Deployment) Ready() bool {
	return d.ReadyReplicas >= 1
}

// ServiceInstance binds a Service to a concrete backend on one Edge.
type ServiceInstance struct {
	Service *Service

	PublicAddr  addr.Socket // load-balancer address, if any
	ClusterAddr addr.Socket // in-cluster VIP
	PodAddr     addr.Socket // direct pod IP, Kubernetes only
	EAddr       addr.Socket // the address selected for this edge's TargetMode

	Deployment Deployment

	// Containers holds the container IDs backing this instance on the
	// Docker adapter; empty for Kubernetes-backed instances.
	Containers []string
}

// SelectEAddr picks EAddr according to mode, mirroring the routing
// choice an Edge's TargetMode makes.
func (si *ServiceInstance) SelectEAddr(mode TargetMode) addr.Socket {
	switch mode {
	case TargetPod:
		si.EAddr = si.PodAddr
	case TargetExposed:
		si.EAddr = si.PublicAddr
	default: // TargetCluster
		si.EAddr = si.ClusterAddr
	}
	return si.EAddr
}
