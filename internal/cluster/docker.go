package cluster

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/topology"
)

// containerSpec is the minimal decoded shape of one container in a
// Docker manifest.
type containerSpec struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Port      int               `json:"port"`
	Env       map[string]string `json:"env"`
	EmptyDirs []string          `json:"emptyDirs"`
}

type dockerManifest struct {
	Containers []containerSpec `json:"containers"`
}

// Docker is the Docker cluster adapter. Containers of one service are
// created in parallel via a bounded worker pool; the first container is
// created on the caller's goroutine to minimize perceived latency for
// the common single-container case.
type Docker struct {
	Log    hclog.Logger
	EdgeID string

	client   *client.Client
	poolSize int

	mu        sync.Mutex
	instances map[string]*topology.ServiceInstance // keyed by label, see Open Question (b)
}

// NewDocker returns an adapter using the given already-constructed
// client. poolSize bounds concurrent container creation; 4 is a
// reasonable default for a single host.
func NewDocker(log hclog.Logger, edgeID string, cli *client.Client, poolSize int) *Docker {
	if poolSize < 1 {
		poolSize = 4
	}
	return &Docker{
		Log:       log,
		EdgeID:    edgeID,
		client:    cli,
		poolSize:  poolSize,
		instances: make(map[string]*topology.ServiceInstance),
	}
}

func (d *Docker) ID() string { return d.EdgeID }

func (d *Docker) Connect(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return transient(fmt.Errorf("ping docker daemon: %w", err))
	}
	return nil
}

func (d *Docker) Close(ctx context.Context) error {
	return d.client.Close()
}

func (d *Docker) Deploy(ctx context.Context, ref ManifestRef) (*topology.ServiceInstance, error) {
	var manifest dockerManifest
	if err := yaml.Unmarshal(ref.Body, &manifest); err != nil {
		return nil, notFound(fmt.Errorf("decode manifest %s: %w", ref.Filename, err))
	}
	if len(manifest.Containers) == 0 {
		return nil, notFound(fmt.Errorf("manifest %s declares no containers", ref.Filename))
	}

	si := &topology.ServiceInstance{}

	// The first container is created on the caller's goroutine: for the
	// overwhelmingly common single-container service this avoids the
	// pool hand-off entirely.
	first, err := d.createOne(ctx, ref.Label, manifest.Containers[0])
	if err != nil {
		return nil, err
	}
	si.Containers = append(si.Containers, first)

	if len(manifest.Containers) > 1 {
		ids, err := d.createParallel(ctx, ref.Label, manifest.Containers[1:])
		if err != nil {
			return nil, err
		}
		si.Containers = append(si.Containers, ids...)
	}

	if err := d.startAll(ctx, si.Containers); err != nil {
		return nil, err
	}

	// Ports are only assigned by the daemon once a container starts, so
	// reload state after start rather than trusting the create response.
	if err := d.populateAddr(ctx, si); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.instances[ref.Label] = si
	d.mu.Unlock()

	return si, nil
}

func (d *Docker) createParallel(ctx context.Context, label string, specs []containerSpec) ([]string, error) {
	type result struct {
		id  string
		err error
	}

	sem := make(chan struct{}, d.poolSize)
	results := make([]result, len(specs))
	var wg sync.WaitGroup

	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec containerSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			id, err := d.createOne(ctx, label, spec)
			results[i] = result{id: id, err: err}
		}(i, spec)
	}
	wg.Wait()

	var merr *multierror.Error
	ids := make([]string, 0, len(specs))
	for _, r := range results {
		if r.err != nil {
			merr = multierror.Append(merr, r.err)
			continue
		}
		ids = append(ids, r.id)
	}
	if merr != nil {
		return ids, transient(merr.ErrorOrNil())
	}
	return ids, nil
}

func (d *Docker) createOne(ctx context.Context, label string, spec containerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	var binds []string
	for _, dir := range spec.EmptyDirs {
		host, err := os.MkdirTemp("", "edgeflow-emptydir-*")
		if err != nil {
			return "", transient(fmt.Errorf("create emptyDir host path for %s: %w", spec.Name, err))
		}
		if err := os.Chmod(host, 0o777); err != nil {
			return "", transient(fmt.Errorf("chmod emptyDir host path: %w", err))
		}
		// Per the preserved-as-observed cleanup behavior, this
		// directory is never removed; see DESIGN.md Open Question (c).
		binds = append(binds, host+":"+dir)
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   env,
			Labels: map[string]string{
				LabelKey:        label,
				DockerPortLabel: fmt.Sprintf("%d", spec.Port),
			},
			ExposedPorts: nil,
		},
		&container.HostConfig{
			Binds:           binds,
			PublishAllPorts: true,
		},
		nil, nil, "")
	if err != nil {
		return "", classify(err, "create container "+spec.Name)
	}
	return resp.ID, nil
}

func (d *Docker) startAll(ctx context.Context, ids []string) error {
	var merr *multierror.Error
	for _, id := range ids {
		if err := d.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("start container %s: %w", id, err))
		}
	}
	if merr != nil {
		return transient(merr.ErrorOrNil())
	}
	return nil
}

func (d *Docker) populateAddr(ctx context.Context, si *topology.ServiceInstance) error {
	if len(si.Containers) == 0 {
		return nil
	}
	info, err := d.client.ContainerInspect(ctx, si.Containers[0])
	if err != nil {
		return classify(err, "inspect container")
	}
	for _, netw := range info.NetworkSettings.Networks {
		if netw.IPAddress == "" {
			continue
		}
		ip, err := addr.ParseIPv4(netw.IPAddress)
		if err != nil {
			continue
		}
		port := uint16(0)
		if p, ok := info.Config.Labels[DockerPortLabel]; ok {
			fmt.Sscanf(p, "%d", &port)
		}
		si.ClusterAddr = addr.NewSocket(ip, port)
		si.PodAddr = si.ClusterAddr
		break
	}
	return nil
}

// Scale starts or stops every container of the instance: scaling to a
// replica count >= 1 starts all containers, scaling to 0 stops them.
// Both directions are idempotent against Docker's own idempotent
// start/stop semantics.
func (d *Docker) Scale(ctx context.Context, inst *topology.ServiceInstance, replicas int) error {
	var merr *multierror.Error
	if replicas >= 1 {
		for _, id := range inst.Containers {
			if err := d.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("start %s: %w", id, err))
			}
		}
		inst.Deployment.Replicas = 1
		inst.Deployment.ReadyReplicas = 1
	} else {
		for _, id := range inst.Containers {
			if err := d.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", id, err))
			}
		}
		inst.Deployment.Replicas = 0
		inst.Deployment.ReadyReplicas = 0
	}
	if merr != nil {
		return transient(merr.ErrorOrNil())
	}
	return nil
}

func (d *Docker) Services(ctx context.Context, label string) ([]topology.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []topology.Service
	for l, si := range d.instances {
		if label != "" && l != label {
			continue
		}
		if si.Service != nil {
			out = append(out, *si.Service)
		}
	}
	return out, nil
}

func (d *Docker) Deployments(ctx context.Context, label string) ([]topology.Deployment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []topology.Deployment
	for l, si := range d.instances {
		if label != "" && l != label {
			continue
		}
		out = append(out, si.Deployment)
	}
	return out, nil
}

func (d *Docker) Pods(ctx context.Context, label string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for l, si := range d.instances {
		if label != "" && l != label {
			continue
		}
		out = append(out, si.Containers...)
	}
	return out, nil
}
