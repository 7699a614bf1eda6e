package cluster

import (
	"context"
	"testing"

	"sigs.k8s.io/yaml"

	"github.com/edgeflow/controller/internal/topology"
)

func TestDockerManifestDecodesContainerList(t *testing.T) {
	body := []byte(`
containers:
- name: hostinfo
  image: example/hostinfo
  port: 8080
  env:
    MODE: prod
  emptyDirs:
  - /data
`)
	var m dockerManifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if len(m.Containers) != 1 {
		t.Fatalf("len(Containers) = %d, want 1", len(m.Containers))
	}
	c := m.Containers[0]
	if c.Name != "hostinfo" || c.Image != "example/hostinfo" || c.Port != 8080 {
		t.Fatalf("decoded container = %+v", c)
	}
	if c.Env["MODE"] != "prod" {
		t.Fatalf("decoded env = %+v, want MODE=prod", c.Env)
	}
	if len(c.EmptyDirs) != 1 || c.EmptyDirs[0] != "/data" {
		t.Fatalf("decoded emptyDirs = %+v", c.EmptyDirs)
	}
}

func TestDockerManifestRejectsEmptyContainerList(t *testing.T) {
	d := &Docker{instances: make(map[string]*topology.ServiceInstance)}
	_, err := d.Deploy(context.Background(), ManifestRef{Label: "x", Filename: "x.yml", Body: []byte(`containers: []`)})
	if err == nil {
		t.Fatal("Deploy with zero containers should fail before ever touching the docker client")
	}
}

func TestDockerServicesDeploymentsPodsFilterByLabel(t *testing.T) {
	d := &Docker{instances: map[string]*topology.ServiceInstance{
		"at.aau.a": {
			Service:    &topology.Service{Label: "at.aau.a"},
			Deployment: topology.Deployment{Replicas: 1, ReadyReplicas: 1},
			Containers: []string{"c1"},
		},
		"at.aau.b": {
			Service:    &topology.Service{Label: "at.aau.b"},
			Deployment: topology.Deployment{Replicas: 1, ReadyReplicas: 0},
			Containers: []string{"c2"},
		},
	}}

	svcs, err := d.Services(context.Background(), "at.aau.a")
	if err != nil || len(svcs) != 1 || svcs[0].Label != "at.aau.a" {
		t.Fatalf("Services(at.aau.a) = %+v, %v", svcs, err)
	}

	deps, err := d.Deployments(context.Background(), "")
	if err != nil || len(deps) != 2 {
		t.Fatalf("Deployments(\"\") = %+v, %v, want 2 entries", deps, err)
	}

	pods, err := d.Pods(context.Background(), "at.aau.b")
	if err != nil || len(pods) != 1 || pods[0] != "c2" {
		t.Fatalf("Pods(at.aau.b) = %+v, %v", pods, err)
	}
}
