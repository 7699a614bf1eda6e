package schedule

import (
	"testing"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/topology"
)

func mustIP(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, err := addr.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", s, err)
	}
	return ip
}

func edgeOnSwitch(t *testing.T, dpid addr.DPID, ip string) *topology.Edge {
	sw := topology.NewSwitch(dpid, mustIP(t, "10.0.0.1"))
	e := topology.NewEdge(mustIP(t, ip), topology.TargetCluster, nil)
	sw.AddEdge(e)
	return e
}

func TestProximityPrefersReadyOverDeployedOverAny(t *testing.T) {
	local := edgeOnSwitch(t, 1, "10.0.1.1")
	other := edgeOnSwitch(t, 2, "10.0.2.1")

	edge, deployed, ready := Proximity{}.Schedule(1, []Candidate{
		{Edge: other, Deployed: true, Ready: false},
		{Edge: local, Deployed: false, Ready: false},
	})
	if edge != other || !deployed || ready {
		t.Fatalf("expected the deployed (but not ready) edge when no edge is ready, got edge=%v deployed=%v ready=%v", edge, deployed, ready)
	}

	edge, deployed, ready = Proximity{}.Schedule(1, []Candidate{
		{Edge: other, Deployed: true, Ready: true},
		{Edge: local, Deployed: false, Ready: false},
	})
	if edge != other || !deployed || !ready {
		t.Fatalf("expected the ready edge to win, got edge=%v deployed=%v ready=%v", edge, deployed, ready)
	}
}

func TestProximityPrefersLocalDPIDWithinATier(t *testing.T) {
	local := edgeOnSwitch(t, 1, "10.0.1.1")
	other := edgeOnSwitch(t, 2, "10.0.2.1")

	edge, _, _ := Proximity{}.Schedule(1, []Candidate{
		{Edge: other, Ready: true},
		{Edge: local, Ready: true},
	})
	if edge != local {
		t.Fatalf("expected the locally-attached edge to win a tie within the ready tier, got %v", edge)
	}
}

func TestProximityNoCandidatesReturnsNil(t *testing.T) {
	edge, deployed, ready := Proximity{}.Schedule(1, nil)
	if edge != nil || deployed || ready {
		t.Fatal("an empty candidate list should yield a nil edge")
	}
}

func TestProximityFallsBackToAnyEdge(t *testing.T) {
	local := edgeOnSwitch(t, 1, "10.0.1.1")
	edge, deployed, ready := Proximity{}.Schedule(1, []Candidate{
		{Edge: local, Deployed: false, Ready: false},
	})
	if edge != local || deployed || ready {
		t.Fatalf("expected the only candidate to be returned as a fresh-deploy target, got edge=%v deployed=%v ready=%v", edge, deployed, ready)
	}
}

func TestLookupUnknownSchedulerErrors(t *testing.T) {
	if _, err := Lookup("NoSuchScheduler"); err == nil {
		t.Fatal("Lookup should error for an unregistered scheduler name")
	}
}

func TestLookupProximityRegisteredByInit(t *testing.T) {
	s, err := Lookup("ProximityScheduler")
	if err != nil {
		t.Fatalf("Lookup(ProximityScheduler): %v", err)
	}
	if _, ok := s.(Proximity); !ok {
		t.Fatal("ProximityScheduler should register a Proximity implementation")
	}
}
