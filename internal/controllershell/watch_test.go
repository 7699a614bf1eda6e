package controllershell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/edgeflow/controller/internal/cluster"
	"github.com/edgeflow/controller/internal/config"
	"github.com/edgeflow/controller/internal/topology"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchManifestsDebouncesReload(t *testing.T) {
	clusterDir := t.TempDir()
	servicesDir := t.TempDir()

	var out syncBuffer
	log := hclog.New(&hclog.LoggerOptions{Output: &out, Level: hclog.Debug})

	cfg := &config.Config{
		FlowIdleTimeout: 5,
		ServicesDir:     servicesDir,
		ClusterGlob:     filepath.Join(clusterDir, "*.yml"),
		ServicesGlob:    filepath.Join(servicesDir, "*.yml"),
		Switches: map[string]config.SwitchConfig{
			"1": {
				Gateway: "10.0.0.1",
				Edges:   []config.EdgeConfig{{IP: "10.0.1.1", Target: "cluster"}},
			},
		},
	}
	s, err := New(log, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	factory := func(edge *topology.Edge, clusterType, file string) (cluster.Cluster, error) {
		return nil, nil
	}
	if err := s.WatchManifests(context.Background(), factory); err != nil {
		t.Fatalf("WatchManifests: %v", err)
	}
	defer s.Stop()

	if err := os.WriteFile(filepath.Join(clusterDir, "10.0.1.1-k8s.yml"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "hot-pickup") {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected a debounced hot-pickup reload within 3s, log was: %q", out.String())
}
