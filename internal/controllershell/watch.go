package controllershell

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/edgeflow/controller/internal/cluster"
	"github.com/edgeflow/controller/internal/topology"
)

const debounce = 250 * time.Millisecond

// WatchManifests watches the parent directories of the configured
// clusterGlob and servicesGlob and re-runs LoadAll's loaders whenever a
// new file appears, so a manifest dropped into servicesDir after
// start-up becomes deployable without a restart. Start-up semantics are
// unchanged: this only calls LoadClusters/LoadServices again, on a
// debounced filesystem event.
func (s *Shell) WatchManifests(ctx context.Context, factory ClusterFactory) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]struct{}{
		filepath.Dir(s.Config.ClusterGlob):  {},
		filepath.Dir(s.Config.ServicesGlob): {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			s.Log.Warn("cannot watch manifest directory", "dir", dir, "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(debounce, func() { s.reload(factory) })
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.Log.Warn("manifest watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Shell) reload(factory ClusterFactory) {
	attach := func(edge *topology.Edge, clusterType, file string) (cluster.Cluster, error) {
		return factory(edge, clusterType, file)
	}
	if err := s.Manager.LoadClusters(s.Config.ClusterGlob, attach); err != nil {
		s.Log.Warn("hot-pickup: reload clusters failed", "error", err)
	}
	if err := s.Manager.LoadServices(s.Config.ServicesGlob); err != nil {
		s.Log.Warn("hot-pickup: reload services failed", "error", err)
		return
	}
	s.Log.Info("hot-pickup: manifests reloaded")
}
