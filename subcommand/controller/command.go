// Package controller implements the "controller" subcommand: the only
// subcommand this binary has, since the whole program is one controller
// process.
package controller

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/edgeflow/controller/internal/cluster"
	"github.com/edgeflow/controller/internal/config"
	"github.com/edgeflow/controller/internal/controllershell"
	"github.com/edgeflow/controller/internal/topology"
)

const synopsis = "Run the edge service dispatcher controller"
const help = `
Usage: edge-controller controller [options]

  Starts the OpenFlow controller: loads cluster and service
  configuration, connects to every configured edge's cluster, and serves
  pipeline events until terminated.
`

// Command is the controller subcommand.
type Command struct {
	UI cli.Ui

	flags        *flag.FlagSet
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
	kubeconfig   string
}

func (c *Command) init() {
	c.flags = flag.NewFlagSet("controller", flag.ContinueOnError)
	c.flags.StringVar(&c.flagConfig, "config", "/etc/edgeflow/config.json", "path to the controller's JSON configuration file")
	c.flags.StringVar(&c.flagLogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	c.flags.BoolVar(&c.flagLogJSON, "log-json", false, "emit JSON-formatted logs")
	c.flags.StringVar(&c.kubeconfig, "kubeconfig", "", "path to a kubeconfig file; empty uses in-cluster config")
}

// Run implements cli.Command.
func (c *Command) Run(args []string) int {
	c.init()
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	level := hclog.LevelFromString(c.flagLogLevel)
	if level == hclog.NoLevel {
		c.UI.Error(fmt.Sprintf("unknown log level %q", c.flagLogLevel))
		return 1
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:       "edge-controller",
		Level:      level,
		JSONFormat: c.flagLogJSON,
	})

	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("failed to load configuration: %s", err))
		return 1
	}

	shell, err := controllershell.New(log, cfg)
	if err != nil {
		c.UI.Error(fmt.Sprintf("failed to assemble controller: %s", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := c.clusterFactory(log)
	if err := shell.LoadAll(ctx, factory); err != nil {
		c.UI.Error(fmt.Sprintf("failed to load clusters/services: %s", err))
		return 1
	}
	if err := shell.WatchManifests(ctx, factory); err != nil {
		log.Warn("manifest hot-pickup disabled", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		shell.Stop()
		cancel()
	}()

	if err := shell.Run(ctx); err != nil {
		c.UI.Error(fmt.Sprintf("controller exited with error: %s", err))
		return 1
	}
	return 0
}

// clusterFactory builds the live Kubernetes/Docker clients the shell's
// LoadAll needs; kept out of the controllershell package since client
// construction (kubeconfig resolution, docker socket discovery) is a
// process-level concern, not a topology one.
func (c *Command) clusterFactory(log hclog.Logger) controllershell.ClusterFactory {
	return func(edge *topology.Edge, clusterType, configFile string) (cluster.Cluster, error) {
		switch clusterType {
		case "k8s":
			restCfg, err := c.kubeRestConfig()
			if err != nil {
				return nil, fmt.Errorf("controller: build kube config for %s: %w", configFile, err)
			}
			clientset, err := kubernetes.NewForConfig(restCfg)
			if err != nil {
				return nil, fmt.Errorf("controller: build kube client for %s: %w", configFile, err)
			}
			return cluster.NewK8s(log.Named("k8s").With("edge", edge.IP.String()), "default", edge.ID(), clientset), nil

		case "docker":
			dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				return nil, fmt.Errorf("controller: build docker client for %s: %w", configFile, err)
			}
			return cluster.NewDocker(log.Named("docker").With("edge", edge.IP.String()), edge.ID(), dockerCli, 4), nil

		default:
			return nil, fmt.Errorf("controller: unknown cluster type %q in %s", clusterType, configFile)
		}
	}
}

func (c *Command) kubeRestConfig() (*rest.Config, error) {
	if c.kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", c.kubeconfig)
	}
	return rest.InClusterConfig()
}

// Synopsis implements cli.Command.
func (c *Command) Synopsis() string { return synopsis }

// Help implements cli.Command.
func (c *Command) Help() string { return help }
