// Package config loads the controller's JSON configuration file, with
// per-key override by environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/edgeflow/controller/internal/addr"
)

// SchedulerConfig is decoded from the "scheduler" key. Nothing in the
// controller reads it: edges that name no scheduler use
// ProximityScheduler.
type SchedulerConfig struct {
	Class   string `json:"class" mapstructure:"class"`
	LogName string `json:"logName" mapstructure:"logName"`
}

// EdgeConfig is one edge attachment point under a switch.
type EdgeConfig struct {
	IP          string   `json:"ip" mapstructure:"ip"`
	Target      string   `json:"target" mapstructure:"target"`
	ServiceCIDR []string `json:"serviceCidr" mapstructure:"serviceCidr"`
	Scheduler   string   `json:"scheduler" mapstructure:"scheduler"`
}

// SwitchConfig is one configured switch, keyed by dpid in Config.Switches.
type SwitchConfig struct {
	Gateway string       `json:"gateway" mapstructure:"gateway"`
	Edges   []EdgeConfig `json:"edges" mapstructure:"edges"`
}

// Config is the controller's full start-up configuration, decoded from
// JSON and then overridden per-key from the environment.
type Config struct {
	ArpSrcMac       string                  `json:"arpSrcMac" mapstructure:"arpSrcMac"`
	FlowIdleTimeout int                     `json:"flowIdleTimeout" mapstructure:"flowIdleTimeout"`
	ClusterGlob     string                  `json:"clusterGlob" mapstructure:"clusterGlob"`
	ServicesGlob    string                  `json:"servicesGlob" mapstructure:"servicesGlob"`
	ServicesDir     string                  `json:"servicesDir" mapstructure:"servicesDir"`
	UseUniquePrefix bool                    `json:"useUniquePrefix" mapstructure:"useUniquePrefix"`
	UseUniqueMask   bool                    `json:"useUniqueMask" mapstructure:"useUniqueMask"`
	LogPerformance  bool                    `json:"logPerformance" mapstructure:"logPerformance"`
	MetricsAddr     string                  `json:"metricsAddr" mapstructure:"metricsAddr"`
	Scheduler       SchedulerConfig         `json:"scheduler" mapstructure:"scheduler"`
	Switches        map[string]SwitchConfig `json:"switches" mapstructure:"switches"`
}

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
)

// envOverride names the environment variable that replaces a config key,
// and the kind its value must be coerced to - the key's type in the
// decoded JSON cannot be trusted for this, since an omitted key decodes
// to nil regardless of the field's real type.
type envOverride struct {
	name string
	kind valueKind
}

// envOverrides maps each overridable key to the environment variable
// that replaces it, matching the "env beats file" layering the
// controller has always used.
var envOverrides = map[string]envOverride{
	"arpSrcMac":       {"EDGEFLOW_ARP_SRC_MAC", kindString},
	"flowIdleTimeout": {"EDGEFLOW_FLOW_IDLE_TIMEOUT", kindInt},
	"clusterGlob":     {"EDGEFLOW_CLUSTER_GLOB", kindString},
	"servicesGlob":    {"EDGEFLOW_SERVICES_GLOB", kindString},
	"servicesDir":     {"EDGEFLOW_SERVICES_DIR", kindString},
	"useUniquePrefix": {"EDGEFLOW_USE_UNIQUE_PREFIX", kindBool},
	"useUniqueMask":   {"EDGEFLOW_USE_UNIQUE_MASK", kindBool},
	"logPerformance":  {"EDGEFLOW_LOG_PERFORMANCE", kindBool},
	"metricsAddr":     {"EDGEFLOW_METRICS_ADDR", kindString},
}

// Load reads and decodes the configuration file at path, then applies
// any environment-variable overrides before returning. Errors here
// (missing gateway, malformed JSON) are fatal at start-up per the
// controller's error-handling design. Glob patterns are not checked
// here; an unparseable glob fails later, in LoadClusters/LoadServices.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(generic)

	cfg := defaults()
	if err := mapstructure.Decode(generic, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ArpSrcMac:       "02:00:00:00:00:ff",
		FlowIdleTimeout: 5,
		UseUniquePrefix: true,
		UseUniqueMask:   true,
		Scheduler:       SchedulerConfig{Class: "ProximityScheduler", LogName: "ProxScheduler"},
	}
}

func applyEnvOverrides(generic map[string]any) {
	for key, ov := range envOverrides {
		val, ok := os.LookupEnv(ov.name)
		if !ok {
			continue
		}
		switch ov.kind {
		case kindBool:
			generic[key] = strings.EqualFold(val, "true") || val == "1"
		case kindInt:
			if n, err := strconv.Atoi(val); err == nil {
				generic[key] = float64(n)
			}
		default:
			generic[key] = val
		}
	}
}

func (c *Config) validate() error {
	if len(c.Switches) == 0 {
		return fmt.Errorf("config: no switches configured")
	}
	for dpidStr, sw := range c.Switches {
		if _, err := addr.ParseDPID(dpidStr); err != nil {
			return fmt.Errorf("config: switch %q: %w", dpidStr, err)
		}
		if sw.Gateway == "" {
			return fmt.Errorf("config: switch %q missing gateway", dpidStr)
		}
		if _, err := addr.ParseIPv4(sw.Gateway); err != nil {
			return fmt.Errorf("config: switch %q gateway: %w", dpidStr, err)
		}
		for _, e := range sw.Edges {
			if _, err := addr.ParseIPv4(e.IP); err != nil {
				return fmt.Errorf("config: switch %q edge: %w", dpidStr, err)
			}
			switch e.Target {
			case "pod", "cluster", "exposed":
			default:
				return fmt.Errorf("config: switch %q edge %q: invalid target %q", dpidStr, e.IP, e.Target)
			}
		}
	}
	if c.ServicesDir == "" {
		return fmt.Errorf("config: servicesDir is required")
	}
	return nil
}
