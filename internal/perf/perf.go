// Package perf emits the controller's structured deploy-timing log line,
// the one piece of performance telemetry the original system printed
// directly rather than through a metrics sink.
package perf

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Kind identifies which phase of a dispatch a Record measures.
type Kind string

const (
	KindDeploy  Kind = "deploy"
	KindScaleUp Kind = "scaleUp"
	KindWait    Kind = "wait"
)

// Record is one #perfDeploy log line.
type Record struct {
	T     Kind   `json:"t"`
	Total int64  `json:"total"`
	Wait  int64  `json:"wait"`
	Svc   string `json:"svc"`
	Src   string `json:"src"`
	TS    int64  `json:"ts"`
}

// Log emits rec as a single structured line prefixed with "#perfDeploy:",
// matching the format external analysis scripts parse. Logged at info
// level only when enabled is true (the config's logPerformance flag);
// when it is false Log returns before json.Marshal, so the marshal cost
// is skipped entirely.
func Log(log hclog.Logger, enabled bool, rec Record) {
	if !enabled {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Warn("failed to marshal perf record", "error", err)
		return
	}
	log.Info("#perfDeploy: " + string(body))
}

// Since returns the elapsed time since start in whole milliseconds.
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
