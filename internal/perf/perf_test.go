package perf

import (
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func TestLogDisabledEmitsNothing(t *testing.T) {
	var buf strings.Builder
	log := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})
	Log(log, false, Record{T: KindDeploy})
	if buf.Len() != 0 {
		t.Fatalf("Log(enabled=false) wrote %q, want nothing", buf.String())
	}
}

func TestLogEnabledEmitsPrefixedJSON(t *testing.T) {
	var buf strings.Builder
	log := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})
	Log(log, true, Record{T: KindScaleUp, Total: 120, Svc: "at.aau.hostinfo"})

	out := buf.String()
	if !strings.Contains(out, "#perfDeploy: ") {
		t.Fatalf("Log output missing #perfDeploy prefix: %q", out)
	}
	if !strings.Contains(out, `"t":"scaleUp"`) || !strings.Contains(out, `"svc":"at.aau.hostinfo"`) {
		t.Fatalf("Log output missing expected fields: %q", out)
	}
}

func TestSinceReportsElapsedMilliseconds(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)
	if got := Since(start); got < 40 {
		t.Fatalf("Since(50ms ago) = %d, want at least ~40ms", got)
	}
}
