package agent

import (
	"time"

	"github.com/3cpo-dev/clusterctl/internal/telemetry"
)

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`

	// Running names the servers with a live process on this host.
	Running []string `json:"running"`
}

type MetricsResponse struct {
	Host    string              `json:"host"`
	Metrics []telemetry.Summary `json:"metrics"`
}
