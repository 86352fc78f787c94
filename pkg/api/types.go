package api

import "encoding/json"

// v0 contains public types shared by the orchestrator, the agents and topology files.

type ServerSpec struct {
	Name      string `json:"name" yaml:"name"`
	Hostname  string `json:"hostname" yaml:"hostname"`
	TSAPort   int    `json:"tsa_port,omitempty" yaml:"tsa_port,omitempty"`
	GroupPort int    `json:"group_port,omitempty" yaml:"group_port,omitempty"`
}

type ServerGroupSpec struct {
	Name    string       `json:"name" yaml:"name"`
	Version string       `json:"version" yaml:"version"`
	Servers []ServerSpec `json:"servers" yaml:"servers"`
}

type DistributionSpec struct {
	Version string `json:"version" yaml:"version"`
	// Package names the kit artifact, e.g. "kit" or "sag-installer".
	Package string `json:"package" yaml:"package"`
	// Kind selects the controller used to drive server processes on a host.
	Kind string `json:"kind" yaml:"kind"`
}

type TopologySpec struct {
	ID           string            `json:"id" yaml:"id"`
	Distribution DistributionSpec  `json:"distribution" yaml:"distribution"`
	Groups       []ServerGroupSpec `json:"groups" yaml:"groups"`
	License      string            `json:"license,omitempty" yaml:"license,omitempty"`
}

type ServerState string

const (
	NotStarted       ServerState = "NOT_STARTED"
	StartedAsActive  ServerState = "STARTED_AS_ACTIVE"
	StartedAsPassive ServerState = "STARTED_AS_PASSIVE"
	Stopped          ServerState = "STOPPED"
)

// Running reports whether the server holds a cluster-assigned role.
func (s ServerState) Running() bool {
	return s == StartedAsActive || s == StartedAsPassive
}

type WorkKind string

const (
	WorkInstall WorkKind = "install"
	WorkStart   WorkKind = "start"
	WorkStop    WorkKind = "stop"
)

// WorkRequest is the unit of work sent to a fabric member. Payload must be
// self-contained: it is decoded and executed in the remote agent process.
type WorkRequest struct {
	Kind    WorkKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type WorkResponse struct {
	Host   string          `json:"host"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type InstallWork struct {
	Topology   TopologySpec `json:"topology"`
	GroupIndex int          `json:"group_index"`
	Offline    bool         `json:"offline"`
}

type InstallResult struct {
	Installed bool   `json:"installed"`
	Location  string `json:"location,omitempty"`
}

type StartWork struct {
	Server   ServerSpec   `json:"server"`
	Topology TopologySpec `json:"topology"`
	Location string       `json:"location"`
}

type StartResult struct {
	State ServerState `json:"state"`
}

type StopWork struct {
	Server   ServerSpec   `json:"server"`
	Topology TopologySpec `json:"topology"`
}
