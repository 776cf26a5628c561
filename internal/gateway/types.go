// Package gateway implements the platform's single HTTP front door
// that multiplexes requests over many MCP servers, load-balancing across
// HTTP instances or a pool of stdio sessions, tracking instance health, and
// hot-reloading its registry file.
package gateway

import "time"

// EntryKind is the variant tag of one gateway registry entry.
type EntryKind string

const (
	KindHTTP     EntryKind = "http"
	KindStdio    EntryKind = "stdio"
	KindTemplate EntryKind = "template"
)

// BalancePolicy selects how an http entry's round-robin cursor picks the
// next instance.
type BalancePolicy string

const (
	BalanceRoundRobin BalancePolicy = "round-robin"
	BalanceRandom     BalancePolicy = "random"
)

// FileEntry is one entry of the on-disk registry file's `servers` map,
// covering all three EntryKind shapes with the fields each needs. Only the
// fields relevant to Kind are populated by a well-formed file; see
// validateEntry() in registryfile.go.
type FileEntry struct {
	Kind EntryKind `json:"kind" yaml:"kind"`

	// http
	Endpoints         []string      `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	LoadBalance       BalancePolicy `json:"load_balance,omitempty" yaml:"load_balance,omitempty"`
	HealthCheckPath   string        `json:"health_check_path,omitempty" yaml:"health_check_path,omitempty"`

	// stdio
	Command    []string          `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	PoolSize   int               `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	QueueSize  int               `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`

	// template
	TemplateID string         `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Replicas   int            `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// FileConfig is the `gateway` top-level section of the registry file.
type FileConfig struct {
	Host                string        `json:"host,omitempty" yaml:"host,omitempty"`
	Port                int           `json:"port,omitempty" yaml:"port,omitempty"`
	ReloadRegistry      bool          `json:"reload_registry,omitempty" yaml:"reload_registry,omitempty"`
	HealthCheckInterval time.Duration `json:"health_check_interval,omitempty" yaml:"health_check_interval,omitempty"`
}

// RegistryFile is the full shape of the gateway registry document
// document.
type RegistryFile struct {
	Gateway FileConfig           `json:"gateway" yaml:"gateway"`
	Servers map[string]FileEntry `json:"servers" yaml:"servers"`
}

// ServerInfo is the observability-endpoint shape for one entry
// (`GET /servers` / `GET /servers/{id}`).
type ServerInfo struct {
	ID               string `json:"id"`
	Type             EntryKind `json:"type"`
	HealthyInstances int    `json:"healthy_instances"`
	TotalInstances   int    `json:"total_instances"`
	QueueDepth       int    `json:"queue_depth,omitempty"`
}

// expandedEntry is what a FileEntry becomes once loaded: either a live
// httpPool or a live stdioPool. A template entry expands into one of these
// two at load time.
type expandedEntry struct {
	kind  EntryKind
	http  *httpPool
	stdio *stdioPool
}

func (e *expandedEntry) close() {
	if e.http != nil {
		e.http.close()
	}
	if e.stdio != nil {
		e.stdio.close()
	}
}

func (e *expandedEntry) info(id string) ServerInfo {
	switch {
	case e.http != nil:
		healthy, total := e.http.counts()
		return ServerInfo{ID: id, Type: e.kind, HealthyInstances: healthy, TotalInstances: total}
	case e.stdio != nil:
		healthy, total, queue := e.stdio.counts()
		return ServerInfo{ID: id, Type: e.kind, HealthyInstances: healthy, TotalInstances: total, QueueDepth: queue}
	default:
		return ServerInfo{ID: id, Type: e.kind}
	}
}
