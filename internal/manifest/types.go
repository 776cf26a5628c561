// Package manifest holds the typed representation of a template manifest
// (template.json) and its validation rules. This is the Manifest Schema
// component: a read-only, immutable view of what a template declares about
// itself, never mutated once loaded.
package manifest

import (
	"regexp"

	"github.com/mark3labs/mcp-go/mcp"
)

// TransportKind is one of the two wire transports an MCP server may speak.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// PropertyType is one of the JSON-Schema-ish primitive types a config
// property may declare.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeArray   PropertyType = "array"
	TypeObject  PropertyType = "object"
)

// Transport declares the transports a template supports and which one is
// used by default.
type Transport struct {
	Default   TransportKind   `json:"default" yaml:"default"`
	Supported []TransportKind `json:"supported" yaml:"supported"`
	Port      int             `json:"port,omitempty" yaml:"port,omitempty"`
}

func (t Transport) supportsHTTP() bool {
	for _, s := range t.Supported {
		if s == TransportHTTP {
			return true
		}
	}
	return false
}

// Property describes one entry in a template's config schema.
type Property struct {
	Type          PropertyType `json:"type" yaml:"type"`
	Default       any          `json:"default,omitempty" yaml:"default,omitempty"`
	Description   string       `json:"description,omitempty" yaml:"description,omitempty"`
	EnvMapping    string       `json:"env_mapping,omitempty" yaml:"env_mapping,omitempty"`
	EnvSeparator  string       `json:"env_separator,omitempty" yaml:"env_separator,omitempty"`
	VolumeMount   bool         `json:"volume_mount,omitempty" yaml:"volume_mount,omitempty"`
}

// HasDefault reports whether the property declares a default value.
func (p Property) HasDefault() bool { return p.Default != nil }

// ConfigSchema is the object-typed schema of a template's configuration.
type ConfigSchema struct {
	Properties map[string]Property `json:"properties" yaml:"properties"`
	Required   []string            `json:"required,omitempty" yaml:"required,omitempty"`
}

// Tool is a statically-advertised tool descriptor, carried in the manifest
// so the registry/gateway can answer `tools/list`-shaped queries without
// starting a server. It is the real mark3labs/mcp-go wire type, the same
// servers themselves build with mcp.NewTool. A statically
// advertised tool and a dynamically discovered one are the same shape, so
// a template author's `tools` entries round-trip through the gateway and
// the live `tools/list` path without a separate conversion type.
type Tool = mcp.Tool

// ToolInputSchema is an alias of mcp-go's schema type, kept for call sites
// that named it before this package started re-exporting mcp.Tool.
type ToolInputSchema = mcp.ToolInputSchema

// Provenance carries optional signing/attestation metadata. The platform
// validates its shape but never verifies signatures (Open Question, see
// DESIGN.md).
type Provenance struct {
	SigstoreURL    string `json:"sigstore_url,omitempty" yaml:"sigstore_url,omitempty"`
	SignerIdentity string `json:"signer_identity,omitempty" yaml:"signer_identity,omitempty"`
}

// Remote describes an MCP server reachable over HTTP(S) without the
// platform deploying it on any backend.
type Remote struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Manifest is the typed, validated representation of one template.json.
type Manifest struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Author      string            `json:"author,omitempty" yaml:"author,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Groups      []string          `json:"groups,omitempty" yaml:"groups,omitempty"`

	Image     string            `json:"image,omitempty" yaml:"image,omitempty"`
	Command   []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Transport Transport         `json:"transport" yaml:"transport"`
	Ports     map[string]int    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Volumes   map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	ConfigSchema ConfigSchema `json:"config_schema" yaml:"config_schema"`
	Tools        []Tool       `json:"tools,omitempty" yaml:"tools,omitempty"`

	Remote     *Remote     `json:"remote,omitempty" yaml:"remote,omitempty"`
	Provenance *Provenance `json:"provenance,omitempty" yaml:"provenance,omitempty"`

	// SourceDir is the directory the manifest was loaded from; not part of
	// the on-disk JSON, populated by the registry during discovery.
	SourceDir string `json:"-" yaml:"-"`
}

// IsRemote reports whether this template addresses an already-running
// server instead of something the platform deploys.
func (m Manifest) IsRemote() bool { return m.Remote != nil }

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidID reports whether id matches the required template-id grammar.
func ValidID(id string) bool { return idPattern.MatchString(id) }
