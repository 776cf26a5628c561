// Package config implements the configuration resolver: layered merge of
// manifest defaults, a config file, CLI key=value pairs and process
// environment variables into a typed Resolved Configuration, plus its two
// derived projections (environment variable assignments and bind mounts).
package config

// VolumeMount is one derived bind mount: a host path projected from a
// volume_mount property to a path under the container's mount root.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
}

// Resolved is the per-deploy configuration produced by Resolve. It is
// ephemeral: constructed by the resolver, consumed by a backend driver,
// never persisted by the core.
type Resolved struct {
	// Values holds the final, coerced value for every schema property that
	// resolved to something (default, file, CLI, or env).
	Values map[string]any
	// Env is the ordered list of "NAME=value" assignments to project into
	// the deployed container.
	Env []string
	// Volumes is the list of bind mounts derived from volume_mount
	// properties.
	Volumes []VolumeMount
	// Warnings collects non-fatal issues: one entry per unknown key passed
	// through as a string.
	Warnings []string
}
