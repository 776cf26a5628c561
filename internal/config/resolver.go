package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

// Inputs bundles the three user-supplied configuration layers; the
// manifest itself supplies the lowest layer (defaults).
type Inputs struct {
	// File is the parsed (and flattened-on-demand) content of a user
	// config file, nested by dotted key.
	File map[string]any
	// CLI is the set of --config key=value pairs, already dunder-to-dot
	// converted (see ParseCLIPairs).
	CLI map[string]string
	// Env is the calling process's environment, keyed by variable name
	// (e.g. from os.Environ split on "="). Only variables named by a
	// property's env_mapping are consulted.
	Env map[string]string
}

const defaultContainerMountRoot = "/mnt/config"

// Resolve merges Inputs over a manifest's declared defaults with precedence
// defaults < File < CLI < Env (lowest to highest), coerces every resolved
// value to its declared type, and projects the result into environment
// variable assignments and bind mounts.
func Resolve(m *manifest.Manifest, in Inputs) (*Resolved, error) {
	cs := m.ConfigSchema
	flatFile := Flatten(in.File)

	raw := make(map[string]any)
	for key, prop := range cs.Properties {
		if prop.HasDefault() {
			raw[key] = prop.Default
		}
	}
	for key, v := range flatFile {
		if _, known := cs.Properties[key]; known {
			raw[key] = v
		} else {
			raw[key] = v // unknown key: warned about below, passed through as-is
		}
	}
	for key, v := range in.CLI {
		raw[key] = v
	}
	for key, prop := range cs.Properties {
		if prop.EnvMapping == "" {
			continue
		}
		if v, ok := in.Env[prop.EnvMapping]; ok {
			raw[key] = v
		}
	}

	result := &Resolved{Values: make(map[string]any)}

	requiredSet := make(map[string]bool, len(cs.Required))
	for _, key := range cs.Required {
		requiredSet[key] = true
	}

	for key, v := range raw {
		prop, known := cs.Properties[key]
		if !known {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown configuration key %q, passed through as string", key))
			result.Values[key] = fmt.Sprintf("%v", v)
			continue
		}
		coerced, err := coerce(key, v, prop)
		if err != nil {
			return nil, err
		}
		result.Values[key] = coerced
	}

	for key := range requiredSet {
		if _, ok := result.Values[key]; !ok {
			return nil, errs.ConfigMissingRequired(key)
		}
	}

	env, err := projectEnv(cs, result.Values)
	if err != nil {
		return nil, err
	}
	result.Env = env
	result.Volumes = projectVolumes(cs, result.Values)

	return result, nil
}

// projectEnv builds the ordered "NAME=value" list, one entry per property
// that both declares env_mapping and has a resolved value. Order is
// deterministic (sorted by property key) so callers can diff/test output.
func projectEnv(cs manifest.ConfigSchema, values map[string]any) ([]string, error) {
	keys := make([]string, 0, len(cs.Properties))
	for key := range cs.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var env []string
	for _, key := range keys {
		prop := cs.Properties[key]
		if prop.EnvMapping == "" {
			continue
		}
		v, ok := values[key]
		if !ok {
			continue
		}
		s, err := joinEnvValue(v, prop)
		if err != nil {
			return nil, err
		}
		env = append(env, fmt.Sprintf("%s=%s", prop.EnvMapping, s))
	}
	return env, nil
}

// projectVolumes turns every volume_mount property's resolved value
// (a host path, or a list of host paths for array-typed properties) into a
// bind mount under the container mount root, disambiguating repeated
// basenames with a "-1", "-2", ... suffix.
func projectVolumes(cs manifest.ConfigSchema, values map[string]any) []VolumeMount {
	keys := make([]string, 0, len(cs.Properties))
	for key := range cs.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	seen := make(map[string]int)
	var mounts []VolumeMount

	addHostPath := func(hostPath string) {
		base := filepath.Base(hostPath)
		name := base
		if n, exists := seen[base]; exists {
			n++
			seen[base] = n
			name = fmt.Sprintf("%s-%d", base, n)
		} else {
			seen[base] = 0
		}
		mounts = append(mounts, VolumeMount{
			HostPath:      hostPath,
			ContainerPath: filepath.Join(defaultContainerMountRoot, name),
		})
	}

	for _, key := range keys {
		prop := cs.Properties[key]
		if !prop.VolumeMount {
			continue
		}
		v, ok := values[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case []string:
			for _, p := range t {
				addHostPath(p)
			}
		case string:
			addHostPath(t)
		}
	}
	return mounts
}
