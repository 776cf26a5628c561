package manifest

import (
	"fmt"

	"github.com/scoutflo/mcp-platform/internal/errs"
)

// Validate checks a decoded manifest against its structural invariants
// and returns every violation found, not just the first — callers (the
// registry) log each and skip the template rather than aborting discovery
// on one bad candidate.
func Validate(m *Manifest) []error {
	var problems []error

	if !ValidID(m.ID) {
		problems = append(problems, errs.ConfigSchemaError(fmt.Sprintf("template id %q does not match [a-z0-9][a-z0-9-]*", m.ID)))
	}
	if m.Name == "" {
		problems = append(problems, errs.ConfigSchemaError("template name is required"))
	}

	if !m.IsRemote() {
		if m.Image == "" {
			problems = append(problems, errs.ConfigSchemaError("image is required for non-remote templates"))
		}
		problems = append(problems, validateTransport(m.Transport)...)
	} else if m.Remote.URL == "" {
		problems = append(problems, errs.ConfigSchemaError("remote.url is required when remote is set"))
	}

	problems = append(problems, validateConfigSchema(m.ConfigSchema)...)

	return problems
}

func validateTransport(t Transport) []error {
	var problems []error
	if len(t.Supported) == 0 {
		problems = append(problems, errs.ConfigSchemaError("transport.supported must not be empty"))
		return problems
	}
	found := false
	hasHTTP := false
	for _, s := range t.Supported {
		if s == t.Default {
			found = true
		}
		if s == TransportHTTP {
			hasHTTP = true
		}
		if s != TransportStdio && s != TransportHTTP {
			problems = append(problems, errs.ConfigSchemaError(fmt.Sprintf("transport.supported contains unknown transport %q", s)))
		}
	}
	if !found {
		problems = append(problems, errs.ConfigSchemaError("transport.default must be one of transport.supported"))
	}
	if hasHTTP && t.Port == 0 {
		problems = append(problems, errs.ConfigSchemaError("transport.port is required when http is supported"))
	}
	return problems
}

func validateConfigSchema(cs ConfigSchema) []error {
	var problems []error

	for _, key := range cs.Required {
		if _, ok := cs.Properties[key]; !ok {
			problems = append(problems, errs.ConfigSchemaError(fmt.Sprintf("required key %q has no property declaration", key)))
		}
	}

	requiredSet := make(map[string]bool, len(cs.Required))
	for _, key := range cs.Required {
		requiredSet[key] = true
	}

	envTargets := make(map[string]string) // env var -> first owning key, catches Open Question (c)
	for key, prop := range cs.Properties {
		if !prop.HasDefault() && !requiredSet[key] {
			problems = append(problems, errs.ConfigSchemaError(fmt.Sprintf("property %q has neither a default nor is required", key)))
		}
		switch prop.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			problems = append(problems, errs.ConfigSchemaError(fmt.Sprintf("property %q has unknown type %q", key, prop.Type)))
		}
		if prop.EnvMapping != "" {
			if owner, seen := envTargets[prop.EnvMapping]; seen {
				problems = append(problems, errs.ConfigSchemaError(fmt.Sprintf("env_mapping %q is declared by both %q and %q", prop.EnvMapping, owner, key)))
			} else {
				envTargets[prop.EnvMapping] = key
			}
		}
	}
	return problems
}
