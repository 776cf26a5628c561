package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/scoutflo/mcp-platform/internal/manifest"
)

// loadCandidate loads and validates dir as a template bundle. It returns
// (nil, nil) if dir simply isn't a template directory (no manifest file) so
// the caller can distinguish "not a template" from "malformed template".
func loadCandidate(fs afero.Fs, dir string) (*manifest.Manifest, error) {
	manifestPath, found, err := findManifest(fs, dir)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	data, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}

	var m manifest.Manifest
	if strings.HasSuffix(manifestPath, ".json") {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", manifestPath, err)
		}
	} else {
		// YAML manifests go through sigs.k8s.io/yaml so the json struct tags
		// (and mcp-go's Tool wire shape) decode identically to template.json.
		if err := sigsyaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", manifestPath, err)
		}
	}
	m.SourceDir = dir

	if problems := manifest.Validate(&m); len(problems) > 0 {
		msgs := make([]string, 0, len(problems))
		for _, p := range problems {
			msgs = append(msgs, p.Error())
		}
		return nil, fmt.Errorf("manifest validation failed: %s", strings.Join(msgs, "; "))
	}

	if !m.IsRemote() {
		hasBuildDescriptor, err := afero.Exists(fs, dir+"/Dockerfile")
		if err != nil {
			return nil, fmt.Errorf("failed to stat Dockerfile for %s: %w", m.ID, err)
		}
		if !hasBuildDescriptor && m.Image == "" {
			return nil, fmt.Errorf("template %q has neither a Dockerfile nor a resolvable image reference", m.ID)
		}
	}

	return &m, nil
}

// findManifest locates the bundle's manifest file, preferring template.json
// over the YAML spellings when more than one is present.
func findManifest(fs afero.Fs, dir string) (path string, found bool, err error) {
	for _, name := range []string{manifestFileName, "template.yaml", "template.yml"} {
		p := dir + "/" + name
		exists, err := afero.Exists(fs, p)
		if err != nil {
			return "", false, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if exists {
			return p, true, nil
		}
	}
	return "", false, nil
}
