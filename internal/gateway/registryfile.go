package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadRegistryFile reads the gateway registry document from path: YAML for
// a .yaml/.yml extension, otherwise JSON with a fallback to YAML.
func loadRegistryFile(path string) (*RegistryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway registry file %s: %w", path, err)
	}

	var rf RegistryFile
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse %s as YAML: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &rf); err != nil {
		if yamlErr := yaml.Unmarshal(data, &rf); yamlErr != nil {
			return nil, fmt.Errorf("failed to parse %s as JSON or YAML: %w", path, err)
		}
	}

	for id, entry := range rf.Servers {
		if err := validateEntry(id, entry); err != nil {
			return nil, err
		}
	}
	return &rf, nil
}

func validateEntry(id string, e FileEntry) error {
	switch e.Kind {
	case KindHTTP:
		if len(e.Endpoints) == 0 {
			return fmt.Errorf("gateway entry %q: http entries require at least one endpoint", id)
		}
	case KindStdio:
		if len(e.Command) == 0 {
			return fmt.Errorf("gateway entry %q: stdio entries require a command", id)
		}
	case KindTemplate:
		if e.TemplateID == "" {
			return fmt.Errorf("gateway entry %q: template entries require template_id", id)
		}
	default:
		return fmt.Errorf("gateway entry %q: unknown kind %q", id, e.Kind)
	}
	return nil
}
