// Package registry implements the template registry: it discovers
// template bundles on disk, validates their manifests, and exposes a
// read-only, snapshot-consistent view for lookup/search.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

const manifestFileName = "template.json"

// SearchField selects which manifest field Search matches against.
type SearchField string

const (
	ByName        SearchField = "name"
	ByDescription SearchField = "description"
	ByTag         SearchField = "tag"
)

type snapshot struct {
	templates map[string]*manifest.Manifest
}

// Registry discovers templates under Root on Fs. Built once per process,
// refreshed explicitly; readers always see a complete, self-consistent
// snapshot (never a partially-populated scan).
type Registry struct {
	fs   afero.Fs
	root string
	snap atomic.Pointer[snapshot]
}

// New creates a Registry rooted at root. Call Discover before using it.
func New(fs afero.Fs, root string) *Registry {
	reg := &Registry{fs: fs, root: root}
	reg.snap.Store(&snapshot{templates: map[string]*manifest.Manifest{}})
	return reg
}

// Discover scans root's immediate subdirectories for template bundles and
// atomically replaces the registry's snapshot. It is idempotent and safe
// to call repeatedly (equivalent to Refresh).
func (r *Registry) Discover() error {
	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		return fmt.Errorf("failed to read template root %s: %w", r.root, err)
	}

	templates := make(map[string]*manifest.Manifest)
	owners := make(map[string]string) // template id -> owning directory, to detect collisions

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := r.root + "/" + entry.Name()
		m, err := loadCandidate(r.fs, dir)
		if err != nil {
			klog.Warningf("registry: skipping %s: %v", dir, err)
			continue
		}
		if m == nil {
			continue // not a template directory (no manifest)
		}
		if owner, exists := owners[m.ID]; exists {
			return errs.TemplateIDCollision(m.ID, owner, dir)
		}
		owners[m.ID] = dir
		templates[m.ID] = m
		klog.V(1).Infof("registry: discovered template %q from %s", m.ID, dir)
	}

	r.snap.Store(&snapshot{templates: templates})
	klog.V(0).Infof("registry: discovery complete, %d templates registered", len(templates))
	return nil
}

// Refresh forces a rescan, equivalent to Discover.
func (r *Registry) Refresh() error { return r.Discover() }

// Get looks up a template by id in the current snapshot.
func (r *Registry) Get(id string) (*manifest.Manifest, bool) {
	m, ok := r.snap.Load().templates[id]
	return m, ok
}

// List returns every template in the current snapshot, ordered by id.
func (r *Registry) List() []*manifest.Manifest {
	snap := r.snap.Load()
	out := make([]*manifest.Manifest, 0, len(snap.templates))
	for _, m := range snap.templates {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search matches query case-insensitively against the given fields (name,
// description and/or tag); an empty by list defaults to name+description.
func (r *Registry) Search(query string, by ...SearchField) []*manifest.Manifest {
	if len(by) == 0 {
		by = []SearchField{ByName, ByDescription}
	}
	q := strings.ToLower(query)
	var out []*manifest.Manifest
	for _, m := range r.List() {
		if matches(m, q, by) {
			out = append(out, m)
		}
	}
	return out
}

func matches(m *manifest.Manifest, q string, by []SearchField) bool {
	for _, field := range by {
		switch field {
		case ByName:
			if strings.Contains(strings.ToLower(m.Name), q) {
				return true
			}
		case ByDescription:
			if strings.Contains(strings.ToLower(m.Description), q) {
				return true
			}
		case ByTag:
			for _, t := range m.Tags {
				if strings.Contains(strings.ToLower(t), q) {
					return true
				}
			}
		}
	}
	return false
}

// Tags returns every distinct tag across all registered templates, sorted.
func (r *Registry) Tags() []string { return distinctStrings(r.List(), func(m *manifest.Manifest) []string { return m.Tags }) }

// Categories mirrors Tags: in this platform a "category" is simply a tag
// used for top-level browsing, so it is derived the same way rather than
// tracked as a separate taxonomy.
func (r *Registry) Categories() []string { return r.Tags() }

// Groups returns every distinct group name across all registered
// templates, sorted.
func (r *Registry) Groups() []string {
	return distinctStrings(r.List(), func(m *manifest.Manifest) []string { return m.Groups })
}

func distinctStrings(templates []*manifest.Manifest, extract func(*manifest.Manifest) []string) []string {
	set := make(map[string]struct{})
	for _, m := range templates {
		for _, v := range extract(m) {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
