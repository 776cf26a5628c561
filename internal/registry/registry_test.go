package registry

import (
	"testing"

	"github.com/spf13/afero"
)

func writeTemplate(t *testing.T, fs afero.Fs, dir, body string) {
	t.Helper()
	if err := afero.WriteFile(fs, dir+"/template.json", []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const demoManifest = `{
  "id": "demo",
  "name": "Demo Server",
  "description": "A demo MCP server",
  "tags": ["demo", "testing"],
  "groups": ["starters"],
  "image": "example.com/demo:latest",
  "transport": {"default": "stdio", "supported": ["stdio"]}
}`

func TestDiscoverRegistersValidTemplates(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/templates/demo", demoManifest)

	reg := New(fs, "/templates")
	if err := reg.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	m, ok := reg.Get("demo")
	if !ok {
		t.Fatal("demo not registered")
	}
	if m.Name != "Demo Server" {
		t.Fatalf("Name = %q", m.Name)
	}
	if m.SourceDir != "/templates/demo" {
		t.Fatalf("SourceDir = %q", m.SourceDir)
	}
}

func TestDiscoverAcceptsYAMLManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	yaml := `
id: yaml-demo
name: YAML Demo
image: example.com/yaml-demo:latest
transport:
  default: stdio
  supported: [stdio]
`
	if err := afero.WriteFile(fs, "/templates/yaml-demo/template.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := New(fs, "/templates")
	if err := reg.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, ok := reg.Get("yaml-demo"); !ok {
		t.Fatal("yaml manifest not registered")
	}
}

func TestDiscoverSkipsMalformedTemplate(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/templates/good", demoManifest)
	writeTemplate(t, fs, "/templates/bad", `{"id": "BAD ID"}`)

	reg := New(fs, "/templates")
	if err := reg.Discover(); err != nil {
		t.Fatalf("one malformed template must not fail discovery: %v", err)
	}
	if _, ok := reg.Get("demo"); !ok {
		t.Fatal("the valid template must still register")
	}
	if len(reg.List()) != 1 {
		t.Fatalf("List = %d entries, want 1", len(reg.List()))
	}
}

func TestDiscoverIDCollisionFailsWholeDiscovery(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/templates/first", demoManifest)
	writeTemplate(t, fs, "/templates/second", demoManifest)

	reg := New(fs, "/templates")
	if err := reg.Discover(); err == nil {
		t.Fatal("an id collision must fail discovery")
	}
}

func TestDiscoverIgnoresNonTemplateDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/templates/demo", demoManifest)
	if err := afero.WriteFile(fs, "/templates/docs/readme.txt", []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := New(fs, "/templates")
	if err := reg.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("List = %d entries, want 1", len(reg.List()))
	}
}

func TestSearchAndTaxonomies(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/templates/demo", demoManifest)

	reg := New(fs, "/templates")
	if err := reg.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if got := reg.Search("demo"); len(got) != 1 {
		t.Fatalf("Search(demo) = %d results, want 1", len(got))
	}
	if got := reg.Search("nonsense"); len(got) != 0 {
		t.Fatalf("Search(nonsense) = %d results, want 0", len(got))
	}
	if got := reg.Search("testing", ByTag); len(got) != 1 {
		t.Fatalf("Search by tag = %d results, want 1", len(got))
	}

	tags := reg.Tags()
	if len(tags) != 2 || tags[0] != "demo" || tags[1] != "testing" {
		t.Fatalf("Tags = %v", tags)
	}
	groups := reg.Groups()
	if len(groups) != 1 || groups[0] != "starters" {
		t.Fatalf("Groups = %v", groups)
	}
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/templates/demo", demoManifest)

	reg := New(fs, "/templates")
	if err := reg.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if err := fs.RemoveAll("/templates/demo"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := reg.Get("demo"); ok {
		t.Fatal("removed template must disappear after refresh")
	}
}
