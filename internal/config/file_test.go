package config

import (
	"testing"

	"github.com/spf13/afero"
)

func TestLoadFileJSONAndYAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/cfg.json", []byte(`{"timeout": 60, "security": {"read_only": true}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/cfg.yaml", []byte("timeout: 60\nsecurity:\n  read_only: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/cfg.json", "/cfg.yaml"} {
		got, err := LoadFile(fs, path)
		if err != nil {
			t.Fatalf("LoadFile(%s): %v", path, err)
		}
		flat := Flatten(got)
		if flat["security.read_only"] != true {
			t.Errorf("%s: security.read_only = %v, want true", path, flat["security.read_only"])
		}
	}
}

func TestLoadFileSniffsFormatWithoutExtension(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/config", []byte("greeting: hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(fs, "/config")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got["greeting"] != "hi" {
		t.Fatalf("greeting = %v, want hi", got["greeting"])
	}
}

func TestLoadFileEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/empty.yaml", []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(fs, "/empty.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected an empty map, got %v", got)
	}
}

func TestParseCLIPairs(t *testing.T) {
	got, err := ParseCLIPairs([]string{"a=1", "security__read_only=true", "c=x=y"})
	if err != nil {
		t.Fatalf("ParseCLIPairs: %v", err)
	}
	if got["a"] != "1" {
		t.Errorf("a = %q", got["a"])
	}
	if got["security.read_only"] != "true" {
		t.Errorf("dunder key not converted: %v", got)
	}
	if got["c"] != "x=y" {
		t.Errorf("value containing '=' must survive, got %q", got["c"])
	}

	if _, err := ParseCLIPairs([]string{"novalue"}); err == nil {
		t.Fatal("expected an error for an entry without '='")
	}
}
