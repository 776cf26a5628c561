package config

import (
	"strings"
	"testing"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

func schemaWith(props map[string]manifest.Property, required ...string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:   "demo",
		Name: "Demo",
		ConfigSchema: manifest.ConfigSchema{
			Properties: props,
			Required:   required,
		},
	}
}

func TestResolveDefaultsOnly(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"greeting": {Type: manifest.TypeString, Default: "hello", EnvMapping: "GREETING"},
		"count":    {Type: manifest.TypeInteger, Default: 3},
	})

	r, err := Resolve(m, Inputs{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Values["greeting"] != "hello" {
		t.Errorf("greeting = %v, want hello", r.Values["greeting"])
	}
	if r.Values["count"] != 3 {
		t.Errorf("count = %v, want 3", r.Values["count"])
	}
	if len(r.Env) != 1 || r.Env[0] != "GREETING=hello" {
		t.Errorf("Env = %v, want [GREETING=hello]", r.Env)
	}
}

func TestResolvePrecedenceEnvWins(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"timeout": {Type: manifest.TypeInteger, Default: 30, EnvMapping: "TO"},
	})

	r, err := Resolve(m, Inputs{
		File: map[string]any{"timeout": 60},
		CLI:  map[string]string{"timeout": "90"},
		Env:  map[string]string{"TO": "120"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Values["timeout"] != 120 {
		t.Fatalf("timeout = %v, want 120 (env layer wins)", r.Values["timeout"])
	}
	if len(r.Env) != 1 || r.Env[0] != "TO=120" {
		t.Fatalf("Env = %v, want [TO=120]", r.Env)
	}
}

func TestResolveCLIBeatsFile(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"timeout": {Type: manifest.TypeInteger, Default: 30, EnvMapping: "TO"},
	})

	r, err := Resolve(m, Inputs{
		File: map[string]any{"timeout": 60},
		CLI:  map[string]string{"timeout": "90"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Values["timeout"] != 90 {
		t.Fatalf("timeout = %v, want 90", r.Values["timeout"])
	}
}

func TestResolveNestedDunderBoolean(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"security.read_only": {Type: manifest.TypeBoolean, Default: false, EnvMapping: "READ_ONLY"},
	})

	cli, err := ParseCLIPairs([]string{"security__read_only=TRUE"})
	if err != nil {
		t.Fatalf("ParseCLIPairs: %v", err)
	}
	r, err := Resolve(m, Inputs{CLI: cli})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Values["security.read_only"] != true {
		t.Fatalf("security.read_only = %v, want true", r.Values["security.read_only"])
	}
}

func TestResolveMissingRequired(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"api_key": {Type: manifest.TypeString},
	}, "api_key")

	_, err := Resolve(m, Inputs{})
	if err == nil {
		t.Fatal("expected a missing-required error")
	}
	e, ok := errs.As(err)
	if !ok || e.Code != "config_missing_required" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveTypeErrorIsTerminal(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"count": {Type: manifest.TypeInteger, Default: 1},
	})

	_, err := Resolve(m, Inputs{CLI: map[string]string{"count": "not-a-number"}})
	if err == nil {
		t.Fatal("expected a type error")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindConfig {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveUnknownKeyIsWarningNotError(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"known": {Type: manifest.TypeString, Default: "x"},
	})

	r, err := Resolve(m, Inputs{File: map[string]any{"mystery": 42}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Values["mystery"] != "42" {
		t.Fatalf("mystery = %v, want pass-through string \"42\"", r.Values["mystery"])
	}
	if len(r.Warnings) == 0 {
		t.Fatal("expected a warning for the unknown key")
	}
}

func TestArrayEnvSeparatorProjection(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"paths": {Type: manifest.TypeArray, Default: []any{"/a", "/b"}, EnvMapping: "PATHS", EnvSeparator: ":"},
	})

	r, err := Resolve(m, Inputs{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(r.Env) != 1 || r.Env[0] != "PATHS=/a:/b" {
		t.Fatalf("Env = %v, want [PATHS=/a:/b]", r.Env)
	}
}

func TestArrayFromSeparatedStringTrimsElements(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"items": {Type: manifest.TypeArray, Default: []any{}, EnvMapping: "ITEMS"},
	})

	r, err := Resolve(m, Inputs{CLI: map[string]string{"items": "a, b , c"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	arr, ok := r.Values["items"].([]string)
	if !ok || len(arr) != 3 || arr[1] != "b" {
		t.Fatalf("items = %#v, want [a b c]", r.Values["items"])
	}
}

func TestVolumeProjectionDisambiguatesBasenames(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"dirs": {Type: manifest.TypeArray, Default: []any{"/one/data", "/two/data"}, VolumeMount: true},
	})

	r, err := Resolve(m, Inputs{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(r.Volumes) != 2 {
		t.Fatalf("Volumes = %#v, want 2 mounts", r.Volumes)
	}
	if r.Volumes[0].ContainerPath == r.Volumes[1].ContainerPath {
		t.Fatalf("repeated basenames must disambiguate, got %q twice", r.Volumes[0].ContainerPath)
	}
	if !strings.HasSuffix(r.Volumes[1].ContainerPath, "data-1") {
		t.Fatalf("second mount = %q, want a -1 suffix", r.Volumes[1].ContainerPath)
	}
}

func TestObjectSerializedToJSONEnv(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"opts": {Type: manifest.TypeObject, Default: map[string]any{"a": float64(1)}, EnvMapping: "OPTS"},
	})

	r, err := Resolve(m, Inputs{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(r.Env) != 1 || r.Env[0] != `OPTS={"a":1}` {
		t.Fatalf("Env = %v, want [OPTS={\"a\":1}]", r.Env)
	}
}

func TestBooleanCoercionTable(t *testing.T) {
	m := schemaWith(map[string]manifest.Property{
		"flag": {Type: manifest.TypeBoolean, Default: false},
	})

	for _, tc := range []struct {
		raw  string
		want bool
	}{
		{"true", true}, {"1", true}, {"YES", true}, {"On", true},
		{"false", false}, {"0", false}, {"no", false}, {"OFF", false},
	} {
		r, err := Resolve(m, Inputs{CLI: map[string]string{"flag": tc.raw}})
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.raw, err)
		}
		if r.Values["flag"] != tc.want {
			t.Errorf("flag=%q resolved %v, want %v", tc.raw, r.Values["flag"], tc.want)
		}
	}

	if _, err := Resolve(m, Inputs{CLI: map[string]string{"flag": "maybe"}}); err == nil {
		t.Fatal("expected a type error for a non-boolean string")
	}
}
