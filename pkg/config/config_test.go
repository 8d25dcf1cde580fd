package config

import (
	"os"
	"path/filepath"
	"testing"
)

type serverSettings struct {
	Host  string `yaml:"host" json:"host"`
	Port  int    `yaml:"port" json:"port"`
	Debug bool   `yaml:"debug" json:"debug"`
	Tags  []string
	Inner struct {
		Name string
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "server.yaml", "host: 127.0.0.1\nport: 5346\ndebug: true\n")

	var settings serverSettings
	if err := Load(path, &settings); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.Host != "127.0.0.1" || settings.Port != 5346 || !settings.Debug {
		t.Fatalf("loaded settings = %+v", settings)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "server.json", `{"host": "0.0.0.0", "port": 8080}`)

	var settings serverSettings
	if err := Load(path, &settings); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.Host != "0.0.0.0" || settings.Port != 8080 {
		t.Fatalf("loaded settings = %+v", settings)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TESTAPP_PORT", "9999")
	t.Setenv("TESTAPP_TAGS", "a, b,c")
	t.Setenv("TESTAPP_INNER_NAME", "nested")

	settings := serverSettings{Host: "original", Port: 1}
	if err := ApplyEnvOverrides("TESTAPP", &settings); err != nil {
		t.Fatalf("ApplyEnvOverrides() error = %v", err)
	}
	if settings.Port != 9999 {
		t.Errorf("Port = %d, want 9999", settings.Port)
	}
	if settings.Host != "original" {
		t.Errorf("Host = %q, want unchanged", settings.Host)
	}
	if len(settings.Tags) != 3 || settings.Tags[1] != "b" {
		t.Errorf("Tags = %v", settings.Tags)
	}
	if settings.Inner.Name != "nested" {
		t.Errorf("Inner.Name = %q", settings.Inner.Name)
	}
}

func TestApplyEnvOverridesRejectsNonPointer(t *testing.T) {
	if err := ApplyEnvOverrides("X", serverSettings{}); err == nil {
		t.Error("non-pointer target should fail")
	}
}

func TestValidate(t *testing.T) {
	bad := ValidatorFunc(func(interface{}) error {
		return os.ErrInvalid
	})
	if err := Validate(struct{}{}, bad); err == nil {
		t.Error("failing validator should surface")
	}
	if err := Validate(struct{}{}); err != nil {
		t.Errorf("no validators should pass, got %v", err)
	}
}
