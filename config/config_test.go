package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/richinsley/comfybatch/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "comfybatch.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.URL != "http://0.0.0.0:7860/" {
		t.Fatalf("unexpected server url: %q", cfg.Server.URL)
	}
	if cfg.Timeout() != 0 {
		t.Fatalf("expected no timeout by default, got %v", cfg.Timeout())
	}
	if !cfg.Server.Preflight {
		t.Fatal("expected preflight enabled by default")
	}
	if cfg.Paths.Input != "jj_d" || cfg.Paths.Output != "jj_d_white_o" {
		t.Fatalf("unexpected paths: %+v", cfg.Paths)
	}
	want := []string{".png", ".jpg", ".jpeg", ".webp", ".bmp"}
	if !reflect.DeepEqual(cfg.Images.Extensions, want) {
		t.Fatalf("unexpected extensions: %v", cfg.Images.Extensions)
	}
	if cfg.Nodes.LoadImageTitle != "Load Image" || cfg.Nodes.ImageParam != "image" || cfg.Nodes.SaveImageTitle != "Save Image" {
		t.Fatalf("unexpected nodes: %+v", cfg.Nodes)
	}
}

func TestDefaultExtensionsAreNotShared(t *testing.T) {
	a := config.Default()
	a.Images.Extensions[0] = ".tiff"
	b := config.Default()
	if b.Images.Extensions[0] != ".png" {
		t.Fatalf("Default shares its extension slice: %v", b.Images.Extensions)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
url = "http://127.0.0.1:8188/"
timeout_seconds = 90

[paths]
input = "  batches  "
output = "results"

[images]
extensions = ["PNG", ".Jpg", "png", " "]

[logging]
level = "DEBUG"
format = "json"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.URL != "http://127.0.0.1:8188/" {
		t.Fatalf("unexpected server url: %q", cfg.Server.URL)
	}
	if cfg.Timeout() != 90*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout())
	}
	if cfg.Paths.Input != "batches" {
		t.Fatalf("expected trimmed input path, got %q", cfg.Paths.Input)
	}
	// unspecified keys keep their defaults
	if cfg.Paths.Workflow != "workflow_jj_grey_api.json" {
		t.Fatalf("unexpected workflow path: %q", cfg.Paths.Workflow)
	}
	if !reflect.DeepEqual(cfg.Images.Extensions, []string{".png", ".jpg"}) {
		t.Fatalf("unexpected extensions: %v", cfg.Images.Extensions)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging: %+v", cfg.Logging)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"negative timeout": "[server]\ntimeout_seconds = -1\n",
		"empty url":        "[server]\nurl = \"\"\n",
		"no extensions":    "[images]\nextensions = []\n",
		"bad level":        "[logging]\nlevel = \"loud\"\n",
		"bad format":       "[logging]\nformat = \"xml\"\n",
		"empty node title": "[nodes]\nsave_image_title = \" \"\n",
		"unknown key":      "[server]\nport = 8188\n",
		"malformed":        "[server\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "open config") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestDefaultConfigRoundTripsThroughTOML(t *testing.T) {
	data, err := toml.Marshal(config.Default())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cfg, err := config.Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !reflect.DeepEqual(*cfg, config.Default()) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", *cfg, config.Default())
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "comfybatch.example.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !reflect.DeepEqual(*cfg, config.Default()) {
		t.Fatalf("example config drifted from defaults:\n got %+v\nwant %+v", *cfg, config.Default())
	}
}
