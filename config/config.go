// Package config loads the batch configuration: where the ComfyUI server
// lives, which workflow to run, where images are read from and written to.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServerURL      = "http://0.0.0.0:7860/"
	defaultWorkflowPath   = "workflow_jj_grey_api.json"
	defaultInputDir       = "jj_d"
	defaultOutputDir      = "jj_d_white_o"
	defaultLoadImageTitle = "Load Image"
	defaultImageParam     = "image"
	defaultSaveImageTitle = "Save Image"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

var defaultExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp"}

// Server contains the ComfyUI endpoint and the per-item time limit.
type Server struct {
	URL string `toml:"url"`
	// TimeoutSeconds bounds one submit-and-wait call. Zero waits forever.
	TimeoutSeconds int  `toml:"timeout_seconds"`
	Preflight      bool `toml:"preflight"`
}

// Paths contains the workflow template and the input and output directories.
type Paths struct {
	Workflow string `toml:"workflow"`
	Input    string `toml:"input"`
	Output   string `toml:"output"`
}

// Images controls which files in a subfolder are eligible for upload.
type Images struct {
	Extensions []string `toml:"extensions"`
}

// Nodes names the workflow nodes the batch touches, by title.
type Nodes struct {
	LoadImageTitle string `toml:"load_image_title"`
	ImageParam     string `toml:"image_param"`
	SaveImageTitle string `toml:"save_image_title"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for a batch run.
type Config struct {
	Server  Server  `toml:"server"`
	Paths   Paths   `toml:"paths"`
	Images  Images  `toml:"images"`
	Nodes   Nodes   `toml:"nodes"`
	Logging Logging `toml:"logging"`
}

// Default returns a Config populated with the stock values.
func Default() Config {
	return Config{
		Server: Server{
			URL:       defaultServerURL,
			Preflight: true,
		},
		Paths: Paths{
			Workflow: defaultWorkflowPath,
			Input:    defaultInputDir,
			Output:   defaultOutputDir,
		},
		Images: Images{
			Extensions: append([]string(nil), defaultExtensions...),
		},
		Nodes: Nodes{
			LoadImageTitle: defaultLoadImageTitle,
			ImageParam:     defaultImageParam,
			SaveImageTitle: defaultSaveImageTitle,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load parses the TOML file at path over the defaults, then normalizes and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize trims string fields and canonicalizes the extension list to
// lowercase entries with a leading dot.
func (c *Config) Normalize() {
	c.Server.URL = strings.TrimSpace(c.Server.URL)
	c.Paths.Workflow = strings.TrimSpace(c.Paths.Workflow)
	c.Paths.Input = strings.TrimSpace(c.Paths.Input)
	c.Paths.Output = strings.TrimSpace(c.Paths.Output)
	c.Nodes.LoadImageTitle = strings.TrimSpace(c.Nodes.LoadImageTitle)
	c.Nodes.ImageParam = strings.TrimSpace(c.Nodes.ImageParam)
	c.Nodes.SaveImageTitle = strings.TrimSpace(c.Nodes.SaveImageTitle)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	exts := make([]string, 0, len(c.Images.Extensions))
	seen := make(map[string]bool)
	for _, ext := range c.Images.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if seen[ext] {
			continue
		}
		seen[ext] = true
		exts = append(exts, ext)
	}
	c.Images.Extensions = exts
}

// Validate reports the first setting that makes a run impossible.
func (c *Config) Validate() error {
	switch {
	case c.Server.URL == "":
		return errors.New("server.url must be set")
	case c.Server.TimeoutSeconds < 0:
		return fmt.Errorf("server.timeout_seconds must not be negative, got %d", c.Server.TimeoutSeconds)
	case c.Paths.Workflow == "":
		return errors.New("paths.workflow must be set")
	case c.Paths.Input == "":
		return errors.New("paths.input must be set")
	case c.Paths.Output == "":
		return errors.New("paths.output must be set")
	case len(c.Images.Extensions) == 0:
		return errors.New("images.extensions must list at least one extension")
	case c.Nodes.LoadImageTitle == "" || c.Nodes.ImageParam == "" || c.Nodes.SaveImageTitle == "":
		return errors.New("nodes.load_image_title, nodes.image_param and nodes.save_image_title must be set")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Timeout returns the per-item submit-and-wait limit, or zero for none.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
