package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"readyline/internal/catalog"
)

// Config models readyline.yml: the quest catalog plus outbound webhooks.
type Config struct {
	Catalog  catalog.Doc     `yaml:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl catalog import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the catalog compiles; an invalid catalog never loads.
func (c *Config) Validate() error {
	if len(c.Catalog.Quests) == 0 {
		return fmt.Errorf("config.catalog.quests is required")
	}
	if _, err := c.Catalog.Compile(); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readyline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in Config used to seed a fresh workspace.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `catalog:
  quests:
    readme:
      title: "README present"
      description: "Repository has a top-level README"
      levels:
        - level: 1
          condition: {type: pass}

    agents_doc:
      title: "Agent instructions"
      description: "Machine-readable contributor instructions (AGENTS.md or similar)"
      manual_approval: true
      levels:
        - level: 1
          condition: {type: exists}
        - level: 2
          condition: {type: pass}

    linter:
      title: "Linters configured"
      description: "Static analysis configured in the repository"
      manual_approval: true
      levels:
        - level: 1
          condition: {type: count, min: 1}
        - level: 2
          condition: {type: count, min: 2}
        - level: 3
          condition: {type: count, min: 4}

    sast:
      title: "Security scanning"
      description: "SAST tooling wired into CI"
      manual_approval: true
      levels:
        - level: 1
          condition: {type: count, min: 1}
        - level: 2
          condition: {type: count, min: 2}

    coverage:
      title: "Test coverage"
      description: "Coverage reported and above thresholds"
      levels:
        - level: 1
          condition: {type: score, min: 40}
        - level: 2
          condition: {type: score, min: 70}
        - level: 3
          condition: {type: score, min: 90}

    ci_pipeline:
      title: "CI pipeline"
      description: "Automated build and test pipeline"
      levels:
        - level: 1
          condition: {type: pass}

    contributing_doc:
      title: "Contributing guide"
      description: "Legacy check kept for older report versions"
      manual_approval: true
      levels: []
`
