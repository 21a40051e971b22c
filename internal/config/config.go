package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models steeltrack.yml.
type Config struct {
	Server struct {
		Addr    string `yaml:"addr"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`
	Auth struct {
		Secret    string `yaml:"secret"`
		Issuer    string `yaml:"issuer"`
		DevTokens bool   `yaml:"dev_tokens"`
	} `yaml:"auth"`
	Mail struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		From    string `yaml:"from"`
	} `yaml:"mail"`
	Dashboard struct {
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	} `yaml:"dashboard"`
	Catalog map[string]ConnectionType `yaml:"catalog"`
}

// ConnectionType groups topologies under a type/subtype pair.
type ConnectionType struct {
	Description string                `yaml:"description"`
	Subtypes    map[string][]Topology `yaml:"subtypes"`
}

// Topology describes one buildable connection shape. CodeTemplate holds
// {p1}..{pN} placeholders filled with member profile names.
type Topology struct {
	Name         string `yaml:"name"`
	CodeTemplate string `yaml:"code_template"`
	Profiles     int    `yaml:"profiles"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with stk init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dashboard.CacheTTLSeconds < 0 {
		return fmt.Errorf("config.dashboard.cache_ttl_seconds must not be negative")
	}
	if c.Mail.Enabled {
		if c.Mail.Host == "" {
			return fmt.Errorf("config.mail.host is required when mail is enabled")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("config.mail.from is required when mail is enabled")
		}
	}
	for typ, ct := range c.Catalog {
		if typ == "" {
			return fmt.Errorf("config.catalog contains empty type name")
		}
		for subtype, topologies := range ct.Subtypes {
			if subtype == "" {
				return fmt.Errorf("catalog type %s contains empty subtype name", typ)
			}
			for _, topo := range topologies {
				if topo.Name == "" {
					return fmt.Errorf("catalog %s/%s has a topology without a name", typ, subtype)
				}
				if topo.CodeTemplate == "" {
					return fmt.Errorf("topology %s has no code template", topo.Name)
				}
				if topo.Profiles < 0 || topo.Profiles > 3 {
					return fmt.Errorf("topology %s declares %d profiles, want 0..3", topo.Name, topo.Profiles)
				}
				for i := 1; i <= topo.Profiles; i++ {
					if !strings.Contains(topo.CodeTemplate, fmt.Sprintf("{p%d}", i)) {
						return fmt.Errorf("topology %s template %q is missing placeholder {p%d}", topo.Name, topo.CodeTemplate, i)
					}
				}
			}
		}
	}
	return nil
}

// Topology looks up a topology by type, subtype and name.
func (c *Config) Topology(typ, subtype, name string) (Topology, bool) {
	ct, ok := c.Catalog[typ]
	if !ok {
		return Topology{}, false
	}
	for _, topo := range ct.Subtypes[subtype] {
		if topo.Name == name {
			return topo, true
		}
	}
	return Topology{}, false
}

// BuildCode fills a topology code template with profile names, in order.
func (t Topology) BuildCode(profiles []string) (string, error) {
	if len(profiles) < t.Profiles {
		return "", fmt.Errorf("topology %s requires %d profiles, got %d", t.Name, t.Profiles, len(profiles))
	}
	code := t.CodeTemplate
	for i := 0; i < t.Profiles; i++ {
		if strings.TrimSpace(profiles[i]) == "" {
			return "", fmt.Errorf("topology %s requires %d profiles, got %d", t.Name, t.Profiles, i)
		}
		code = strings.ReplaceAll(code, fmt.Sprintf("{p%d}", i+1), profiles[i])
	}
	return code, nil
}

// CacheTTLSecondsOrDefault returns the configured dashboard TTL, or 60.
func (c *Config) CacheTTLSecondsOrDefault() int {
	if c == nil || c.Dashboard.CacheTTLSeconds == 0 {
		return 60
	}
	return c.Dashboard.CacheTTLSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steeltrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional falls back to the built-in defaults when no config file
// exists in the workspace.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8400
  base_url: http://127.0.0.1:8400

auth:
  secret: ""
  issuer: steeltrack
  dev_tokens: false

mail:
  enabled: false
  host: ""
  port: 25
  from: ""

dashboard:
  cache_ttl_seconds: 60

catalog:
  bolted:
    description: "Bolted shop and field connections"
    subtypes:
      shear:
        - name: "Single plate"
          code_template: "BSP-{p1}-{p2}"
          profiles: 2
        - name: "Double angle"
          code_template: "BDA-{p1}-{p2}"
          profiles: 2
      moment:
        - name: "End plate"
          code_template: "BEP-{p1}-{p2}"
          profiles: 2
        - name: "Splice"
          code_template: "BSL-{p1}"
          profiles: 1
  welded:
    description: "Welded connections"
    subtypes:
      moment:
        - name: "Directly welded flange"
          code_template: "WMF-{p1}-{p2}"
          profiles: 2
      truss:
        - name: "Gusset node"
          code_template: "WGN-{p1}-{p2}-{p3}"
          profiles: 3
  base:
    description: "Column bases and anchorage"
    subtypes:
      anchored:
        - name: "Base plate"
          code_template: "BP-{p1}"
          profiles: 1
`
