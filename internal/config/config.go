package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. They are fatal and never retried.
var ErrInvalid = errors.New("invalid configuration")

// MatrixPlaceholder is substituted by each matrix value in the command template
const MatrixPlaceholder = "{{matrix}}"

// DefaultRegions is the baseline candidate pool for machine placement
var DefaultRegions = []string{"dfw", "iad", "lax", "mia", "ord", "sea", "sjc"}

const (
	DefaultAPIURL        = "https://api.machines.dev"
	DefaultGraphQLURL    = "https://api.fly.io/graphql"
	DefaultOrganization  = "personal"
	DefaultAgentPrefix   = "buildkite"
	DefaultCPUs          = 1
	DefaultMemoryMB      = 1024
	DefaultSettleSeconds = 10
)

// Config contains the plugin configuration for a single run
type Config struct {
	// Fly access token, always taken from FLY_API_TOKEN
	APIToken string `yaml:"-"`

	Application  string `yaml:"application"`
	Organization string `yaml:"organization"`
	Image        string `yaml:"image"`
	Command      string `yaml:"command"`

	// Matrix is nil when no matrix was declared. A declared but empty matrix is invalid.
	Matrix *[]string `yaml:"matrix"`

	Secrets     Secrets           `yaml:"secrets"`
	Environment map[string]string `yaml:"environment"`
	Plugins     []any             `yaml:"plugins"`

	CPUs      int `yaml:"cpus"`
	MemoryMB  int `yaml:"memory"`
	StorageGB int `yaml:"storage"` // 0 means no volume

	AgentPrefix   string   `yaml:"agent_prefix"`
	Regions       []string `yaml:"regions"`
	SettleSeconds int      `yaml:"settle_seconds"`

	APIURL     string `yaml:"api_url"`
	GraphQLURL string `yaml:"graphql_url"`
}

// MatrixValues returns the declared matrix values and whether a matrix was declared
func (c *Config) MatrixValues() ([]string, bool) {
	if c.Matrix == nil {
		return nil, false
	}
	return *c.Matrix, true
}

// Load builds the configuration from the process environment.
// The plugin configuration comes from BUILDKITE_PLUGIN_CONFIGURATION (JSON), or
// from the YAML file named by CONFIG_PATH for local runs.
func Load() (*Config, error) {
	return LoadFromEnv(os.LookupEnv)
}

// LoadFromEnv is Load with an injectable environment lookup
func LoadFromEnv(lookup func(string) (string, bool)) (*Config, error) {
	var raw []byte
	if path, ok := lookup("CONFIG_PATH"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		raw = data
	} else if s, ok := lookup("BUILDKITE_PLUGIN_CONFIGURATION"); ok && s != "" {
		raw = []byte(s)
	} else {
		return nil, fmt.Errorf("%w: BUILDKITE_PLUGIN_CONFIGURATION is not set", ErrInvalid)
	}

	config, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	token, _ := lookup("FLY_API_TOKEN")
	config.APIToken = token

	if config.Application == "" {
		if name, ok := lookup("BUILDKITE_PIPELINE_NAME"); ok && name != "" {
			config.Application = ApplicationNameFromPipelineName(name)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes a plugin configuration document and applies defaults
func Parse(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plugin configuration: %v", ErrInvalid, err)
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Organization == "" {
		c.Organization = DefaultOrganization
	}
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.AgentPrefix == "" {
		c.AgentPrefix = DefaultAgentPrefix
	}
	if len(c.Regions) == 0 {
		c.Regions = append([]string(nil), DefaultRegions...)
	}
	if c.SettleSeconds == 0 {
		c.SettleSeconds = DefaultSettleSeconds
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.GraphQLURL == "" {
		c.GraphQLURL = DefaultGraphQLURL
	}
	if c.Environment == nil {
		c.Environment = map[string]string{}
	}
}

// Validate checks required parameters
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("%w: FLY_API_TOKEN is not set", ErrInvalid)
	}
	if c.Application == "" {
		return fmt.Errorf("%w: application is required (set application or BUILDKITE_PIPELINE_NAME)", ErrInvalid)
	}
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalid)
	}
	if c.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalid)
	}
	if values, ok := c.MatrixValues(); ok && len(values) == 0 {
		return fmt.Errorf("%w: matrix must contain at least one value", ErrInvalid)
	}
	if c.CPUs < 0 || c.MemoryMB < 0 || c.StorageGB < 0 {
		return fmt.Errorf("%w: cpus, memory and storage must not be negative", ErrInvalid)
	}
	if c.SettleSeconds < 0 {
		return fmt.Errorf("%w: settle_seconds must not be negative", ErrInvalid)
	}
	return nil
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]`)

// ApplicationNameFromPipelineName derives a Fly application name from a
// Buildkite pipeline name. Names may only contain digits, lowercase letters and dashes.
func ApplicationNameFromPipelineName(pipelineName string) string {
	name := strings.ToLower(pipelineName)
	name = strings.ReplaceAll(name, " ", "-")
	name = nonSlugChars.ReplaceAllString(name, "-")
	return "buildkite-" + name
}
