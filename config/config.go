// Package config loads run configuration for the test environment with
// Viper. Values come from defaults, an optional YAML file, and environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crawlspace/testenv/endpoint"
)

// TeardownPolicy controls what happens to an ephemeral cluster container
// when the run ends.
type TeardownPolicy string

const (
	// TeardownNever leaves the container running so later runs can reuse
	// it. This is the default.
	TeardownNever TeardownPolicy = "never"
	// TeardownAlways stops the container at the end of every run.
	TeardownAlways TeardownPolicy = "always"
	// TeardownOnSuccess stops the container only when the whole run
	// passed, keeping it around for post-mortem otherwise.
	TeardownOnSuccess TeardownPolicy = "on-success"
)

// Config is the run configuration for the test environment.
type Config struct {
	Cluster   ClusterConfig   `yaml:"cluster" mapstructure:"cluster"`
	Container ContainerConfig `yaml:"container" mapstructure:"container"`
	Rest      RestConfig      `yaml:"rest" mapstructure:"rest"`
	Staging   StagingConfig   `yaml:"staging" mapstructure:"staging"`
}

// ClusterConfig describes how to reach the search cluster under test.
type ClusterConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Scheme   string `yaml:"scheme" mapstructure:"scheme"`
	CloudID  string `yaml:"cloudID" mapstructure:"cloudID"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// ContainerConfig describes the ephemeral cluster container used when no
// reachable cluster is configured or already running.
type ContainerConfig struct {
	Image          string         `yaml:"image" mapstructure:"image"`
	Version        string         `yaml:"version" mapstructure:"version"`
	Teardown       TeardownPolicy `yaml:"teardown" mapstructure:"teardown"`
	StartupTimeout time.Duration  `yaml:"startupTimeout" mapstructure:"startupTimeout"`
}

// RestConfig describes the REST service under test.
type RestConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// StagingConfig describes where fixtures come from and where per-test
// workspaces are staged.
type StagingConfig struct {
	FixturesDir string `yaml:"fixturesDir" mapstructure:"fixturesDir"`
	RootDir     string `yaml:"rootDir" mapstructure:"rootDir"`
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("cluster.host", "")
	v.SetDefault("cluster.port", endpoint.DefaultPort)
	v.SetDefault("cluster.scheme", "http")
	v.SetDefault("cluster.cloudID", "")
	v.SetDefault("cluster.username", "elastic")
	v.SetDefault("cluster.password", "changeme")

	v.SetDefault("container.image", "docker.elastic.co/elasticsearch/elasticsearch")
	v.SetDefault("container.version", "8.14.3")
	v.SetDefault("container.teardown", string(TeardownNever))
	v.SetDefault("container.startupTimeout", 2*time.Minute)

	v.SetDefault("rest.port", 8080)

	v.SetDefault("staging.fixturesDir", "")
	v.SetDefault("staging.rootDir", "")

	v.SetEnvPrefix("CRAWLSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnvVars(v)

	return v
}

// bindLegacyEnvVars maps the historical test property names onto the new
// structure so existing CI configuration keeps working.
func bindLegacyEnvVars(v *viper.Viper) {
	v.BindEnv("cluster.host", "TESTS_CLUSTER_HOST")
	v.BindEnv("cluster.port", "TESTS_CLUSTER_PORT")
	v.BindEnv("cluster.scheme", "TESTS_CLUSTER_SCHEME")
	v.BindEnv("cluster.cloudID", "TESTS_CLUSTER_CLOUD_ID")
	v.BindEnv("cluster.username", "TESTS_CLUSTER_USER")
	v.BindEnv("cluster.password", "TESTS_CLUSTER_PASS")
	v.BindEnv("rest.port", "TESTS_REST_PORT")
}

// Load reads configuration from the given file path, or from defaults and
// the environment alone when the path is empty.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file does not exist: %s", configPath)
			}
			return nil, fmt.Errorf("failed to access config file: %w", err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration built from defaults and environment
// variables only.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Unmarshalling defaults cannot realistically fail; fall back to
		// the zero-cost hand-built equivalent.
		return &Config{
			Cluster: ClusterConfig{
				Port:     endpoint.DefaultPort,
				Scheme:   "http",
				Username: "elastic",
				Password: "changeme",
			},
			Container: ContainerConfig{
				Image:          "docker.elastic.co/elasticsearch/elasticsearch",
				Version:        "8.14.3",
				Teardown:       TeardownNever,
				StartupTimeout: 2 * time.Minute,
			},
			Rest: RestConfig{Port: 8080},
		}
	}
	return cfg
}

// Validate checks the configuration for values that would fail later in a
// harder-to-diagnose way.
func (c *Config) Validate() error {
	if c.Cluster.Port <= 0 || c.Cluster.Port > 65535 {
		return fmt.Errorf("%w: cluster port %d", endpoint.ErrConfiguration, c.Cluster.Port)
	}
	if _, err := endpoint.ParseScheme(c.Cluster.Scheme); err != nil {
		return err
	}
	if c.Rest.Port <= 0 || c.Rest.Port > 65535 {
		return fmt.Errorf("%w: rest port %d", endpoint.ErrConfiguration, c.Rest.Port)
	}
	if c.Container.Image == "" || c.Container.Version == "" {
		return fmt.Errorf("%w: container image and version must be set", endpoint.ErrConfiguration)
	}
	switch c.Container.Teardown {
	case TeardownNever, TeardownAlways, TeardownOnSuccess:
	default:
		return fmt.Errorf("%w: unknown teardown policy %q", endpoint.ErrConfiguration, c.Container.Teardown)
	}
	return nil
}

// Endpoint returns the resolver input derived from the cluster section.
func (c *Config) Endpoint() endpoint.Config {
	return endpoint.Config{
		CloudID:  c.Cluster.CloudID,
		Host:     c.Cluster.Host,
		Port:     c.Cluster.Port,
		Scheme:   c.Cluster.Scheme,
		Username: c.Cluster.Username,
		Password: c.Cluster.Password,
	}
}
