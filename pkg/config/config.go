package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/curious-containers/agency/pkg/types"
)

// Config is the complete agency configuration file.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Controller ControllerConfig `yaml:"controller"`
	Trustee    TrusteeConfig    `yaml:"trustee"`
	Database   DatabaseConfig   `yaml:"database"`
}

// BrokerConfig describes the external HTTP broker the controller
// collaborates with.
type BrokerConfig struct {
	ExternalURL string            `yaml:"external_url"`
	Auth        *BrokerAuthConfig `yaml:"auth,omitempty"`
}

// BrokerAuthConfig tunes the broker's login throttling and token lifetime.
// The controller does not read these; they are validated here so broker and
// controller can share one file.
type BrokerAuthConfig struct {
	NumLoginAttempts      int `yaml:"num_login_attempts"`
	BlockForSeconds       int `yaml:"block_for_seconds"`
	TokensValidForSeconds int `yaml:"tokens_valid_for_seconds"`
}

// HookAuth is optional basic auth for a notification hook.
type HookAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NotificationHook is one webhook receiving terminal batch notifications.
type NotificationHook struct {
	URL  string    `yaml:"url"`
	Auth *HookAuth `yaml:"auth,omitempty"`
}

// ControllerConfig configures the controller process.
type ControllerConfig struct {
	BindSocketPath    string             `yaml:"bind_socket_path"`
	NotificationHooks []NotificationHook `yaml:"notification_hooks,omitempty"`
	MetricsAddr       string             `yaml:"metrics_addr,omitempty"`
	Docker            DockerConfig       `yaml:"docker"`
}

// CoreImageConfig names the image used for node inspection one-shots.
type CoreImageConfig struct {
	URL         string              `yaml:"url"`
	Auth        *types.RegistryAuth `yaml:"auth,omitempty"`
	DisablePull bool                `yaml:"disable_pull,omitempty"`
}

// TLSConfig holds certificate file paths for a TLS-enabled engine endpoint.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// HardwareConfig declares devices physically present on a node.
type HardwareConfig struct {
	GPUs []types.GPU `yaml:"gpus,omitempty"`
}

// NodeConfig describes one container host.
type NodeConfig struct {
	BaseURL     string            `yaml:"base_url"`
	TLS         *TLSConfig        `yaml:"tls,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Network     string            `yaml:"network,omitempty"`
	Hardware    *HardwareConfig   `yaml:"hardware,omitempty"`
}

// DockerConfig configures the host drivers.
type DockerConfig struct {
	AllowInsecureCapabilities bool                  `yaml:"allow_insecure_capabilities"`
	CoreImage                 CoreImageConfig       `yaml:"core_image"`
	Nodes                     map[string]NodeConfig `yaml:"nodes"`
}

// TrusteeConfig configures the secret store endpoint.
type TrusteeConfig struct {
	BindSocketPath string `yaml:"bind_socket_path"`
}

// DatabaseConfig locates the embedded document store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	path = expandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Controller.BindSocketPath = expandHome(cfg.Controller.BindSocketPath)
	cfg.Trustee.BindSocketPath = expandHome(cfg.Trustee.BindSocketPath)
	cfg.Database.Path = expandHome(cfg.Database.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for missing or invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.ExternalURL == "" {
		errs = append(errs, errors.New("broker.external_url is required"))
	}
	if c.Controller.BindSocketPath == "" {
		errs = append(errs, errors.New("controller.bind_socket_path is required"))
	}
	if c.Trustee.BindSocketPath == "" {
		errs = append(errs, errors.New("trustee.bind_socket_path is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if len(c.Controller.Docker.Nodes) == 0 {
		errs = append(errs, errors.New("controller.docker.nodes must name at least one node"))
	}
	for name, node := range c.Controller.Docker.Nodes {
		if node.BaseURL == "" {
			errs = append(errs, fmt.Errorf("controller.docker.nodes.%s.base_url is required", name))
		}
		if node.TLS != nil && (node.TLS.CACert == "" || node.TLS.Cert == "" || node.TLS.Key == "") {
			errs = append(errs, fmt.Errorf("controller.docker.nodes.%s.tls needs ca_cert, cert and key", name))
		}
		if node.Hardware != nil {
			seen := map[int]bool{}
			for _, gpu := range node.Hardware.GPUs {
				if seen[gpu.ID] {
					errs = append(errs, fmt.Errorf("controller.docker.nodes.%s: duplicate gpu id %d", name, gpu.ID))
				}
				seen[gpu.ID] = true
			}
		}
	}
	for i, hook := range c.Controller.NotificationHooks {
		if hook.URL == "" {
			errs = append(errs, fmt.Errorf("controller.notification_hooks[%d].url is required", i))
		}
	}
	if c.Controller.Docker.CoreImage.URL == "" {
		errs = append(errs, errors.New("controller.docker.core_image.url is required"))
	}
	return errors.Join(errs...)
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
