package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/bundlesyncd/internal/content"
	"github.com/schaermu/bundlesyncd/internal/version"
)

const appName = "bundlesyncd"

// Config represents the complete bundlesyncd configuration
type Config struct {
	Remote     RemoteConfig `yaml:"remote"`
	Channel    string       `yaml:"channel"`
	AppVersion string       `yaml:"app_version"`
	Paths      PathsConfig  `yaml:"paths"`
	Sync       SyncConfig   `yaml:"sync"`
	Serve      ServeConfig  `yaml:"serve"`
}

// RemoteConfig configures where bundles are resolved and downloaded from
type RemoteConfig struct {
	MetadataURL     string        `yaml:"metadata_url"`
	ArchiveURL      string        `yaml:"archive_url"`
	TokenFile       string        `yaml:"token_file"`
	UserAgent       string        `yaml:"user_agent"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxArchiveBytes int64         `yaml:"max_archive_bytes"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	TargetDir  string `yaml:"target_dir"`
	MarkerFile string `yaml:"marker_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Preserve           []string `yaml:"preserve"`
	ExpectedExtensions []string `yaml:"expected_extensions"`
	MaxExtractedBytes  int64    `yaml:"max_extracted_bytes"`
}

// ServeConfig configures the long-running webhook server
type ServeConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
	Interval                time.Duration `yaml:"interval"`
}

// DefaultPreserve lists the files kept across syncs when none are configured:
// the source-language table shipped with the application and its metadata.
var DefaultPreserve = []string{"en_US.lang", "en_US.lang.meta"}

// DefaultPath returns the config file location under the XDG config home
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultTargetDir returns the bundle directory under the XDG data home
func DefaultTargetDir() string {
	return filepath.Join(xdg.DataHome, appName, "bundle")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, completes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.MetadataURL = os.ExpandEnv(c.Remote.MetadataURL)
	c.Remote.ArchiveURL = os.ExpandEnv(c.Remote.ArchiveURL)
	c.Remote.TokenFile = os.ExpandEnv(c.Remote.TokenFile)
	c.Remote.UserAgent = os.ExpandEnv(c.Remote.UserAgent)
	c.Channel = os.ExpandEnv(c.Channel)
	c.AppVersion = os.ExpandEnv(c.AppVersion)
	c.Paths.TargetDir = os.ExpandEnv(c.Paths.TargetDir)
	c.Paths.MarkerFile = os.ExpandEnv(c.Paths.MarkerFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Channel == "" && c.AppVersion != "" {
		if ch, err := ChannelFromVersion(c.AppVersion); err == nil {
			c.Channel = ch
		}
	}
	if c.Paths.TargetDir == "" {
		c.Paths.TargetDir = DefaultTargetDir()
	}
	if c.Paths.MarkerFile == "" {
		c.Paths.MarkerFile = version.DefaultFileName
	}
	if c.Sync.Preserve == nil {
		c.Sync.Preserve = append([]string(nil), DefaultPreserve...)
	}
	if len(c.Sync.ExpectedExtensions) == 0 {
		c.Sync.ExpectedExtensions = append([]string(nil), content.DefaultExtensions...)
	}
	if c.Serve.Enabled && len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validateURL("remote.metadata_url", c.Remote.MetadataURL); err != nil {
		return err
	}
	if err := validateURL("remote.archive_url", c.Remote.ArchiveURL); err != nil {
		return err
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Remote.MaxArchiveBytes < 0 {
		return fmt.Errorf("remote.max_archive_bytes must not be negative")
	}

	if c.Channel == "" {
		if c.AppVersion == "" {
			return fmt.Errorf("channel or app_version is required")
		}
		if _, err := ChannelFromVersion(c.AppVersion); err != nil {
			return fmt.Errorf("app_version: %w", err)
		}
	}
	if strings.ContainsAny(c.Channel, "/\\") || strings.TrimSpace(c.Channel) != c.Channel ||
		c.Channel == "." || c.Channel == ".." {
		return fmt.Errorf("invalid channel: %q", c.Channel)
	}

	if !filepath.IsAbs(c.Paths.TargetDir) {
		return fmt.Errorf("paths.target_dir must be an absolute path: %s", c.Paths.TargetDir)
	}
	if !isBareName(c.Paths.MarkerFile) {
		return fmt.Errorf("paths.marker_file must be a bare file name: %s", c.Paths.MarkerFile)
	}

	for _, name := range c.Sync.Preserve {
		if !isBareName(name) {
			return fmt.Errorf("sync.preserve entries must be bare file names: %s", name)
		}
		if name == c.Paths.MarkerFile {
			return fmt.Errorf("sync.preserve must not contain the marker file %s", name)
		}
	}
	if c.Sync.MaxExtractedBytes < 0 {
		return fmt.Errorf("sync.max_extracted_bytes must not be negative")
	}
	for _, ext := range c.Sync.ExpectedExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("sync.expected_extensions entries must start with a dot: %s", ext)
		}
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
		if c.Serve.Interval < 0 {
			return fmt.Errorf("serve.interval must not be negative")
		}
	}

	return nil
}

// ChannelFromVersion derives the release channel from an application version:
// the bundle line is named after major.minor, so 0.2.1 maps to "0.2".
func ChannelFromVersion(v string) (string, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return "", fmt.Errorf("invalid application version %q: %w", v, err)
	}
	return fmt.Sprintf("%d.%d", parsed.Major(), parsed.Minor()), nil
}

// Token returns the API token read from remote.token_file, or "" when unset
func (c *Config) Token() (string, error) {
	if c.Remote.TokenFile == "" {
		return "", nil
	}
	return ReadSecretFile(c.Remote.TokenFile)
}

// ReadSecretFile returns the trimmed contents of a secret file
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// ChannelRef returns the git ref a push to the channel's branch carries
func (c *Config) ChannelRef() string {
	return "refs/heads/" + c.Channel
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL: %s", field, raw)
	}
	return nil
}

func isBareName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name && !strings.ContainsAny(name, "/\\")
}
