// Package config manages CLI configuration: built-in defaults, an optional
// TOML file, SAPCAST_* environment variables and bound command flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".sapcast"
	// ConfigFileName is the name of the config file, without extension
	ConfigFileName = "config"
	// ConfigFileType is the config file format
	ConfigFileType = "toml"
	// EnvPrefix prefixes every environment override (SAPCAST_SAP_PORT)
	EnvPrefix = "SAPCAST"
)

// Keys understood by Load
const (
	KeyVerbose = "verbose"

	KeySAPGroup     = "sap.group"
	KeySAPPort      = "sap.port"
	KeySAPInterface = "sap.interface"
	KeySAPTTL       = "sap.ttl"
	KeySAPMaxFrame  = "sap.max_frame"

	KeyAnnounceBurstCount   = "announce.burst_count"
	KeyAnnounceBurstSpacing = "announce.burst_spacing"
	KeyAnnounceInterval     = "announce.interval"

	KeyDirectoryOutputDir     = "directory.output_dir"
	KeyDirectoryExpireAfter   = "directory.expire_after"
	KeyDirectorySweepInterval = "directory.sweep_interval"
	KeyDirectoryReadTimeout   = "directory.read_timeout"
	KeyDirectoryIndexFile     = "directory.index_file"
	KeyDirectoryCleanupOnExit = "directory.cleanup_on_exit"
	KeyDirectoryMDNS          = "directory.mdns"

	KeyMetricsAddr = "metrics.addr"

	KeyPipelineCommand    = "pipeline.command"
	KeyPipelineRestartMin = "pipeline.restart_min"
	KeyPipelineRestartMax = "pipeline.restart_max"
	KeyPipelineGrace      = "pipeline.grace"
)

// Config holds the resolved configuration
type Config struct {
	// Verbose enables per-frame event lines
	Verbose   bool            `mapstructure:"verbose"`
	SAP       SAPConfig       `mapstructure:"sap"`
	Announce  AnnounceConfig  `mapstructure:"announce"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// SAPConfig is the announcement channel
type SAPConfig struct {
	Group     string `mapstructure:"group"`
	Port      int    `mapstructure:"port"`
	Interface string `mapstructure:"interface"`
	TTL       int    `mapstructure:"ttl"`
	MaxFrame  int    `mapstructure:"max_frame"`
}

// AnnounceConfig is the announcer schedule
type AnnounceConfig struct {
	BurstCount   int           `mapstructure:"burst_count"`
	BurstSpacing time.Duration `mapstructure:"burst_spacing"`
	Interval     time.Duration `mapstructure:"interval"`
}

// DirectoryConfig is the directory policy
type DirectoryConfig struct {
	OutputDir     string        `mapstructure:"output_dir"`
	ExpireAfter   time.Duration `mapstructure:"expire_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	IndexFile     string        `mapstructure:"index_file"`
	CleanupOnExit bool          `mapstructure:"cleanup_on_exit"`
	// MDNS republishes live sessions as DNS-SD services
	MDNS bool `mapstructure:"mdns"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PipelineConfig is the external media engine
type PipelineConfig struct {
	Command    string        `mapstructure:"command"`
	RestartMin time.Duration `mapstructure:"restart_min"`
	RestartMax time.Duration `mapstructure:"restart_max"`
	Grace      time.Duration `mapstructure:"grace"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.sapcast
	ConfigDir string
	// ConfigFile is ~/.sapcast/config.toml
	ConfigFile string
	// LogsDir is ~/.sapcast/logs
	LogsDir string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ConfigDirName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName+"."+ConfigFileType),
		LogsDir:    filepath.Join(configDir, "logs"),
	}, nil
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SetDefaults registers the built-in value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyVerbose, false)

	v.SetDefault(KeySAPGroup, "224.2.127.254")
	v.SetDefault(KeySAPPort, 9875)
	v.SetDefault(KeySAPInterface, "")
	v.SetDefault(KeySAPTTL, 1)
	v.SetDefault(KeySAPMaxFrame, 1024)

	v.SetDefault(KeyAnnounceBurstCount, 3)
	v.SetDefault(KeyAnnounceBurstSpacing, time.Second)
	v.SetDefault(KeyAnnounceInterval, 20*time.Second)

	v.SetDefault(KeyDirectoryOutputDir, ".")
	v.SetDefault(KeyDirectoryExpireAfter, 5*time.Minute)
	v.SetDefault(KeyDirectorySweepInterval, 30*time.Second)
	v.SetDefault(KeyDirectoryReadTimeout, time.Second)
	v.SetDefault(KeyDirectoryIndexFile, "sessions.toml")
	v.SetDefault(KeyDirectoryCleanupOnExit, false)
	v.SetDefault(KeyDirectoryMDNS, false)

	v.SetDefault(KeyMetricsAddr, "")

	v.SetDefault(KeyPipelineCommand, "gst-launch-1.0")
	v.SetDefault(KeyPipelineRestartMin, time.Second)
	v.SetDefault(KeyPipelineRestartMax, 30*time.Second)
	v.SetDefault(KeyPipelineGrace, 5*time.Second)
}

// Default returns a new Config with default values
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// Defaults are static; a decode failure is a programming error
		panic(err)
	}
	return cfg
}

// Prepare sets defaults and the file and environment sources on v.
// configFile overrides the search of ~/.sapcast/config.toml when set.
func Prepare(v *viper.Viper, configFile string) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType(ConfigFileType)
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.ConfigDir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file, if any, and returns the merged configuration.
// Flags must already be bound to v.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	if c.SAP.Port <= 0 || c.SAP.Port > 65535 {
		return fmt.Errorf("%s: invalid port %d", KeySAPPort, c.SAP.Port)
	}
	if c.SAP.TTL < 1 || c.SAP.TTL > 255 {
		return fmt.Errorf("%s: ttl %d out of range 1-255", KeySAPTTL, c.SAP.TTL)
	}
	if c.SAP.MaxFrame <= 0 {
		return fmt.Errorf("%s must be positive", KeySAPMaxFrame)
	}
	if c.Announce.Interval <= 0 {
		return fmt.Errorf("%s must be positive", KeyAnnounceInterval)
	}
	if c.Directory.ExpireAfter <= 0 {
		return fmt.Errorf("%s must be positive", KeyDirectoryExpireAfter)
	}
	if c.Directory.SweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyDirectorySweepInterval)
	}
	if c.Directory.ReadTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyDirectoryReadTimeout)
	}
	if c.Pipeline.RestartMax < c.Pipeline.RestartMin {
		return fmt.Errorf("%s is below %s", KeyPipelineRestartMax, KeyPipelineRestartMin)
	}
	return nil
}

// Dump renders the effective settings of v as TOML
func Dump(v *viper.Viper) ([]byte, error) {
	data, err := toml.Marshal(printable(v.AllSettings()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return data, nil
}

// printable turns durations into their string form so the dump reads
// back the same way it is written.
func printable(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case map[string]any:
			out[k] = printable(t)
		case time.Duration:
			out[k] = t.String()
		default:
			out[k] = val
		}
	}
	return out
}
