// Package config loads the configuration of an mpcnet node.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "MPCNET"

type PartyConfig struct {
	Address string `mapstructure:"address"`
	Cert    string `mapstructure:"cert"`
}

type Config struct {
	// Index of this node in Parties.
	Index int `mapstructure:"index"`
	// Parallel is the number of job sessions multiplexed over the links.
	Parallel int `mapstructure:"parallel"`
	// Rounds is the number of demo protocol runs per job session.
	Rounds         int           `mapstructure:"rounds"`
	CaFile         string        `mapstructure:"caFile"`
	CertFile       string        `mapstructure:"certFile"`
	KeyFile        string        `mapstructure:"keyFile"`
	MetricsAddress string        `mapstructure:"metricsAddress"`
	LogLevel       string        `mapstructure:"logLevel"`
	Parties        []PartyConfig `mapstructure:"parties"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index", 0)
	v.SetDefault("parallel", 1)
	v.SetDefault("rounds", 1)
	v.SetDefault("metricsAddress", "")
	v.SetDefault("logLevel", zerolog.LevelInfoValue)
}

// Load reads the YAML file at path. Scalar settings can be overridden through
// the environment, e.g. MPCNET_PARALLEL=8 or MPCNET_METRICSADDRESS=:9100.
// Relative file names in the result are resolved against the directory of
// path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode %s: %w", path, err)
	}
	config.resolvePaths(filepath.Dir(path))
	return &config, nil
}

func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.CaFile = resolve(c.CaFile)
	c.CertFile = resolve(c.CertFile)
	c.KeyFile = resolve(c.KeyFile)
	for i := range c.Parties {
		c.Parties[i].Cert = resolve(c.Parties[i].Cert)
	}
}

// Validate checks the settings that do not need file system access.
func (c *Config) Validate() error {
	if len(c.Parties) < 2 {
		return fmt.Errorf("at least 2 parties are required, got %d", len(c.Parties))
	}
	if c.Index < 0 || c.Index >= len(c.Parties) {
		return fmt.Errorf("index %d out of range [0, %d)", c.Index, len(c.Parties))
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", c.Parallel)
	}
	if c.Rounds < 1 {
		return fmt.Errorf("rounds must be at least 1, got %d", c.Rounds)
	}
	if c.CaFile == "" || c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("caFile, certFile and keyFile are required")
	}
	for i, p := range c.Parties {
		if p.Address == "" {
			return fmt.Errorf("party %d has no address", i)
		}
		if p.Cert == "" {
			return fmt.Errorf("party %d has no certificate", i)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}
