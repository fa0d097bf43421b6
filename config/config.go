package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gaugewatch/device"
	"gaugewatch/record"
)

// Config holds every configurable value of the poller.
type Config struct {
	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error

	// Persistence
	DataDir        string `mapstructure:"data_dir"`        // raw and cleaned records
	CheckpointPath string `mapstructure:"checkpoint_path"` // JSON checkpoint file
	JournalPath    string `mapstructure:"journal_path"`    // SQLite run journal, empty disables it
	PlotPath       string `mapstructure:"plot_path"`       // rendered chart, empty disables it

	// Timezone of the remote service's wall clock, e.g. "Asia/Shanghai".
	Timezone string `mapstructure:"timezone"`

	// Schedule is a cron spec ("@every 1h", "0 */2 * * *"). Empty runs once.
	Schedule string `mapstructure:"schedule"`

	Fetch   FetchConfig   `mapstructure:"fetch"`
	Source  SourceConfig  `mapstructure:"source"`
	Publish PublishConfig `mapstructure:"publish"`

	// DefaultStart is the restart instant of sensors without their own.
	DefaultStart string `mapstructure:"default_start"`

	// Sites maps a location to its ordered sensor groups; each group maps a
	// device type to one sensor.
	Sites map[string][]map[string]SensorConfig `mapstructure:"sites"`
}

type FetchConfig struct {
	Margin time.Duration `mapstructure:"margin"`
}

type SourceConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	LoginPath     string        `mapstructure:"login_path"`
	QueryPath     string        `mapstructure:"query_path"`
	Account       string        `mapstructure:"account"`
	Password      string        `mapstructure:"password"`
	CompanyUserID string        `mapstructure:"company_user_id"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PublishConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"` // host:port of the SSH server
	User       string `mapstructure:"user"`
	KeyPath    string `mapstructure:"key_path"`
	KnownHosts string `mapstructure:"known_hosts"` // empty skips host key checks
	RemoteDir  string `mapstructure:"remote_dir"`
}

type SensorConfig struct {
	ID          string             `mapstructure:"id"`
	Start       string             `mapstructure:"start"`
	Calibration *CalibrationConfig `mapstructure:"calibration"`
}

type CalibrationConfig struct {
	Slope     float64 `mapstructure:"slope"`
	Intercept float64 `mapstructure:"intercept"`
}

// Load reads configuration from (in decreasing priority):
//  1. environment variables prefixed GAUGEWATCH_ (e.g. GAUGEWATCH_SOURCE_PASSWORD)
//  2. the yaml file at path, or ./configs/config.yaml if path is empty and it exists
//  3. built-in defaults
//
// A configured sites tree replaces the built-in device catalog as a whole.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("gaugewatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if !v.IsSet("sites") {
		v.Set("sites", defaultSites())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields every run depends on.
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint_path must not be empty")
	}
	if c.Fetch.Margin < 0 {
		return fmt.Errorf("fetch.margin must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Publish.Enabled {
		if c.Publish.Addr == "" || c.Publish.User == "" || c.Publish.KeyPath == "" {
			return fmt.Errorf("publish.addr, publish.user and publish.key_path are required when publishing")
		}
	}
	catalog, err := c.Catalog()
	if err != nil {
		return err
	}
	if len(catalog) == 0 {
		return fmt.Errorf("sites: no sensors configured")
	}
	return nil
}

// Location resolves Timezone; empty means the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Catalog flattens Sites into the ordered device list: locations sorted by
// name, groups in configured order, types in device.Types order.
func (c *Config) Catalog() (device.Catalog, error) {
	var defaultStart time.Time
	if c.DefaultStart != "" {
		ts, err := record.ParseTime(c.DefaultStart)
		if err != nil {
			return nil, fmt.Errorf("default_start: %w", err)
		}
		defaultStart = ts
	}

	locations := make([]string, 0, len(c.Sites))
	for loc := range c.Sites {
		locations = append(locations, loc)
	}
	sort.Strings(locations)

	var catalog device.Catalog
	for _, loc := range locations {
		for i, group := range c.Sites[loc] {
			for typ := range group {
				if !device.Type(typ).Valid() {
					return nil, fmt.Errorf("sites.%s[%d]: unknown device type %q", loc, i, typ)
				}
			}
			for _, typ := range device.Types {
				sensor, ok := group[string(typ)]
				if !ok {
					continue
				}
				d := device.Device{
					Location: device.Location(loc),
					Position: i + 1,
					Type:     typ,
					ID:       sensor.ID,
					Start:    defaultStart,
				}
				if sensor.Start != "" {
					ts, err := record.ParseTime(sensor.Start)
					if err != nil {
						return nil, fmt.Errorf("sites.%s[%d].%s.start: %w", loc, i, typ, err)
					}
					d.Start = ts
				}
				if cal := sensor.Calibration; cal != nil {
					d.Calibration = device.Linear(cal.Slope, cal.Intercept)
				}
				catalog = append(catalog, d)
			}
		}
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}
