// Package config loads the per-environment connection settings that the
// reconciliation engine runs against.
//
// Settings are layered: a pgreconcile.yaml config file provides the base,
// a .env file (when present) and process environment variables override it.
// Environment variables follow the pattern <ENV>_<FIELD>, e.g.
// STAGING_DB_PASSWORD or PROD_API_TOKEN.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultExcludedSchemas are schemas managed by the platform itself. They are
// never introspected, diffed, or touched by generated plans. The list can be
// extended (not shrunk) via the config file.
var DefaultExcludedSchemas = []string{
	"auth",
	"cron",
	"extensions",
	"graphql",
	"graphql_public",
	"net",
	"pgbouncer",
	"pgsodium",
	"pgsodium_masks",
	"realtime",
	"storage",
	"supabase_functions",
	"supabase_migrations",
	"vault",
}

// Environment holds everything needed to reach one deployment's database.
type Environment struct {
	Name         string `mapstructure:"-" env:"-"`
	ProjectRef   string `mapstructure:"project_ref" env:"PROJECT_REF"`
	DBPassword   string `mapstructure:"db_password" env:"DB_PASSWORD"`
	Database     string `mapstructure:"database" env:"DATABASE"`
	PoolerRegion string `mapstructure:"pooler_region" env:"POOLER_REGION"`
	PoolerPort   int    `mapstructure:"pooler_port" env:"POOLER_PORT"`
	DirectHost   string `mapstructure:"direct_host" env:"DIRECT_HOST"`
	APIToken     string `mapstructure:"api_token" env:"API_TOKEN"`
}

// Validate reports the first missing required field.
func (e Environment) Validate() error {
	if e.ProjectRef == "" {
		return fmt.Errorf("environment %q: project_ref is required", e.Name)
	}
	if e.DBPassword == "" {
		return fmt.Errorf("environment %q: db_password is required (set %s_DB_PASSWORD)", e.Name, strings.ToUpper(e.Name))
	}
	if e.PoolerRegion == "" && e.DirectHost == "" {
		return fmt.Errorf("environment %q: one of pooler_region or direct_host is required", e.Name)
	}
	return nil
}

// Config is the full loaded configuration.
type Config struct {
	Environments    map[string]Environment `mapstructure:"environments"`
	ExcludedSchemas []string               `mapstructure:"excluded_schemas"`
	MigrationsDir   string                 `mapstructure:"migrations_dir"`
}

// Env returns the named environment or an error listing the ones that exist.
func (c *Config) Env(name string) (Environment, error) {
	e, ok := c.Environments[name]
	if !ok {
		names := make([]string, 0, len(c.Environments))
		for n := range c.Environments {
			names = append(names, n)
		}
		sort.Strings(names)
		return Environment{}, fmt.Errorf("unknown environment %q (configured: %s)", name, strings.Join(names, ", "))
	}
	return e, nil
}

// Load reads the config file (or the default search path when cfgFile is
// empty), applies .env and process environment overrides, and validates
// nothing; callers validate the environments they actually use.
func Load(cfgFile string) (*Config, error) {
	// Missing .env is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !strings.Contains(err.Error(), "no such file") {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("pgreconcile")
		v.SetConfigType("yaml")
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Environments == nil {
		cfg.Environments = map[string]Environment{}
	}
	for name, e := range cfg.Environments {
		e.Name = name
		if e.Database == "" {
			e.Database = "postgres"
		}
		if e.PoolerPort == 0 {
			e.PoolerPort = 6543
		}
		// Environment variables win over the config file, matching the
		// flag > env > file precedence of the CLI.
		if err := env.ParseWithOptions(&e, env.Options{Prefix: strings.ToUpper(name) + "_"}); err != nil {
			return nil, fmt.Errorf("failed to read environment overrides for %q: %w", name, err)
		}
		cfg.Environments[name] = e
	}

	cfg.ExcludedSchemas = mergeExcluded(cfg.ExcludedSchemas)
	return cfg, nil
}

// mergeExcluded unions the configured schema names with the defaults and
// returns them sorted, deduplicated.
func mergeExcluded(extra []string) []string {
	seen := make(map[string]bool, len(DefaultExcludedSchemas)+len(extra))
	merged := make([]string, 0, len(DefaultExcludedSchemas)+len(extra))
	for _, s := range append(append([]string{}, DefaultExcludedSchemas...), extra...) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		merged = append(merged, s)
	}
	sort.Strings(merged)
	return merged
}
