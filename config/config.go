package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full, immutable configuration for the edge cache. It is
// built once at startup and passed into constructors; nothing reads it
// through package globals.
//
// Sources, in order of precedence: OMC_* environment variables, the YAML
// config file, built-in defaults.
type Config struct {
	// Listen is the address the proxy binds to.
	Listen string `mapstructure:"listen"`

	// Origin is the upstream base URL the map application is served from.
	Origin string `mapstructure:"origin"`

	// DevMode adds aggressive cache-busting headers to every response so
	// browsers never hold on to stale assets during development.
	DevMode bool `mapstructure:"dev_mode"`

	// FetchTimeout bounds each upstream fetch. Zero means no timeout,
	// matching the original behavior of the map application.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	LogLevel string `mapstructure:"log_level"`

	Cache   CacheConfig   `mapstructure:"cache"`
	Assets  AssetsConfig  `mapstructure:"assets"`
	Preload PreloadConfig `mapstructure:"preload"`
	Weather WeatherConfig `mapstructure:"weather"`
}

type CacheConfig struct {
	// Backend selects the cache store: "bigcache" or "memcached".
	Backend string `mapstructure:"backend"`

	// AppName and Version qualify the cache namespaces. Bumping Version
	// invalidates every prior partition on the next activation.
	AppName string `mapstructure:"app_name"`
	Version string `mapstructure:"version"`

	// MaxSizeMB caps each bigcache namespace.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// TTL is the entry lifetime. bigcache uses it as the life window,
	// memcached as the item expiration.
	TTL time.Duration `mapstructure:"ttl"`

	MemcachedAddrs []string `mapstructure:"memcached_addrs"`
}

type AssetsConfig struct {
	// Static is the fixed manifest of core assets warmed at install time
	// and served cache-first.
	Static []string `mapstructure:"static"`

	// DataDir is the path prefix under which map datasets live.
	DataDir string `mapstructure:"data_dir"`

	// Data lists every known dataset file, warmed at install time and
	// served stale-while-revalidate. Listing here is authoritative over
	// extension heuristics.
	Data []string `mapstructure:"data"`

	// AllowedExternal lists URL prefixes of foreign-origin resources the
	// proxy is allowed to fetch (tile servers, CDN-hosted libraries).
	// Everything else off-origin passes through untouched.
	AllowedExternal []string `mapstructure:"allowed_external"`
}

type PreloadConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Delay is the fixed pause between consecutive categories.
	Delay time.Duration `mapstructure:"delay"`

	Categories []Category `mapstructure:"categories"`
}

// Category is one named unit of startup data loading. Categories run in
// list order, one at a time.
type Category struct {
	Name  string   `mapstructure:"name"`
	Paths []string `mapstructure:"paths"`
}

type WeatherConfig struct {
	// Provider selects the forecast source: "mock" or "open-meteo".
	Provider string `mapstructure:"provider"`

	// TTL is how long a forecast stays fresh.
	TTL time.Duration `mapstructure:"ttl"`
}

// StaticNamespace returns the version-qualified partition for static assets.
func (c CacheConfig) StaticNamespace() string {
	return fmt.Sprintf("%s-static-v%s", c.AppName, c.Version)
}

// RuntimeNamespace returns the version-qualified partition for map data and
// other runtime responses.
func (c CacheConfig) RuntimeNamespace() string {
	return fmt.Sprintf("%s-runtime-v%s", c.AppName, c.Version)
}

// Recognized lists the namespaces the current version owns. Activation
// deletes everything else.
func (c CacheConfig) Recognized() []string {
	return []string{c.StaticNamespace(), c.RuntimeNamespace()}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8000")
	v.SetDefault("origin", "http://localhost:8080")
	v.SetDefault("dev_mode", false)
	v.SetDefault("fetch_timeout", 0)
	v.SetDefault("log_level", "info")

	v.SetDefault("cache.backend", "bigcache")
	v.SetDefault("cache.app_name", "vicmap")
	v.SetDefault("cache.version", "1")
	v.SetDefault("cache.max_size_mb", 256)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.memcached_addrs", []string{"localhost:11211"})

	v.SetDefault("assets.static", []string{
		"/",
		"/index.html",
		"/styles.css",
		"/app.js",
		"/manifest.json",
	})
	v.SetDefault("assets.data_dir", "/data/")
	v.SetDefault("assets.data", []string{
		"/data/lga-boundaries.geojson",
		"/data/cfa-stations.geojson",
		"/data/cfa-boundaries.geojson",
		"/data/frv-boundaries.geojson",
		"/data/police-stations.geojson",
		"/data/ses-units.geojson",
		"/data/ambulance-stations.geojson",
	})
	v.SetDefault("assets.allowed_external", []string{
		"https://unpkg.com/leaflet@",
		"https://tile.openstreetmap.org/",
	})

	v.SetDefault("preload.enabled", true)
	v.SetDefault("preload.delay", 150*time.Millisecond)

	v.SetDefault("weather.provider", "mock")
	v.SetDefault("weather.ttl", 5*time.Minute)
}

func defaultCategories() []Category {
	return []Category{
		{Name: "LGA boundaries", Paths: []string{"/data/lga-boundaries.geojson"}},
		{Name: "CFA fire stations", Paths: []string{"/data/cfa-stations.geojson", "/data/cfa-boundaries.geojson"}},
		{Name: "FRV boundaries", Paths: []string{"/data/frv-boundaries.geojson"}},
		{Name: "Police stations", Paths: []string{"/data/police-stations.geojson"}},
		{Name: "SES units", Paths: []string{"/data/ses-units.geojson"}},
		{Name: "Ambulance stations", Paths: []string{"/data/ambulance-stations.geojson"}},
	}
}

// Load reads the configuration from the given file path. An empty path loads
// defaults and environment variables only; a missing file at an explicit
// path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OMC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Preload.Categories) == 0 {
		cfg.Preload.Categories = defaultCategories()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "bigcache":
	case "memcached":
		if len(c.Cache.MemcachedAddrs) == 0 {
			return fmt.Errorf("cache backend memcached requires at least one address")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	switch c.Weather.Provider {
	case "mock", "open-meteo":
	default:
		return fmt.Errorf("unknown weather provider %q", c.Weather.Provider)
	}

	if c.Cache.AppName == "" || c.Cache.Version == "" {
		return fmt.Errorf("cache app_name and version must be set")
	}
	if c.Origin == "" {
		return fmt.Errorf("origin must be set")
	}
	return nil
}
