// Package config loads the proxy configuration from a YAML file, a .env file
// and SAVEWISE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	offline "github.com/savewise/offline-dispatcher"
	"gopkg.in/yaml.v3"
)

// MemoryDB selects in-memory stores instead of a SQLite file.
const MemoryDB = "memory"

type Config struct {
	// Origin is the URL of the SaveWise backend.
	Origin string `yaml:"origin"`
	// Host overrides the Host header and TLS server name sent to the origin.
	Host          string        `yaml:"host"`
	OriginTimeout time.Duration `yaml:"originTimeout"`

	Port string `yaml:"port"`
	DB   string `yaml:"db"`

	Generation       string   `yaml:"generation"`
	Manifest         []string `yaml:"manifest"`
	APIPrefix        string   `yaml:"apiPrefix"`
	Cacheable        []string `yaml:"cacheable"`
	SyncTag          string   `yaml:"syncTag"`
	TransactionsPath string   `yaml:"transactionsPath"`

	// ControlToken must be sent in the X-Offline-Token header to use the
	// lifecycle and trigger endpoints. They are disabled when empty.
	ControlToken string `yaml:"controlToken"`
	// control API rate limit, requests per second
	ControlRate  float64 `yaml:"controlRate"`
	ControlBurst int     `yaml:"controlBurst"`

	AMQP AMQPConfig `yaml:"amqp"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	// EventsQueue receives sync, push and notification click triggers.
	EventsQueue string `yaml:"eventsQueue"`
	// NotificationsKey is the routing key notification events are published with.
	NotificationsKey string `yaml:"notificationsKey"`
}

func Default() Config {
	return Config{
		OriginTimeout:    30 * time.Second,
		Port:             "8080",
		DB:               "savewise-offline.db",
		Generation:       offline.DefaultGeneration,
		Manifest:         append([]string(nil), offline.DefaultManifest...),
		APIPrefix:        offline.DefaultAPIPrefix,
		Cacheable:        append([]string(nil), offline.DefaultCacheable...),
		SyncTag:          offline.DefaultSyncTag,
		TransactionsPath: offline.DefaultTransactionsPath,
		ControlRate:      5,
		ControlBurst:     10,
		AMQP: AMQPConfig{
			Exchange:         "savewise",
			EventsQueue:      "savewise_offline_events",
			NotificationsKey: "savewise_notifications",
		},
	}
}

// Load returns the defaults overridden by the YAML file at filename (if not
// empty) and then by the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	config.applyEnv()
	return config, nil
}

// LoadDotEnv adds the variables of the given .env files (".env" if none) to
// the environment. Variables already set are kept; missing files are ignored.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, filename := range filenames {
		if err := godotenv.Load(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", filename, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Origin = getEnv("SAVEWISE_ORIGIN", c.Origin)
	c.Host = getEnv("SAVEWISE_HOST", c.Host)
	c.OriginTimeout = getEnvDuration("SAVEWISE_ORIGIN_TIMEOUT", c.OriginTimeout)
	c.Port = getEnv("SAVEWISE_PORT", c.Port)
	c.DB = getEnv("SAVEWISE_DB", c.DB)
	c.Generation = getEnv("SAVEWISE_GENERATION", c.Generation)
	c.APIPrefix = getEnv("SAVEWISE_API_PREFIX", c.APIPrefix)
	c.SyncTag = getEnv("SAVEWISE_SYNC_TAG", c.SyncTag)
	c.TransactionsPath = getEnv("SAVEWISE_TRANSACTIONS_PATH", c.TransactionsPath)
	if manifest := os.Getenv("SAVEWISE_MANIFEST"); manifest != "" {
		c.Manifest = splitList(manifest)
	}
	if cacheable := os.Getenv("SAVEWISE_CACHEABLE"); cacheable != "" {
		c.Cacheable = splitList(cacheable)
	}
	c.ControlToken = getEnv("SAVEWISE_CONTROL_TOKEN", c.ControlToken)
	c.ControlRate = getEnvFloat("SAVEWISE_CONTROL_RATE", c.ControlRate)
	c.ControlBurst = getEnvInt("SAVEWISE_CONTROL_BURST", c.ControlBurst)
	c.AMQP.URL = getEnv("SAVEWISE_AMQP_URL", c.AMQP.URL)
	c.AMQP.Exchange = getEnv("SAVEWISE_AMQP_EXCHANGE", c.AMQP.Exchange)
	c.AMQP.EventsQueue = getEnv("SAVEWISE_AMQP_EVENTS_QUEUE", c.AMQP.EventsQueue)
	c.AMQP.NotificationsKey = getEnv("SAVEWISE_AMQP_NOTIFICATIONS_KEY", c.AMQP.NotificationsKey)
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errors []string

	if c.Origin == "" {
		errors = append(errors, "origin is required")
	} else if u, err := url.Parse(c.Origin); err != nil {
		errors = append(errors, fmt.Sprintf("invalid origin '%s': %v", c.Origin, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid origin scheme '%s': must be 'http' or 'https'", u.Scheme))
	}

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.DB == "" {
		errors = append(errors, fmt.Sprintf("db cannot be empty, use '%s' for in-memory stores", MemoryDB))
	}

	if c.Generation == "" || strings.ContainsAny(c.Generation, " \t\n/") {
		errors = append(errors, fmt.Sprintf("invalid generation '%s': must be a non-empty name without spaces or slashes", c.Generation))
	}

	if len(c.Manifest) == 0 {
		errors = append(errors, "manifest cannot be empty")
	}
	for _, path := range c.Manifest {
		if !strings.HasPrefix(path, "/") {
			errors = append(errors, fmt.Sprintf("invalid manifest path '%s': must start with '/'", path))
		}
	}

	if !strings.HasPrefix(c.APIPrefix, "/") {
		errors = append(errors, fmt.Sprintf("invalid API prefix '%s': must start with '/'", c.APIPrefix))
	}
	for _, pattern := range c.Cacheable {
		if _, err := regexp.Compile(pattern); err != nil {
			errors = append(errors, fmt.Sprintf("invalid cacheable pattern '%s': %v", pattern, err))
		}
	}
	if !strings.HasPrefix(c.TransactionsPath, "/") {
		errors = append(errors, fmt.Sprintf("invalid transactions path '%s': must start with '/'", c.TransactionsPath))
	}

	if c.OriginTimeout < 0 {
		errors = append(errors, fmt.Sprintf("invalid origin timeout %v: must not be negative", c.OriginTimeout))
	}
	if c.ControlRate < 0 {
		errors = append(errors, fmt.Sprintf("invalid control rate %v: must not be negative", c.ControlRate))
	}
	if c.ControlRate > 0 && c.ControlBurst < 1 {
		errors = append(errors, fmt.Sprintf("invalid control burst %d: must be at least 1", c.ControlBurst))
	}

	if c.AMQP.URL != "" {
		if u, err := url.Parse(c.AMQP.URL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQP.URL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQP.Exchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQP.EventsQueue == "" {
			errors = append(errors, "AMQP events queue cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// OriginURL returns the parsed origin. Call Validate first.
func (c *Config) OriginURL() url.URL {
	u, _ := url.Parse(c.Origin)
	if u == nil {
		return url.URL{}
	}
	return *u
}

// CacheablePatterns returns the compiled allow-list.
func (c *Config) CacheablePatterns() ([]*regexp.Regexp, error) {
	return offline.CompilePatterns(c.Cacheable)
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
