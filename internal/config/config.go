package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the kb-sync configuration. Values come from an optional
// YAML file, then from the environment; a non-empty environment value
// wins over the file.
type Config struct {
	// Path of the YAML config file. A missing file is not an error.
	ConfigFile string `env:"KBSYNC_CONFIG" envDefault:"config.yaml"`

	// Knowledge base backend
	APIKey          string        `env:"DIFY_API_KEY"`
	BaseURL         string        `env:"DIFY_BASE_URL"`
	MetadataFieldID string        `env:"DIFY_METADATA_FIELD_ID"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Sync state location: a bbolt file path or a sqlite://, postgres://
	// or mysql:// DSN. When empty, the file's mysql_config is used if it
	// names a host, otherwise ~/.kb-sync/state.db.
	StateDSN string `env:"STATE_DSN"`

	// LockFile guards against two daemons syncing the same state. Empty
	// selects ~/.kb-sync/kb-sync.lock.
	LockFile string `env:"LOCK_FILE"`

	// Scanning. SCAN_PATHS replaces the file's scan_paths entirely.
	ScanPaths    []string      `env:"SCAN_PATHS" envSeparator:","`
	ScanInterval time.Duration `env:"SCAN_INTERVAL"`
	Watch        bool          `env:"WATCH" envDefault:"false"`
	HashWorkers  int           `env:"HASH_WORKERS" envDefault:"4"`
	SyncWorkers  int           `env:"SYNC_WORKERS" envDefault:"4"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogDir      string `env:"LOG_DIR"`

	// FILE_TYPES replaces the file's file_types entirely.
	FileTypes []string `env:"FILE_TYPES" envSeparator:","`

	// File-only settings.
	Blacklist      []string
	IgnorePatterns []string

	// KnowledgeBases maps a scan root to the id of the knowledge base its
	// files are synced into.
	KnowledgeBases map[string]string
}

// fileConfig mirrors the YAML layout.
type fileConfig struct {
	ScanConfig struct {
		ScanPaths      []string `yaml:"scan_paths"`
		ScanInterval   interval `yaml:"scan_interval"`
		FileTypes      []string `yaml:"file_types"`
		Blacklist      []string `yaml:"blacklist"`
		IgnorePatterns []string `yaml:"ignore_patterns"`
	} `yaml:"scan_config"`

	DifyConfig struct {
		APIKey               string            `yaml:"api_key"`
		BaseURL              string            `yaml:"base_url"`
		MetadataFieldID      string            `yaml:"metadata_field_id"`
		KnowledgeBaseMapping map[string]string `yaml:"knowledge_base_mapping"`
	} `yaml:"dify_config"`

	LogConfig struct {
		LogDir   string `yaml:"log_dir"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"log_config"`

	MySQLConfig mysqlConfig `yaml:"mysql_config"`
}

type mysqlConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// dsn returns the mysql:// URL for the section, or "" when no host is
// set.
func (m mysqlConfig) dsn() string {
	if m.Host == "" {
		return ""
	}

	port := m.Port
	if port == 0 {
		port = defaultMySQLPort
	}

	u := url.URL{
		Scheme: "mysql",
		Host:   net.JoinHostPort(m.Host, strconv.Itoa(port)),
		Path:   "/" + m.Database,
	}

	if m.Username != "" {
		u.User = url.UserPassword(m.Username, m.Password)
	}

	return u.String()
}

const defaultMySQLPort = 3306

// interval is a scan interval in YAML: a duration string such as "30m",
// or a whole number of hours.
type interval time.Duration

func (i *interval) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!null" {
		return nil
	}

	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("scan_interval: %w", err)
	}

	d, err := ParseInterval(raw)
	if err != nil {
		return fmt.Errorf("scan_interval: %w", err)
	}

	*i = interval(d)

	return nil
}

// ParseInterval parses a scan interval: a Go duration such as "30m", or
// a whole number of hours.
func ParseInterval(s string) (time.Duration, error) {
	if hours, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(hours) * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: want a duration such as \"30m\" or a whole number of hours", s)
	}

	return d, nil
}

// warnInsecureFile checks whether a file holding credentials (if present)
// is readable by group or others.
func warnInsecureFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: %s has insecure permissions %04o; recommended 0600", path, mode)
	}
}

// Load reads and validates the configuration. It first attempts to load
// a .env file if present.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Read loads the configuration without validating it. Commands that need
// only part of it, such as a local scan, use Read directly.
func Read() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureFile(".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	fc, err := readFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	if fc != nil {
		warnInsecureFile(cfg.ConfigFile)
		cfg.merge(fc)
	}

	if err := cfg.absolutize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	fc := &fileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return fc, nil
}

// merge fills every field the environment left unset from the file.
func (c *Config) merge(fc *fileConfig) {
	if len(c.ScanPaths) == 0 {
		c.ScanPaths = fc.ScanConfig.ScanPaths
	}

	if c.ScanInterval == 0 {
		c.ScanInterval = time.Duration(fc.ScanConfig.ScanInterval)
	}

	if len(c.FileTypes) == 0 {
		c.FileTypes = fc.ScanConfig.FileTypes
	}

	c.Blacklist = fc.ScanConfig.Blacklist
	c.IgnorePatterns = fc.ScanConfig.IgnorePatterns
	c.KnowledgeBases = fc.DifyConfig.KnowledgeBaseMapping

	setIfEmpty(&c.APIKey, fc.DifyConfig.APIKey)
	setIfEmpty(&c.BaseURL, fc.DifyConfig.BaseURL)
	setIfEmpty(&c.MetadataFieldID, fc.DifyConfig.MetadataFieldID)
	setIfEmpty(&c.LogDir, fc.LogConfig.LogDir)
	setIfEmpty(&c.LogLevel, fc.LogConfig.LogLevel)
	setIfEmpty(&c.StateDSN, fc.MySQLConfig.dsn())
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// absolutize resolves every configured path against the working
// directory.
func (c *Config) absolutize() error {
	for i, p := range c.ScanPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving scan path %s: %w", p, err)
		}

		c.ScanPaths[i] = abs
	}

	for i, p := range c.Blacklist {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving blacklist entry %s: %w", p, err)
		}

		c.Blacklist[i] = abs
	}

	if len(c.KnowledgeBases) > 0 {
		mapping := make(map[string]string, len(c.KnowledgeBases))

		for root, kbID := range c.KnowledgeBases {
			abs, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("resolving mapped root %s: %w", root, err)
			}

			mapping[abs] = kbID
		}

		c.KnowledgeBases = mapping
	}

	if c.LogDir != "" {
		abs, err := filepath.Abs(c.LogDir)
		if err != nil {
			return fmt.Errorf("resolving log dir: %w", err)
		}

		c.LogDir = abs
	}

	return nil
}

func (c *Config) validate() error {
	if len(c.ScanPaths) == 0 {
		return errors.New("at least one scan path is required (scan_config.scan_paths or SCAN_PATHS)")
	}

	for _, p := range c.ScanPaths {
		if _, ok := c.KnowledgeBases[p]; !ok {
			return fmt.Errorf("scan path %s has no entry in dify_config.knowledge_base_mapping", p)
		}
	}

	if c.APIKey == "" {
		return errors.New("DIFY_API_KEY is required")
	}

	if c.BaseURL == "" {
		return errors.New("DIFY_BASE_URL is required")
	}

	if len(c.FileTypes) == 0 {
		return errors.New("at least one file type is required in scan_config.file_types")
	}

	if c.HashWorkers <= 0 {
		return fmt.Errorf("HASH_WORKERS must be positive, got %d", c.HashWorkers)
	}

	if c.SyncWorkers <= 0 {
		return fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.SyncWorkers)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	if c.ScanInterval < 0 {
		return fmt.Errorf("SCAN_INTERVAL must not be negative, got %s", c.ScanInterval)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
