package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting of the dashboard.
type Config struct {
	HTTPPort       string
	LeadsPath      string
	DBPath         string
	HistorySize    int
	SendTimeout    time.Duration
	SendBuffer     int
	WSPingInterval time.Duration
	EventBuffer    int
	WatchLeads     bool
	Archive        ArchiveConfig
	Provider       ProviderConfig
	Log            LogConfig
	StrictConfig   bool
	ConfigPath     string
}

type ArchiveConfig struct {
	Workers   int
	Timeout   time.Duration
	QueueSize int
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Version string
	AgentID string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultPort           = ":8000"
	defaultLeadsPath      = "data/leads.json"
	defaultDBPath         = "data/calls.db"
	defaultHistorySize    = 50
	maxHistorySize        = 10000
	defaultSendTimeout    = 5 * time.Second
	defaultSendBuffer     = 64
	maxSendBuffer         = 4096
	defaultPingInterval   = 20 * time.Second
	defaultEventBuffer    = 256
	maxEventBuffer        = 1 << 16
	defaultArchiveWorkers = 2
	maxArchiveWorkers     = 64
	defaultArchiveTimeout = 5 * time.Second
	defaultArchiveQueue   = 128
	maxArchiveQueue       = 4096
	defaultProviderURL    = "https://api.cartesia.ai"
	defaultProviderVer    = "2025-04-16"
)

type fileConfig struct {
	HTTPPort       string             `json:"http_port" yaml:"http_port"`
	LeadsPath      string             `json:"leads_path" yaml:"leads_path"`
	DBPath         string             `json:"db_path" yaml:"db_path"`
	HistorySize    *int               `json:"history_size" yaml:"history_size"`
	SendTimeout    string             `json:"send_timeout" yaml:"send_timeout"`
	SendBuffer     *int               `json:"send_buffer" yaml:"send_buffer"`
	WSPingInterval string             `json:"ws_ping_interval" yaml:"ws_ping_interval"`
	EventBuffer    *int               `json:"event_buffer" yaml:"event_buffer"`
	WatchLeads     *bool              `json:"watch_leads" yaml:"watch_leads"`
	Archive        archiveFileConfig  `json:"archive" yaml:"archive"`
	Provider       providerFileConfig `json:"provider" yaml:"provider"`
	Log            logFileConfig      `json:"log" yaml:"log"`
}

type archiveFileConfig struct {
	Workers   *int   `json:"workers" yaml:"workers"`
	Timeout   string `json:"timeout" yaml:"timeout"`
	QueueSize *int   `json:"queue_size" yaml:"queue_size"`
}

// providerFileConfig is the provider block of the config file. The API key
// only comes from the environment.
type providerFileConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Version string `json:"version" yaml:"version"`
	AgentID string `json:"agent_id" yaml:"agent_id"`
}

type logFileConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

func defaults() Config {
	return Config{
		HTTPPort:       defaultPort,
		LeadsPath:      defaultLeadsPath,
		DBPath:         defaultDBPath,
		HistorySize:    defaultHistorySize,
		SendTimeout:    defaultSendTimeout,
		SendBuffer:     defaultSendBuffer,
		WSPingInterval: defaultPingInterval,
		EventBuffer:    defaultEventBuffer,
		WatchLeads:     true,
		Archive: ArchiveConfig{
			Workers:   defaultArchiveWorkers,
			Timeout:   defaultArchiveTimeout,
			QueueSize: defaultArchiveQueue,
		},
		Provider: ProviderConfig{BaseURL: defaultProviderURL, Version: defaultProviderVer},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration from defaults, an optional config file and the
// environment, in increasing priority. A .env file fills in unset variables.
// With STRICT_CONFIG set, any problem is returned as an error; otherwise it is
// logged and the default is kept.
func Load() (Config, error) {
	loadDotEnv()

	cfg := defaults()
	cfg.StrictConfig = parseBoolEnv("STRICT_CONFIG")
	cfg.ConfigPath = getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	p := &problems{strict: cfg.StrictConfig}

	fileCfg, err := loadFileConfig(cfg.ConfigPath)
	switch {
	case err == nil:
		applyFile(&cfg, fileCfg, p)
	case errors.Is(err, os.ErrNotExist) && os.Getenv("CONFIG_PATH") == "":
		// the default file is optional
	default:
		p.add(fmt.Errorf("config file %s: %w", cfg.ConfigPath, err))
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), os.Getenv("PORT"), cfg.HTTPPort)
	if !strings.Contains(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	cfg.LeadsPath = firstNonEmpty(os.Getenv("LEADS_PATH"), cfg.LeadsPath)
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), cfg.DBPath)
	p.intEnv(&cfg.HistorySize, "HISTORY_SIZE", 1, maxHistorySize)
	p.durationEnv(&cfg.SendTimeout, "SEND_TIMEOUT")
	p.intEnv(&cfg.SendBuffer, "SEND_BUFFER", 1, maxSendBuffer)
	p.durationEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL")
	p.intEnv(&cfg.EventBuffer, "EVENT_BUFFER", 0, maxEventBuffer)
	cfg.WatchLeads = parseBoolEnvDefault("WATCH_LEADS", cfg.WatchLeads)
	p.intEnv(&cfg.Archive.Workers, "ARCHIVE_WORKERS", 1, maxArchiveWorkers)
	p.durationEnv(&cfg.Archive.Timeout, "ARCHIVE_TIMEOUT")
	p.intEnv(&cfg.Archive.QueueSize, "ARCHIVE_QUEUE_SIZE", 1, maxArchiveQueue)

	cfg.Provider.APIKey = strings.TrimSpace(os.Getenv("CARTESIA_API_KEY"))
	cfg.Provider.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("CARTESIA_BASE_URL"), cfg.Provider.BaseURL), "/")
	cfg.Provider.Version = firstNonEmpty(os.Getenv("CARTESIA_VERSION"), cfg.Provider.Version)
	cfg.Provider.AgentID = firstNonEmpty(os.Getenv("AGENT_ID"), cfg.Provider.AgentID)

	cfg.Log.Level = strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), cfg.Log.Format))

	p.add(validateConfig(&cfg))
	if err := p.err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f fileConfig, p *problems) {
	cfg.HTTPPort = firstNonEmpty(f.HTTPPort, cfg.HTTPPort)
	cfg.LeadsPath = firstNonEmpty(f.LeadsPath, cfg.LeadsPath)
	cfg.DBPath = firstNonEmpty(f.DBPath, cfg.DBPath)
	p.intFile(&cfg.HistorySize, "history_size", f.HistorySize, 1, maxHistorySize)
	p.intFile(&cfg.SendBuffer, "send_buffer", f.SendBuffer, 1, maxSendBuffer)
	p.intFile(&cfg.EventBuffer, "event_buffer", f.EventBuffer, 0, maxEventBuffer)
	if f.WatchLeads != nil {
		cfg.WatchLeads = *f.WatchLeads
	}
	p.intFile(&cfg.Archive.Workers, "archive.workers", f.Archive.Workers, 1, maxArchiveWorkers)
	p.intFile(&cfg.Archive.QueueSize, "archive.queue_size", f.Archive.QueueSize, 1, maxArchiveQueue)
	p.duration(&cfg.SendTimeout, "send_timeout", f.SendTimeout)
	p.duration(&cfg.WSPingInterval, "ws_ping_interval", f.WSPingInterval)
	p.duration(&cfg.Archive.Timeout, "archive.timeout", f.Archive.Timeout)
	cfg.Provider.BaseURL = firstNonEmpty(f.Provider.BaseURL, cfg.Provider.BaseURL)
	cfg.Provider.Version = firstNonEmpty(f.Provider.Version, cfg.Provider.Version)
	cfg.Provider.AgentID = firstNonEmpty(f.Provider.AgentID, cfg.Provider.AgentID)
	cfg.Log.Level = firstNonEmpty(f.Log.Level, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(f.Log.Format, cfg.Log.Format)
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	return cfg, err
}

// validateConfig reports every invalid field and resets it to its default.
func validateConfig(cfg *Config) error {
	def := defaults()
	var errs []error
	if strings.TrimSpace(cfg.LeadsPath) == "" {
		errs = append(errs, errors.New("LEADS_PATH is required"))
		cfg.LeadsPath = def.LeadsPath
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
		cfg.DBPath = def.DBPath
	}
	if cfg.HistorySize < 1 || cfg.HistorySize > maxHistorySize {
		errs = append(errs, fmt.Errorf("history size must be within 1..%d (got %d)", maxHistorySize, cfg.HistorySize))
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SendBuffer < 1 || cfg.SendBuffer > maxSendBuffer {
		errs = append(errs, fmt.Errorf("send buffer must be within 1..%d (got %d)", maxSendBuffer, cfg.SendBuffer))
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.EventBuffer < 0 || cfg.EventBuffer > maxEventBuffer {
		errs = append(errs, fmt.Errorf("event buffer must be within 0..%d (got %d)", maxEventBuffer, cfg.EventBuffer))
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.SendTimeout <= 0 {
		errs = append(errs, errors.New("send timeout must be positive"))
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.WSPingInterval <= 0 {
		errs = append(errs, errors.New("websocket ping interval must be positive"))
		cfg.WSPingInterval = def.WSPingInterval
	}
	if cfg.Archive.Workers < 1 || cfg.Archive.Workers > maxArchiveWorkers {
		errs = append(errs, fmt.Errorf("archive workers must be within 1..%d (got %d)", maxArchiveWorkers, cfg.Archive.Workers))
		cfg.Archive.Workers = def.Archive.Workers
	}
	if cfg.Archive.QueueSize < 1 || cfg.Archive.QueueSize > maxArchiveQueue {
		errs = append(errs, fmt.Errorf("archive queue size must be within 1..%d (got %d)", maxArchiveQueue, cfg.Archive.QueueSize))
		cfg.Archive.QueueSize = def.Archive.QueueSize
	}
	if cfg.Archive.Timeout <= 0 {
		errs = append(errs, errors.New("archive timeout must be positive"))
		cfg.Archive.Timeout = def.Archive.Timeout
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be console or json (got %q)", cfg.Log.Format))
		cfg.Log.Format = def.Log.Format
	}
	return errors.Join(errs...)
}

// problems collects configuration errors. Outside strict mode each one is
// logged as it is found and the value keeps its previous setting.
type problems struct {
	strict bool
	errs   []error
}

func (p *problems) add(err error) {
	if err == nil {
		return
	}
	if !p.strict {
		log.Warn().Err(err).Msg("config problem (using defaults)")
	}
	p.errs = append(p.errs, err)
}

func (p *problems) err() error {
	if !p.strict {
		return nil
	}
	return errors.Join(p.errs...)
}

func (p *problems) intEnv(dst *int, key string, min, max int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.add(fmt.Errorf("invalid %s=%q: %w", key, raw, err))
		return
	}
	if n < min || n > max {
		p.add(fmt.Errorf("%s must be within %d..%d (got %d)", key, min, max, n))
		return
	}
	*dst = n
}

func (p *problems) intFile(dst *int, name string, v *int, min, max int) {
	if v == nil {
		return
	}
	if *v < min || *v > max {
		p.add(fmt.Errorf("%s must be within %d..%d (got %d)", name, min, max, *v))
		return
	}
	*dst = *v
}

func (p *problems) durationEnv(dst *time.Duration, key string) {
	p.duration(dst, key, os.Getenv(key))
}

func (p *problems) duration(dst *time.Duration, name, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.add(fmt.Errorf("invalid %s=%q: %w", name, raw, err))
		return
	}
	if d <= 0 {
		p.add(fmt.Errorf("%s must be positive (got %s)", name, raw))
		return
	}
	*dst = d
}

// loadDotEnv fills unset variables from the first .env file found. Values
// already in the environment win.
func loadDotEnv() {
	candidates := []string{os.Getenv("ENV_FILE"), ".env"}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), ".env"))
	}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("dotenv load failed")
		}
		return
	}
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return defaultVal
	case "0", "false", "no", "off":
		return false
	}
	return parseBoolEnv(key)
}
