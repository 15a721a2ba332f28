package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Mongo    MongoConfig    `json:"mongo"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Catalog  CatalogConfig  `json:"catalog"`
}

// AppConfig is the process-level configuration.
type AppConfig struct {
	Env         string `json:"env"`          // local / prod
	LogLevel    string `json:"log_level"`    // debug / info / warn / error
	HTTPAddr    string `json:"http_addr"`    // API listen address
	MetricsAddr string `json:"metrics_addr"` // crawler metrics listen address
	SiteURL     string `json:"site_url"`     // base of the links put in mails
	Storage     string `json:"storage"`      // mongo / memory
}

// MySQLConfig holds the user/bookmark database settings.
type MySQLConfig struct {
	DSN string `json:"dsn"`
}

// MongoConfig holds the product document store settings.
type MongoConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	Addr     string `json:"addr"` // host:port, empty disables Redis-backed locks and outbox
	Password string `json:"password"`
}

// BrowserConfig configures how product pages are fetched.
type BrowserConfig struct {
	UseBrowser bool          `json:"use_browser"` // fetch through headless Chrome instead of plain HTTP
	BinPath    string        `json:"bin_path"`    // browser executable
	ProxyURL   string        `json:"proxy_url"`
	Headless   bool          `json:"headless"`
	UserAgent  string        `json:"user_agent"`
	PageWait   time.Duration `json:"page_wait"` // how long to wait for the price list to render
}

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// SecurityConfig holds the bearer token verification secret.
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// CatalogConfig configures the scheduled catalog refresh.
type CatalogConfig struct {
	Cron                string        `json:"cron"`                  // cron spec of the daily run
	RunOnStart          bool          `json:"run_on_start"`          // run once right after start
	WorkerPoolSize      int           `json:"worker_pool_size"`      // concurrent product refreshes
	QueueCapacity       int           `json:"queue_capacity"`        // pending refresh jobs
	ExtractTimeout      time.Duration `json:"extract_timeout"`       // per product fetch budget
	LockTTL             time.Duration `json:"lock_ttl"`              // per product lock expiry
	LockWait            time.Duration `json:"lock_wait"`             // how long to wait for a busy product
	MaxDispatchAttempts int           `json:"max_dispatch_attempts"` // failed mails before a subscription is abandoned
	DedupTTL            time.Duration `json:"dedup_ttl"`             // how long sent mails are remembered
	JanitorInterval     time.Duration `json:"janitor_interval"`      // bookmark outbox drain period
	JanitorTimeout      time.Duration `json:"janitor_timeout"`       // in-flight outbox job rescue age
}

// Load reads configuration from a JSON file.
//
// It reads configs/config.json when present and falls back to defaults
// otherwise. Environment variables always win.
//
// Parameters:
//
//	configPath: file path, defaults to "configs/config.json"
//
// Returns:
//
//	*Config: loaded configuration
//	error: read or parse failure
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			HTTPAddr:    ":8080",
			MetricsAddr: ":2112",
			SiteURL:     "http://localhost:3000",
			Storage:     "mongo",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/wiggletrack?parseTime=true&loc=Local",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "wiggletrack",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Browser: BrowserConfig{
			UseBrowser: false,
			Headless:   true,
			UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			PageWait:   10 * time.Second,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
			FromName: "Wiggle Price Tracker",
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
		Catalog: CatalogConfig{
			Cron:                "15 10 * * *",
			WorkerPoolSize:      4,
			QueueCapacity:       1000,
			ExtractTimeout:      45 * time.Second,
			LockTTL:             2 * time.Minute,
			LockWait:            30 * time.Second,
			MaxDispatchAttempts: 5,
			DedupTTL:            30 * 24 * time.Hour,
			JanitorInterval:     time.Minute,
			JanitorTimeout:      10 * time.Minute,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.SiteURL == "" {
		cfg.App.SiteURL = defaults.App.SiteURL
	}
	if cfg.App.Storage == "" {
		cfg.App.Storage = defaults.App.Storage
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = defaults.Mongo.URI
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = defaults.Mongo.Database
	}
	if cfg.Browser.UserAgent == "" {
		cfg.Browser.UserAgent = defaults.Browser.UserAgent
	}
	if cfg.Browser.PageWait == 0 {
		cfg.Browser.PageWait = defaults.Browser.PageWait
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = defaults.Email.FromName
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Catalog.Cron == "" {
		cfg.Catalog.Cron = defaults.Catalog.Cron
	}
	if cfg.Catalog.WorkerPoolSize == 0 {
		cfg.Catalog.WorkerPoolSize = defaults.Catalog.WorkerPoolSize
	}
	if cfg.Catalog.QueueCapacity == 0 {
		cfg.Catalog.QueueCapacity = defaults.Catalog.QueueCapacity
	}
	if cfg.Catalog.ExtractTimeout == 0 {
		cfg.Catalog.ExtractTimeout = defaults.Catalog.ExtractTimeout
	}
	if cfg.Catalog.LockTTL == 0 {
		cfg.Catalog.LockTTL = defaults.Catalog.LockTTL
	}
	if cfg.Catalog.LockWait == 0 {
		cfg.Catalog.LockWait = defaults.Catalog.LockWait
	}
	if cfg.Catalog.MaxDispatchAttempts == 0 {
		cfg.Catalog.MaxDispatchAttempts = defaults.Catalog.MaxDispatchAttempts
	}
	if cfg.Catalog.DedupTTL == 0 {
		cfg.Catalog.DedupTTL = defaults.Catalog.DedupTTL
	}
	if cfg.Catalog.JanitorInterval == 0 {
		cfg.Catalog.JanitorInterval = defaults.Catalog.JanitorInterval
	}
	if cfg.Catalog.JanitorTimeout == 0 {
		cfg.Catalog.JanitorTimeout = defaults.Catalog.JanitorTimeout
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("mongo_uri", "MONGO_URI")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("SITE_URL"); v != "" {
		cfg.App.SiteURL = v
	}
	if v := os.Getenv("APP_STORAGE"); v != "" {
		cfg.App.Storage = v
	}

	if v := os.Getenv("CATALOG_CRON"); v != "" {
		cfg.Catalog.Cron = v
	}
	if v := os.Getenv("CATALOG_RUN_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Catalog.RunOnStart = b
		}
	}
	if v := os.Getenv("CATALOG_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Catalog.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("CATALOG_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Catalog.QueueCapacity = i
		}
	}
	if v := os.Getenv("CATALOG_EXTRACT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.ExtractTimeout = d
		}
	}
	if v := os.Getenv("CATALOG_MAX_DISPATCH_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Catalog.MaxDispatchAttempts = i
		}
	}
	if v := os.Getenv("CATALOG_JANITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.JanitorInterval = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("mongo_uri"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.UseBrowser = b
		}
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_FROM_NAME"); v != "" {
		cfg.Email.FromName = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "wiggletrack"
	cfg.ParseTime = true
	return cfg
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// UnmarshalJSON accepts duration strings such as "45s".
func (c *CatalogConfig) UnmarshalJSON(data []byte) error {
	type Alias CatalogConfig
	aux := &struct {
		ExtractTimeout  string `json:"extract_timeout"`
		LockTTL         string `json:"lock_ttl"`
		LockWait        string `json:"lock_wait"`
		DedupTTL        string `json:"dedup_ttl"`
		JanitorInterval string `json:"janitor_interval"`
		JanitorTimeout  string `json:"janitor_timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"extract_timeout", aux.ExtractTimeout, &c.ExtractTimeout},
		{"lock_ttl", aux.LockTTL, &c.LockTTL},
		{"lock_wait", aux.LockWait, &c.LockWait},
		{"dedup_ttl", aux.DedupTTL, &c.DedupTTL},
		{"janitor_interval", aux.JanitorInterval, &c.JanitorInterval},
		{"janitor_timeout", aux.JanitorTimeout, &c.JanitorTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON accepts a duration string for page_wait.
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageWait string `json:"page_wait"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PageWait != "" {
		d, err := time.ParseDuration(aux.PageWait)
		if err != nil {
			return fmt.Errorf("invalid page_wait format: %w", err)
		}
		b.PageWait = d
	}
	return nil
}
