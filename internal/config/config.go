package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Monitor  MonitorConfig  `json:"monitor"`
	Plugins  PluginsConfig  `json:"plugins"`
	Cloud    CloudConfig    `json:"cloud"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
	// Token guards the API; empty disables authentication.
	Token string `json:"token"`
}

// CloudConfig binds tracked providers to their OpenStack endpoints.
type CloudConfig struct {
	Providers []CloudProviderConfig `json:"providers"`
}

type CloudProviderConfig struct {
	ProviderID  int64  `json:"providerId"`
	AuthURL     string `json:"authUrl"` // keystone v3 base, e.g. https://host:5000/v3
	Username    string `json:"username"`
	Password    string `json:"password"`
	ProjectName string `json:"projectName"`
	Domain      string `json:"domain"`
	ImageURL    string `json:"imageUrl"`   // glance v2 base
	VolumeURL   string `json:"volumeUrl"`  // cinder v3 base
	ComputeURL  string `json:"computeUrl"` // nova v2.1 base
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
	Debug bool   `json:"debug"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type MonitorConfig struct {
	// Enforcing gates cloud-side ACL push-back and allocation enforcement.
	Enforcing bool `json:"enforcing"`
	// MemberThreshold is the shared-access count above which a machine's
	// membership set is treated as corrupted and reset from the last
	// completed machine request.
	MemberThreshold int    `json:"memberThreshold"`
	Interval        string `json:"interval"`        // e.g. "30m"
	EnforceInterval string `json:"enforceInterval"` // e.g. "15m"
	ActiveStatuses  string `json:"activeStatuses"`  // comma separated, e.g. "active,running"
}

type PluginsConfig struct {
	// ConfigFile optionally points at a YAML file selecting plugin
	// implementations and their settings.
	ConfigFile       string `json:"configFile"`
	MachineValidator string `json:"machineValidator"`
	OverridePolicy   string `json:"overridePolicy"`
	UserValidator    string `json:"userValidator"`
	ValidatorTimeout string `json:"validatorTimeout"` // e.g. "5s"
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			Token:    getEnv("API_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "atmosphere"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
			Debug: getEnvBool("DEBUG", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Monitor: MonitorConfig{
			Enforcing:       getEnvBool("ENFORCING", false),
			MemberThreshold: getEnvInt("MONITOR_MEMBER_THRESHOLD", 128),
			Interval:        getEnv("MONITOR_INTERVAL", "30m"),
			EnforceInterval: getEnv("ENFORCEMENT_INTERVAL", "15m"),
			ActiveStatuses:  getEnv("ACTIVE_STATUS_NAMES", "active,running"),
		},
		Plugins: PluginsConfig{
			ConfigFile:       getEnv("PLUGIN_CONFIG_FILE", ""),
			MachineValidator: getEnv("MACHINE_VALIDATION_PLUGIN", "basic"),
			OverridePolicy:   getEnv("ENFORCEMENT_OVERRIDE_PLUGIN", "database"),
			UserValidator:    getEnv("USER_VALIDATION_PLUGIN", "allocation"),
			ValidatorTimeout: getEnv("USER_VALIDATION_TIMEOUT", "5s"),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Monitor.MemberThreshold == 0 {
		cfg.Monitor.MemberThreshold = 128
	}
	if cfg.Monitor.Interval == "" {
		cfg.Monitor.Interval = "30m"
	}
	if cfg.Monitor.EnforceInterval == "" {
		cfg.Monitor.EnforceInterval = "15m"
	}
	if cfg.Monitor.ActiveStatuses == "" {
		cfg.Monitor.ActiveStatuses = "active,running"
	}
	if cfg.Plugins.MachineValidator == "" {
		cfg.Plugins.MachineValidator = "basic"
	}
	if cfg.Plugins.OverridePolicy == "" {
		cfg.Plugins.OverridePolicy = "database"
	}
	if cfg.Plugins.ValidatorTimeout == "" {
		cfg.Plugins.ValidatorTimeout = "5s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
