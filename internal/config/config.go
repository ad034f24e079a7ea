package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr          string
	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	MigrationsDir string
	CORSOrigin    string
	// Origins accepted on /ws; empty accepts any
	AllowedOrigins []string
	// Redis backs the redis transport and shared session state
	RedisURL    string
	SessionName string
	Transport   string
	// MQTT Configuration
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	// Session behaviour
	PersistMode   string
	TotalsPolicy  string
	AuditMinistry bool
	Debounce      time.Duration
	Heartbeat     time.Duration
	AtaTimezone   string
	// Archive Configuration - none disables archiving
	ArchiveDriver    string
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveRegion    string
	ArchiveUseSSL    bool
	ArchiveFormat    string
	// Search - empty MEILI_URL searches the store directly
	MeiliURL       string
	MeiliMasterKey string
	LogLevel       string
	LogFormat      string
}

var defaults = map[string]any{
	"API_ADDR":           ":3001",
	"STORE_DRIVER":       "sqlite",
	"DATABASE_URL":       "",
	"SQLITE_PATH":        "./ccb.db",
	"MIGRATIONS_DIR":     "./db/migrations",
	"CORS_ORIGIN":        "*",
	"ALLOWED_ORIGINS":    "",
	"REDIS_URL":          "",
	"SESSION_NAME":       "default",
	"TRANSPORT":          "memory",
	"MQTT_BROKER":        "",
	"MQTT_CLIENT_ID":     "ccb-api",
	"MQTT_USERNAME":      "",
	"MQTT_PASSWORD":      "",
	"PERSIST_MODE":       "append",
	"TOTALS_POLICY":      "separate",
	"AUDIT_MINISTRY":     true,
	"DEBOUNCE_MS":        700,
	"HEARTBEAT_MS":       12000,
	"ATA_TIMEZONE":       "America/Sao_Paulo",
	"ARCHIVE_DRIVER":     "none",
	"ARCHIVE_BUCKET":     "ccb-atas",
	"ARCHIVE_ENDPOINT":   "",
	"ARCHIVE_ACCESS_KEY": "",
	"ARCHIVE_SECRET_KEY": "",
	"ARCHIVE_REGION":     "us-east-1",
	"ARCHIVE_USE_SSL":    false,
	"ARCHIVE_FORMAT":     "docx",
	"MEILI_URL":          "",
	"MEILI_MASTER_KEY":   "",
	"LOG_LEVEL":          "info",
	"LOG_FORMAT":         "json",
}

// New returns a viper instance reading the environment with every key
// defaulted. Callers may bind flags onto it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from the environment.
func Load() Config {
	return FromViper(New())
}

func FromViper(v *viper.Viper) Config {
	return Config{
		Addr:             v.GetString("API_ADDR"),
		StoreDriver:      strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		SQLitePath:       v.GetString("SQLITE_PATH"),
		MigrationsDir:    v.GetString("MIGRATIONS_DIR"),
		CORSOrigin:       v.GetString("CORS_ORIGIN"),
		AllowedOrigins:   splitList(v.GetString("ALLOWED_ORIGINS")),
		RedisURL:         v.GetString("REDIS_URL"),
		SessionName:      v.GetString("SESSION_NAME"),
		Transport:        strings.ToLower(v.GetString("TRANSPORT")),
		MQTTBroker:       v.GetString("MQTT_BROKER"),
		MQTTClientID:     v.GetString("MQTT_CLIENT_ID"),
		MQTTUsername:     v.GetString("MQTT_USERNAME"),
		MQTTPassword:     v.GetString("MQTT_PASSWORD"),
		PersistMode:      strings.ToLower(v.GetString("PERSIST_MODE")),
		TotalsPolicy:     strings.ToLower(v.GetString("TOTALS_POLICY")),
		AuditMinistry:    v.GetBool("AUDIT_MINISTRY"),
		Debounce:         time.Duration(v.GetInt("DEBOUNCE_MS")) * time.Millisecond,
		Heartbeat:        time.Duration(v.GetInt("HEARTBEAT_MS")) * time.Millisecond,
		AtaTimezone:      v.GetString("ATA_TIMEZONE"),
		ArchiveDriver:    strings.ToLower(v.GetString("ARCHIVE_DRIVER")),
		ArchiveBucket:    v.GetString("ARCHIVE_BUCKET"),
		ArchiveEndpoint:  v.GetString("ARCHIVE_ENDPOINT"),
		ArchiveAccessKey: v.GetString("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey: v.GetString("ARCHIVE_SECRET_KEY"),
		ArchiveRegion:    v.GetString("ARCHIVE_REGION"),
		ArchiveUseSSL:    v.GetBool("ARCHIVE_USE_SSL"),
		ArchiveFormat:    strings.ToLower(v.GetString("ARCHIVE_FORMAT")),
		MeiliURL:         v.GetString("MEILI_URL"),
		MeiliMasterKey:   v.GetString("MEILI_MASTER_KEY"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.Transport {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("TRANSPORT=redis requires REDIS_URL")
		}
	case "mqtt":
		if c.MQTTBroker == "" {
			return fmt.Errorf("TRANSPORT=mqtt requires MQTT_BROKER")
		}
	default:
		return fmt.Errorf("unknown TRANSPORT %q", c.Transport)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("DEBOUNCE_MS must be positive")
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("HEARTBEAT_MS must not be negative")
	}
	if _, err := time.LoadLocation(c.AtaTimezone); err != nil {
		return fmt.Errorf("ATA_TIMEZONE: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
