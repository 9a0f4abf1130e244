// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	Port           string `mapstructure:"PORT"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	DBSSLMode      string `mapstructure:"DB_SSLMODE"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	Env            string `mapstructure:"APP_ENV"`

	// CivilOffsetMinutes is the fixed local-time offset used to interpret
	// user-facing schedule times. 330 = UTC+5:30.
	CivilOffsetMinutes int `mapstructure:"CIVIL_OFFSET_MINUTES"`

	// PollIntervalSeconds is the observer's fallback refetch interval.
	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`

	// PublishTimeoutSeconds bounds how long a post may sit in `posting`
	// before the controller fails it with a synthetic timeout error.
	PublishTimeoutSeconds int `mapstructure:"PUBLISH_TIMEOUT_SECONDS"`

	// AnalyticsTimeoutSeconds bounds a pending SCRAPE_ANALYTICS round trip.
	AnalyticsTimeoutSeconds int `mapstructure:"ANALYTICS_TIMEOUT_SECONDS"`

	// TelemetryCronSpec drives the periodic engagement refresh.
	TelemetryCronSpec string `mapstructure:"TELEMETRY_CRON_SPEC"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base config file is optional; environment variables and defaults
	// are enough to boot in development.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("PORT", "8480")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "linkpilot")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("CIVIL_OFFSET_MINUTES", 330)
	viper.SetDefault("POLL_INTERVAL_SECONDS", 10)
	viper.SetDefault("PUBLISH_TIMEOUT_SECONDS", 300)
	viper.SetDefault("ANALYTICS_TIMEOUT_SECONDS", 60)
	viper.SetDefault("TELEMETRY_CRON_SPEC", "0 */2 * * *")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.New("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.PublishTimeoutSeconds <= 0 {
		return errors.New("PUBLISH_TIMEOUT_SECONDS must be positive")
	}
	if c.AnalyticsTimeoutSeconds <= 0 {
		return errors.New("ANALYTICS_TIMEOUT_SECONDS must be positive")
	}

	isProduction := c.Env == "production" || c.Env == "prod"
	if isProduction {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			log.Println("WARNING: DB_SSLMODE is 'disable' in production. It is highly recommended to use SSL for database connections.")
		}
	}

	return nil
}

// CivilLocation returns the fixed civil timezone used for schedule-time
// interpretation.
func (c *Config) CivilLocation() *time.Location {
	return time.FixedZone("civil", c.CivilOffsetMinutes*60)
}

// PollInterval returns the observer poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PublishTimeout returns the supervisory publish window as a duration.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// AnalyticsTimeout returns the bounded analytics wait as a duration.
func (c *Config) AnalyticsTimeout() time.Duration {
	return time.Duration(c.AnalyticsTimeoutSeconds) * time.Second
}
