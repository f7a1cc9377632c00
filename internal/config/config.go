// Package config loads settings for the duo client and the reference backend.
//
// Values come from, in increasing priority: built-in defaults, an optional
// .duo.yaml file (current directory, $HOME, or DUO_CONFIG_PATH), and DUO_*
// environment variables. A missing config file is not an error.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client configures the duo client core.
type Client struct {
	BackendURL           string
	DataDir              string
	SessionTimeout       time.Duration
	DayTimeout           time.Duration
	NotificationInterval time.Duration
	RealtimeInterval     time.Duration
	SkipPairingWindow    time.Duration
	LogLevel             slog.Level
}

// Server configures the reference backend.
type Server struct {
	Port               int
	DBPath             string
	JWTSecret          string
	PublicURL          string
	GitHubClientID     string
	GitHubClientSecret string
	ResendAPIKey       string
	MailFrom           string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	LogLevel           slog.Level
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(".duo") // .yaml is implicit
	v.SetEnvPrefix("DUO")
	v.AutomaticEnv()

	if override := os.Getenv("DUO_CONFIG_PATH"); override != "" {
		v.AddConfigPath(override)
	}
	v.AddConfigPath("./")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}
	return v, nil
}

// LoadClient reads the client settings.
func LoadClient() (Client, error) {
	v, err := newViper()
	if err != nil {
		return Client{}, err
	}
	return clientFrom(v)
}

func clientFrom(v *viper.Viper) (Client, error) {
	dataDir := "~/.duo"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = home + "/.duo"
	}
	v.SetDefault("backend_url", "http://localhost:8080")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("session_timeout", 10*time.Second)
	v.SetDefault("day_timeout", 15*time.Second)
	v.SetDefault("notification_interval", 30*time.Second)
	v.SetDefault("realtime_interval", 5*time.Second)
	v.SetDefault("skip_pairing_window", 24*time.Hour)
	v.SetDefault("log_level", "info")

	level, err := ParseLevel(v.GetString("log_level"))
	if err != nil {
		return Client{}, err
	}
	cfg := Client{
		BackendURL:           strings.TrimRight(v.GetString("backend_url"), "/"),
		DataDir:              v.GetString("data_dir"),
		SessionTimeout:       v.GetDuration("session_timeout"),
		DayTimeout:           v.GetDuration("day_timeout"),
		NotificationInterval: v.GetDuration("notification_interval"),
		RealtimeInterval:     v.GetDuration("realtime_interval"),
		SkipPairingWindow:    v.GetDuration("skip_pairing_window"),
		LogLevel:             level,
	}
	if cfg.BackendURL == "" {
		return Client{}, errors.New("config: backend_url is required")
	}
	for name, d := range map[string]time.Duration{
		"session_timeout":       cfg.SessionTimeout,
		"day_timeout":           cfg.DayTimeout,
		"notification_interval": cfg.NotificationInterval,
		"realtime_interval":     cfg.RealtimeInterval,
	} {
		if d <= 0 {
			return Client{}, fmt.Errorf("config: %s must be positive", name)
		}
	}
	return cfg, nil
}

// LoadServer reads the backend settings.
func LoadServer() (Server, error) {
	v, err := newViper()
	if err != nil {
		return Server{}, err
	}
	return serverFrom(v)
}

func serverFrom(v *viper.Viper) (Server, error) {
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "data/duo.db")
	v.SetDefault("mail_from", "Duo <noreply@localhost>")
	v.SetDefault("access_ttl", 15*time.Minute)
	v.SetDefault("refresh_ttl", 720*time.Hour)
	v.SetDefault("log_level", "debug")

	level, err := ParseLevel(v.GetString("log_level"))
	if err != nil {
		return Server{}, err
	}
	cfg := Server{
		Port:               v.GetInt("port"),
		DBPath:             v.GetString("db_path"),
		JWTSecret:          v.GetString("jwt_secret"),
		PublicURL:          strings.TrimRight(v.GetString("public_url"), "/"),
		GitHubClientID:     v.GetString("github_client_id"),
		GitHubClientSecret: v.GetString("github_client_secret"),
		ResendAPIKey:       v.GetString("resend_api_key"),
		MailFrom:           v.GetString("mail_from"),
		AccessTTL:          v.GetDuration("access_ttl"),
		RefreshTTL:         v.GetDuration("refresh_ttl"),
		LogLevel:           level,
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Server{}, fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= cfg.AccessTTL {
		return Server{}, errors.New("config: refresh_ttl must be longer than a positive access_ttl")
	}
	return cfg, nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", s)
	}
	return level, nil
}
