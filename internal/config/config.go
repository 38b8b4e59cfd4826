package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Web server
	Port        string
	CORSOrigins []string

	// Database
	DBDriver    string
	DatabaseURL string

	// Matching
	MatchTolerance          decimal.Decimal
	MaxSuggestionCandidates int
	SuggestionSessionTTL    time.Duration

	LogLevel string
}

func Load() (*Config, error) {
	// .env is optional; the process environment wins when both are set
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on system env")
	}

	cfg := &Config{
		Port:        getEnvDefault("PORT", "8080"),
		CORSOrigins: splitList(getEnvDefault("CORS_ORIGINS", "http://localhost:3000")),
		DBDriver:    strings.ToLower(getEnvDefault("DB_DRIVER", "postgres")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnvDefault("LOG_LEVEL", "info"),
	}

	var err error
	cfg.MatchTolerance, err = decimal.NewFromString(getEnvDefault("MATCH_TOLERANCE", "0.005"))
	if err != nil || cfg.MatchTolerance.IsNegative() {
		return nil, fmt.Errorf("MATCH_TOLERANCE must be a non-negative decimal")
	}

	cfg.MaxSuggestionCandidates, err = strconv.Atoi(getEnvDefault("MAX_SUGGESTION_CANDIDATES", "10"))
	if err != nil || cfg.MaxSuggestionCandidates < 1 {
		return nil, fmt.Errorf("MAX_SUGGESTION_CANDIDATES must be a positive integer")
	}

	cfg.SuggestionSessionTTL, err = time.ParseDuration(getEnvDefault("SUGGESTION_SESSION_TTL", "30m"))
	if err != nil || cfg.SuggestionSessionTTL <= 0 {
		return nil, fmt.Errorf("SUGGESTION_SESSION_TTL must be a positive duration")
	}

	switch cfg.DBDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case "sqlite":
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = "./data/ledger.db"
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	return cfg, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
