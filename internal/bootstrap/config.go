package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/chaoss/grimoirelab-core/config"
)

// InitLogger builds the process-wide JSON logger. The level comes from
// LOG_LEVEL directly because the logger must exist before the full
// config loads, so config errors are logged too.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)
	return logger
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig reads configuration from the environment, with a .env file
// as a development fallback.
func LoadConfig() (*config.AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	cfg := &config.AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ResolveServices validates the service selection and returns the
// enabled service names, sorted for logging.
func ResolveServices(cfg *config.AppConfig) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("app config is required")
	}

	services, err := cfg.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return nil, errors.New("no services enabled")
	}

	names := make([]string, 0, len(services))
	for mode := range services {
		names = append(names, string(mode))
	}
	sort.Strings(names)
	return names, nil
}
