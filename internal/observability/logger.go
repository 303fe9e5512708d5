package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/sessionadmit/internal/config"
)

var appEnv string

// SetAppEnv records the running environment for isDevEnv and any other
// package-level checks that need it outside of a config.Config value (e.g.
// metrics cardinality decisions made deep in a hot path).
func SetAppEnv(env string) {
	appEnv = env
}

func isDevEnv() bool {
	return strings.ToLower(appEnv) == "dev"
}

// SetupLogger configures a JSON slog logger tagged with service/env fields
// and installs it as the default logger.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}
