package logging

import (
	"go.uber.org/zap"
)

type Options struct {
	Level       string
	Format      string
	Service     string
	Version     string
	Environment string
}

// New builds the process logger. Format "json" selects the production
// encoder; anything else gets the human-readable development one. An
// unparsable level falls back to info.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(opts.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = level

	cfg.InitialFields = map[string]interface{}{
		"service": opts.Service,
	}
	if opts.Version != "" {
		cfg.InitialFields["version"] = opts.Version
	}
	if opts.Environment != "" {
		cfg.InitialFields["environment"] = opts.Environment
	}

	return cfg.Build()
}

// OrNop lets constructors accept a nil logger.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
