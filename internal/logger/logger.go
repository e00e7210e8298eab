package logger

import (
	"github.com/fxnlabs/dpuvec/internal/config"
	"go.uber.org/zap"
)

func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// NewLogger builds the root logger from the loaded config.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logger.Verbosity)
}
