package training

import (
	"errors"
	"log/slog"

	"nnetcore/internal/stats"
)

const DefaultMinibatchSizeInput = "ivector"

type Config struct {
	// Momentum in [0, 1). The applied step is (1-Momentum) times the
	// accumulated delta, so the effective learning rate is unchanged.
	Momentum float64
	// MaxParamChange caps the norm of the change applied per minibatch;
	// 0 disables the cap.
	MaxParamChange        float64
	StoreComponentStats   bool
	ZeroComponentStats    bool
	PrintInterval         int
	CompilerCacheCapacity int
	Logger                *slog.Logger
	// OnPhaseReport, if set, receives every completed statistics phase of
	// the primary objective set.
	OnPhaseReport stats.ReportFunc
}

func DefaultConfig() Config {
	return Config{
		MaxParamChange:        2.0,
		StoreComponentStats:   true,
		ZeroComponentStats:    true,
		PrintInterval:         100,
		CompilerCacheCapacity: 64,
	}
}

func (c Config) Validate() error {
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.New("momentum must be in [0, 1)")
	}
	if c.MaxParamChange < 0 {
		return errors.New("max param change must be >= 0")
	}
	if c.PrintInterval <= 0 {
		return errors.New("print interval must be > 0")
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
