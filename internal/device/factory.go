package device

import (
	"fmt"

	"go.uber.org/zap"
)

// BackendSimulator selects the in-process simulator.
const BackendSimulator = "simulator"

// NewOpener returns the Opener for the named backend. An empty name selects
// the simulator.
func NewOpener(backend string, sim SimulatorConfig, logger *zap.Logger) (Opener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch backend {
	case "", BackendSimulator:
		logger.Info("Using simulated device backend")
		return NewSimulatorOpener(sim, logger.Named("simulator")), nil
	default:
		return nil, fmt.Errorf("%q: %w", backend, ErrUnknownBackend)
	}
}
