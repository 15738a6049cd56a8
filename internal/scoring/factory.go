package scoring

import (
	"fmt"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/model"
)

// New builds the scorer selected by cfg. The model is loaded here, once; a
// failure is returned to the caller, which treats it as fatal. The returned
// close function releases any connection held by the scorer.
func New(cfg config.ModelConfig) (model.Scorer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Type {
	case "autoencoder":
		ae, err := LoadAutoencoder(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return ae, noop, nil
	case "grpc":
		rs, err := DialRemote(cfg.GRPCAddr, cfg.TimeoutDuration())
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	case "constant":
		return Constant(cfg.ConstantScore), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown model type '%s'", cfg.Type)
	}
}
