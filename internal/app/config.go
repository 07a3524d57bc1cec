package app

import (
	"context"

	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/config"
)

// LoadConfig reads path (defaults when empty), overlays agentArgs and then
// override, and validates the result.
func LoadConfig(ctx context.Context, path, agentArgs string, override func(*domain.EndpointConfig), logger *zap.Logger) (domain.EndpointConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.NewLoader(logger).Load(ctx, path)
	if err != nil {
		return domain.EndpointConfig{}, err
	}
	if agentArgs != "" {
		cfg, err = config.ApplyAgentArgs(cfg, config.ParseAgentArgs(agentArgs), logger)
		if err != nil {
			return domain.EndpointConfig{}, err
		}
	}
	if override != nil {
		override(&cfg)
		if err := config.Validate(cfg); err != nil {
			return domain.EndpointConfig{}, err
		}
	}
	return cfg, nil
}
