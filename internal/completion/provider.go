package completion

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/cpf-advisor/internal/config"
)

// Open builds the Completer selected by cfg. The returned close function is never nil.
func Open(cfg config.CompletionConfig, logger *slog.Logger) (Completer, func(), error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Timeout), func() {}, nil

	case config.ProviderGRPC:
		grpcCfg := DefaultGrpcClientConfig()
		grpcCfg.Address = cfg.GRPCAddr
		grpcCfg.RequestTimeout = cfg.Timeout
		c, err := NewGrpcClient(grpcCfg, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return c, c.Close, nil

	case config.ProviderStub:
		s := NewStub()
		s.Fallback = cfg.StubReply
		return s, func() {}, nil
	}
	return nil, func() {}, fmt.Errorf("unknown completion provider %q", cfg.Provider)
}
