package commands

import (
	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports"
	"github.com/petal-labs/llmrouter/transports/middleware"
	"github.com/petal-labs/llmrouter/transports/rest"
	"github.com/petal-labs/llmrouter/transports/rpc"
	"github.com/petal-labs/llmrouter/transports/ws"
)

type transportConstructor func(cfg core.RouterConfig, logger zerolog.Logger) core.Transport

func defaultTransportFactory() TransportFactory {
	constructors := map[core.Protocol]transportConstructor{
		core.ProtocolHTTP: func(cfg core.RouterConfig, logger zerolog.Logger) core.Transport {
			return rest.FromConfig(cfg, rest.WithLogger(logger))
		},
		core.ProtocolGRPC: func(cfg core.RouterConfig, logger zerolog.Logger) core.Transport {
			return rpc.FromConfig(cfg, rpc.WithLogger(logger))
		},
		core.ProtocolWebSocket: func(cfg core.RouterConfig, logger zerolog.Logger) core.Transport {
			return ws.FromConfig(cfg, ws.WithLogger(logger))
		},
	}

	return func(cfg core.RouterConfig, logger zerolog.Logger) (core.Transport, error) {
		cfg = cfg.WithDefaults()
		logger = logger.With().Str("transport", string(cfg.Protocol)).Logger()
		if ctor, ok := constructors[cfg.Protocol]; ok {
			return middleware.Wrap(ctor(cfg, logger), middleware.Logging(logger)), nil
		}

		// Fall back to the registry for externally registered transports.
		t, err := transports.Create(cfg)
		if err != nil {
			return nil, err
		}
		return middleware.Wrap(t, middleware.Logging(logger)), nil
	}
}
