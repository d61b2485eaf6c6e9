package rpc

import (
	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports"
)

func init() {
	transports.Register(core.ProtocolGRPC, func(cfg core.RouterConfig) (core.Transport, error) {
		return FromConfig(cfg), nil
	})
}
