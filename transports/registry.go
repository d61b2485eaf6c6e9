// Package transports holds the registry of transport adapters. Adapters
// register themselves from init, so importing an adapter package makes its
// protocol available to Create.
package transports

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/llmrouter/core"
)

// Factory builds a transport from a resolved router configuration.
type Factory func(cfg core.RouterConfig) (core.Transport, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[core.Protocol]Factory)
)

// Register adds a transport factory under name. A second registration
// under the same name replaces the first.
//
//	func init() {
//	    transports.Register(core.ProtocolHTTP, func(cfg core.RouterConfig) (core.Transport, error) {
//	        return FromConfig(cfg), nil
//	    })
//	}
func Register(name core.Protocol, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get returns the factory registered under name, or nil.
func Get(name core.Protocol) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// Create builds the transport for cfg.Protocol. Defaults are applied to
// cfg first, so an empty protocol selects HTTP.
func Create(cfg core.RouterConfig) (core.Transport, error) {
	cfg = cfg.WithDefaults()
	factory := Get(cfg.Protocol)
	if factory == nil {
		return nil, core.ValidationError("transport", "unknown protocol %q (available: %v)", cfg.Protocol, List())
	}
	t, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", cfg.Protocol, err)
	}
	return t, nil
}

// List returns the registered protocol names in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a transport is registered under name.
func IsRegistered(name core.Protocol) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
