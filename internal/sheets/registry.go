package sheets

import (
	"strings"
	"sync"
)

// ClientFactory builds a store client from a DSN whose scheme it was
// registered under.
type ClientFactory func(dsn string, opts FactoryOptions) (Client, error)

var clientFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ClientFactory
}{
	factories: map[string]ClientFactory{},
}

// RegisterClientFactory overrides or adds a scheme. Registered factories take
// precedence over the built-in backends.
func RegisterClientFactory(scheme string, factory ClientFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	clientFactoryRegistry.mu.Lock()
	defer clientFactoryRegistry.mu.Unlock()
	clientFactoryRegistry.factories[scheme] = factory
}

func unregisterClientFactory(scheme string) {
	scheme = normalizeScheme(scheme)
	clientFactoryRegistry.mu.Lock()
	defer clientFactoryRegistry.mu.Unlock()
	delete(clientFactoryRegistry.factories, scheme)
}

func lookupClientFactory(scheme string) (ClientFactory, bool) {
	scheme = normalizeScheme(scheme)
	clientFactoryRegistry.mu.RLock()
	defer clientFactoryRegistry.mu.RUnlock()
	factory, ok := clientFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
