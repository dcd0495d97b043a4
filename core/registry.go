package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConnectorRegistry is a startup-time registry mapping provider names to
// connector implementations. Registration happens once at process start;
// lookups are concurrent.
type ConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{connectors: make(map[string]Connector)}
}

func (r *ConnectorRegistry) Register(name string, connector Connector) error {
	if connector == nil {
		return fmt.Errorf("core: connector is nil")
	}
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = strings.TrimSpace(strings.ToLower(connector.Metadata().Name))
	}
	if name == "" {
		return fmt.Errorf("core: connector name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("core: connector already registered: %s", name)
	}
	r.connectors[name] = connector
	return nil
}

func (r *ConnectorRegistry) Get(name string) (Connector, bool) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	connector, ok := r.connectors[name]
	r.mu.RUnlock()
	return connector, ok
}

func (r *ConnectorRegistry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

var _ Registry = (*ConnectorRegistry)(nil)
