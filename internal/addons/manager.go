// Package addons implements the gateway-side owner of capability proxies.
// The plugin server hands proxies over as plugins announce them; from then
// on the manager is the authority on which adapters, notifiers and API
// handlers the gateway can use.
package addons

import (
	"sync"

	"go.uber.org/zap"

	"thinggateway/internal/plugin"
)

// Manager owns accepted capability proxies. It implements
// plugin.AddonManager.
type Manager struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	adapters    map[string]*plugin.AdapterProxy
	notifiers   map[string]*plugin.NotifierProxy
	apiHandlers map[string]*plugin.APIHandlerProxy
}

// NewManager creates an empty add-on manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger,
		adapters:    make(map[string]*plugin.AdapterProxy),
		notifiers:   make(map[string]*plugin.NotifierProxy),
		apiHandlers: make(map[string]*plugin.APIHandlerProxy),
	}
}

// AddAdapter accepts ownership of an adapter proxy.
func (m *Manager) AddAdapter(adapter *plugin.AdapterProxy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adapters[adapter.ID()] = adapter
	m.logger.Info("Adapter accepted",
		zap.String("adapter_id", adapter.ID()),
		zap.String("plugin_id", adapter.PluginID()))
}

// AddNotifier accepts ownership of a notifier proxy.
func (m *Manager) AddNotifier(notifier *plugin.NotifierProxy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifiers[notifier.ID()] = notifier
	m.logger.Info("Notifier accepted",
		zap.String("notifier_id", notifier.ID()),
		zap.String("plugin_id", notifier.PluginID()))
}

// AddAPIHandler accepts ownership of an API handler proxy.
func (m *Manager) AddAPIHandler(handler *plugin.APIHandlerProxy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apiHandlers[handler.ID()] = handler
	m.logger.Info("API handler accepted",
		zap.String("package_name", handler.PackageName()),
		zap.String("plugin_id", handler.PluginID()))
}

// PluginRemoved drops every proxy owned by the given plugin.
func (m *Manager) PluginRemoved(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, adapter := range m.adapters {
		if adapter.PluginID() == pluginID {
			delete(m.adapters, id)
		}
	}
	for id, notifier := range m.notifiers {
		if notifier.PluginID() == pluginID {
			delete(m.notifiers, id)
		}
	}
	for id, handler := range m.apiHandlers {
		if handler.PluginID() == pluginID {
			delete(m.apiHandlers, id)
		}
	}

	m.logger.Info("Plugin capabilities released", zap.String("plugin_id", pluginID))
}

// Adapter returns the adapter with the given id.
func (m *Manager) Adapter(id string) (*plugin.AdapterProxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[id]
	return adapter, ok
}

// Adapters returns all owned adapters.
func (m *Manager) Adapters() []*plugin.AdapterProxy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*plugin.AdapterProxy, 0, len(m.adapters))
	for _, adapter := range m.adapters {
		result = append(result, adapter)
	}
	return result
}

// Notifier returns the notifier with the given id.
func (m *Manager) Notifier(id string) (*plugin.NotifierProxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	notifier, ok := m.notifiers[id]
	return notifier, ok
}

// Notifiers returns all owned notifiers.
func (m *Manager) Notifiers() []*plugin.NotifierProxy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*plugin.NotifierProxy, 0, len(m.notifiers))
	for _, notifier := range m.notifiers {
		result = append(result, notifier)
	}
	return result
}

// APIHandler returns the handler registered for packageName.
func (m *Manager) APIHandler(packageName string) (*plugin.APIHandlerProxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handler, ok := m.apiHandlers[packageName]
	return handler, ok
}

// APIHandlers returns all owned API handlers.
func (m *Manager) APIHandlers() []*plugin.APIHandlerProxy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*plugin.APIHandlerProxy, 0, len(m.apiHandlers))
	for _, handler := range m.apiHandlers {
		result = append(result, handler)
	}
	return result
}
