package plugin

import (
	"sync"

	"go.uber.org/zap"
)

// AddonManager is the boundary to the component that owns capability proxies
// once the plugin subsystem has built them. Implemented by internal/addons;
// injected into the Server, never reached through globals.
type AddonManager interface {
	AddAdapter(adapter *AdapterProxy)
	AddNotifier(notifier *NotifierProxy)
	AddAPIHandler(handler *APIHandlerProxy)
	PluginRemoved(pluginID string)
}

// proxy is the shared contract of every capability proxy: a capability id,
// the owning plugin, and removal bookkeeping. State mutation is only ever
// driven by envelopes whose plugin id matches the owning plugin, which the
// Plugin's dispatch guarantees before any apply method is reached.
type proxy struct {
	id       string
	pluginID string
	plugin   *Plugin
	logger   *zap.Logger
	mu       sync.RWMutex
	removed  bool
}

// ID returns the capability id.
func (p *proxy) ID() string {
	return p.id
}

// PluginID returns the id of the plugin that exported this capability.
func (p *proxy) PluginID() string {
	return p.pluginID
}

// Removed reports whether the capability has been released.
func (p *proxy) Removed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.removed
}

// markRemoved flips the proxy into its terminal state. Returns false if it
// was already removed.
func (p *proxy) markRemoved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.removed {
		return false
	}
	p.removed = true
	return true
}
