package plugin

import (
	"fmt"

	"go.uber.org/zap"

	"thinggateway/internal/ipc"
)

// Notification severity levels, lowest to highest.
const (
	NotificationLevelLow    = 0
	NotificationLevelNormal = 1
	NotificationLevelHigh   = 2
)

// Outlet mirrors one notification outlet exported by a notifier.
type Outlet struct {
	ID   string
	Name string
}

// NotifierProxy is the local stand-in for a notifier running inside a plugin
// process. Notify calls become outbound envelopes; outlet announcements
// update the local mirror.
type NotifierProxy struct {
	proxy
	name        string
	packageName string
	outlets     map[string]*Outlet
}

func newNotifierProxy(p *Plugin, notice *ipc.NotifierAddedNotice, logger *zap.Logger) *NotifierProxy {
	return &NotifierProxy{
		proxy: proxy{
			id:       notice.NotifierID,
			pluginID: notice.PluginID,
			plugin:   p,
			logger:   logger,
		},
		name:        notice.Name,
		packageName: notice.PackageName,
		outlets:     make(map[string]*Outlet),
	}
}

// Name returns the notifier's display name.
func (n *NotifierProxy) Name() string {
	return n.name
}

// PackageName returns the add-on package the notifier belongs to.
func (n *NotifierProxy) PackageName() string {
	return n.packageName
}

// Notify forwards a notification request to the plugin process.
func (n *NotifierProxy) Notify(outletID, title, message string, level int) error {
	if n.Removed() {
		return fmt.Errorf("notifier %s has been removed", n.id)
	}

	n.mu.RLock()
	_, ok := n.outlets[outletID]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notifier %s has no outlet %s", n.id, outletID)
	}

	return n.plugin.send(ipc.MessageTypeNotify, &ipc.NotifyRequest{
		PluginID:   n.pluginID,
		NotifierID: n.id,
		OutletID:   outletID,
		Title:      title,
		Message:    message,
		Level:      level,
	})
}

// Outlets returns a copy of the outlet mirror.
func (n *NotifierProxy) Outlets() []*Outlet {
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := make([]*Outlet, 0, len(n.outlets))
	for _, outlet := range n.outlets {
		copied := *outlet
		result = append(result, &copied)
	}
	return result
}

// Remove releases the notifier at the gateway's initiative.
func (n *NotifierProxy) Remove() {
	if !n.markRemoved() {
		return
	}

	if err := n.plugin.send(ipc.MessageTypeRemoveCapability, &ipc.RemoveCapabilityRequest{
		PluginID:     n.pluginID,
		CapabilityID: n.id,
	}); err != nil {
		n.logger.Warn("Failed to send capability removal notice",
			zap.String("plugin_id", n.pluginID),
			zap.String("notifier_id", n.id),
			zap.Error(err))
	}

	n.plugin.releaseNotifier(n.id)
}

// applyOutletAdded records an outlet announced by the plugin.
func (n *NotifierProxy) applyOutletAdded(notice *ipc.OutletAddedNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.outlets[notice.Outlet.ID] = &Outlet{
		ID:   notice.Outlet.ID,
		Name: notice.Outlet.Name,
	}
}
