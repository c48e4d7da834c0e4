package plugin

import (
	"fmt"

	"go.uber.org/zap"

	"thinggateway/internal/ipc"
)

// Device mirrors the latest known state of one device behind an adapter.
type Device struct {
	ID         string
	Title      string
	Type       string
	Properties map[string]interface{}
}

// AdapterProxy is the local stand-in for a device adapter running inside a
// plugin process. Local property-set calls become outbound envelopes; device
// and property announcements from the plugin update the local mirror.
type AdapterProxy struct {
	proxy
	name        string
	packageName string
	devices     map[string]*Device
}

func newAdapterProxy(p *Plugin, notice *ipc.AdapterAddedNotice, logger *zap.Logger) *AdapterProxy {
	return &AdapterProxy{
		proxy: proxy{
			id:       notice.AdapterID,
			pluginID: notice.PluginID,
			plugin:   p,
			logger:   logger,
		},
		name:        notice.Name,
		packageName: notice.PackageName,
		devices:     make(map[string]*Device),
	}
}

// Name returns the adapter's display name.
func (a *AdapterProxy) Name() string {
	return a.name
}

// PackageName returns the add-on package the adapter belongs to.
func (a *AdapterProxy) PackageName() string {
	return a.packageName
}

// SetProperty forwards a property change request to the plugin process. The
// local mirror is not updated here; it changes when the plugin confirms with
// a propertyChanged message.
func (a *AdapterProxy) SetProperty(deviceID, property string, value interface{}) error {
	if a.Removed() {
		return fmt.Errorf("adapter %s has been removed", a.id)
	}

	return a.plugin.send(ipc.MessageTypeSetProperty, &ipc.SetPropertyRequest{
		PluginID:  a.pluginID,
		AdapterID: a.id,
		DeviceID:  deviceID,
		Property:  property,
		Value:     value,
	})
}

// Device returns a copy of the mirrored state for one device.
func (a *AdapterProxy) Device(deviceID string) (*Device, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	device, ok := a.devices[deviceID]
	if !ok {
		return nil, false
	}
	return copyDevice(device), true
}

// Devices returns a copy of the full device mirror.
func (a *AdapterProxy) Devices() []*Device {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]*Device, 0, len(a.devices))
	for _, device := range a.devices {
		result = append(result, copyDevice(device))
	}
	return result
}

// Remove releases the adapter at the gateway's initiative: the plugin is
// told to withdraw the capability and the owning Plugin drops it.
func (a *AdapterProxy) Remove() {
	if !a.markRemoved() {
		return
	}

	if err := a.plugin.send(ipc.MessageTypeRemoveCapability, &ipc.RemoveCapabilityRequest{
		PluginID:     a.pluginID,
		CapabilityID: a.id,
	}); err != nil {
		a.logger.Warn("Failed to send capability removal notice",
			zap.String("plugin_id", a.pluginID),
			zap.String("adapter_id", a.id),
			zap.Error(err))
	}

	a.plugin.releaseAdapter(a.id)
}

// applyDeviceAdded records a device announced by the plugin.
func (a *AdapterProxy) applyDeviceAdded(notice *ipc.DeviceAddedNotice) {
	a.mu.Lock()
	defer a.mu.Unlock()

	properties := make(map[string]interface{}, len(notice.Device.Properties))
	for name, value := range notice.Device.Properties {
		properties[name] = value
	}

	a.devices[notice.Device.ID] = &Device{
		ID:         notice.Device.ID,
		Title:      notice.Device.Title,
		Type:       notice.Device.Type,
		Properties: properties,
	}
}

// applyPropertyChanged updates the mirror for one device property. Returns
// false when the device is unknown; the caller logs and drops the message.
func (a *AdapterProxy) applyPropertyChanged(notice *ipc.PropertyChangedNotice) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	device, ok := a.devices[notice.DeviceID]
	if !ok {
		return false
	}
	device.Properties[notice.Property] = notice.Value
	return true
}

// applyEvent handles a device event. Events do not change the property
// mirror; they are surfaced to the log and dropped if the device is unknown.
func (a *AdapterProxy) applyEvent(notice *ipc.EventNotice) bool {
	a.mu.RLock()
	_, ok := a.devices[notice.DeviceID]
	a.mu.RUnlock()

	if !ok {
		return false
	}

	a.logger.Debug("Device event",
		zap.String("plugin_id", a.pluginID),
		zap.String("adapter_id", a.id),
		zap.String("device_id", notice.DeviceID),
		zap.String("event", notice.Event))
	return true
}

func copyDevice(device *Device) *Device {
	properties := make(map[string]interface{}, len(device.Properties))
	for name, value := range device.Properties {
		properties[name] = value
	}
	return &Device{
		ID:         device.ID,
		Title:      device.Title,
		Type:       device.Type,
		Properties: properties,
	}
}
