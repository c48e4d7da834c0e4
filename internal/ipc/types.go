// Package ipc implements the shared message channel between the gateway and
// its plugin processes. Every plugin talks over one WebSocket connection;
// frames are JSON envelopes tagged with a message type and, except for the
// first registration frame, the owning plugin id.
package ipc

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of an envelope. The set is closed: the
// dispatch switches in the plugin package enumerate every constant below, and
// anything else is dropped as a protocol error.
type MessageType string

// Plugin-to-gateway message types.
const (
	MessageTypeRegisterRequest   MessageType = "registerRequest"
	MessageTypeAdapterAdded      MessageType = "adapterAdded"
	MessageTypeNotifierAdded     MessageType = "notifierAdded"
	MessageTypeAPIHandlerAdded   MessageType = "apiHandlerAdded"
	MessageTypeDeviceAdded       MessageType = "deviceAdded"
	MessageTypeOutletAdded       MessageType = "outletAdded"
	MessageTypePropertyChanged   MessageType = "propertyChanged"
	MessageTypeEvent             MessageType = "event"
	MessageTypeAPIResponse       MessageType = "apiResponse"
	MessageTypeAdapterRemoved    MessageType = "adapterRemoved"
	MessageTypeNotifierRemoved   MessageType = "notifierRemoved"
	MessageTypeAPIHandlerRemoved MessageType = "apiHandlerRemoved"
	MessageTypePluginUnloaded    MessageType = "pluginUnloaded"
)

// Gateway-to-plugin message types.
const (
	MessageTypeRegisterResponse MessageType = "registerResponse"
	MessageTypeSetProperty      MessageType = "setProperty"
	MessageTypeNotify           MessageType = "notify"
	MessageTypeAPIRequest       MessageType = "apiRequest"
	MessageTypeUnloadPlugin     MessageType = "unloadPlugin"
	MessageTypeRemoveCapability MessageType = "removeCapability"
)

// Envelope is one discrete frame on the channel. Data stays raw until the
// owning plugin decodes it into the payload type matching MessageType.
type Envelope struct {
	MessageType MessageType     `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

// envelopeHeader is the minimal slice of Data needed for routing.
type envelopeHeader struct {
	PluginID string `json:"pluginId"`
}

// PluginID extracts the owning plugin id from the envelope data. The second
// return is false when the data is malformed or carries no plugin id, which
// makes the envelope unroutable.
func (e *Envelope) PluginID() (string, bool) {
	if len(e.Data) == 0 {
		return "", false
	}
	var header envelopeHeader
	if err := json.Unmarshal(e.Data, &header); err != nil {
		return "", false
	}
	if header.PluginID == "" {
		return "", false
	}
	return header.PluginID, true
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(messageType MessageType, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{MessageType: messageType, Data: data}, nil
}

// RegisterRequest opens the handshake; the only message allowed to arrive
// before the plugin is registered.
type RegisterRequest struct {
	PluginID string `json:"pluginId"`
}

// UserProfile carries the gateway's profile directory layout to a plugin.
type UserProfile struct {
	AddonsDir  string `json:"addonsDir"`
	BaseDir    string `json:"baseDir"`
	ConfigDir  string `json:"configDir"`
	DataDir    string `json:"dataDir"`
	MediaDir   string `json:"mediaDir"`
	LogDir     string `json:"logDir"`
	GatewayDir string `json:"gatewayDir"`
}

// Units holds the user's measurement unit preferences.
type Units struct {
	Temperature string `json:"temperature"`
}

// Preferences holds the user preferences handed to a plugin at registration.
type Preferences struct {
	Language string `json:"language"`
	Units    Units  `json:"units"`
}

// RegisterResponse completes the handshake.
type RegisterResponse struct {
	PluginID       string      `json:"pluginId"`
	GatewayVersion string      `json:"gatewayVersion"`
	UserProfile    UserProfile `json:"userProfile"`
	Preferences    Preferences `json:"preferences"`
}

// AdapterAddedNotice announces a new adapter capability.
type AdapterAddedNotice struct {
	PluginID    string `json:"pluginId"`
	AdapterID   string `json:"adapterId"`
	Name        string `json:"name"`
	PackageName string `json:"packageName"`
}

// NotifierAddedNotice announces a new notifier capability.
type NotifierAddedNotice struct {
	PluginID    string `json:"pluginId"`
	NotifierID  string `json:"notifierId"`
	Name        string `json:"name"`
	PackageName string `json:"packageName"`
}

// APIHandlerAddedNotice announces a new API handler capability.
type APIHandlerAddedNotice struct {
	PluginID    string `json:"pluginId"`
	PackageName string `json:"packageName"`
}

// DeviceDescription mirrors one device exported by an adapter.
type DeviceDescription struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Type       string                 `json:"type,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// DeviceAddedNotice announces a device under an existing adapter.
type DeviceAddedNotice struct {
	PluginID  string            `json:"pluginId"`
	AdapterID string            `json:"adapterId"`
	Device    DeviceDescription `json:"device"`
}

// OutletDescription mirrors one notification outlet.
type OutletDescription struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OutletAddedNotice announces an outlet under an existing notifier.
type OutletAddedNotice struct {
	PluginID   string            `json:"pluginId"`
	NotifierID string            `json:"notifierId"`
	Outlet     OutletDescription `json:"outlet"`
}

// PropertyChangedNotice reports a device property value update.
type PropertyChangedNotice struct {
	PluginID  string      `json:"pluginId"`
	AdapterID string      `json:"adapterId"`
	DeviceID  string      `json:"deviceId"`
	Property  string      `json:"property"`
	Value     interface{} `json:"value"`
}

// EventNotice reports a device event.
type EventNotice struct {
	PluginID  string      `json:"pluginId"`
	AdapterID string      `json:"adapterId"`
	DeviceID  string      `json:"deviceId"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// CapabilityRemovedNotice reports that a plugin withdrew one capability.
// Shared by adapterRemoved, notifierRemoved and apiHandlerRemoved.
type CapabilityRemovedNotice struct {
	PluginID     string `json:"pluginId"`
	CapabilityID string `json:"capabilityId"`
}

// PluginUnloadedNotice reports that a plugin finished unloading.
type PluginUnloadedNotice struct {
	PluginID string `json:"pluginId"`
}

// SetPropertyRequest asks an adapter to change a device property.
type SetPropertyRequest struct {
	PluginID  string      `json:"pluginId"`
	AdapterID string      `json:"adapterId"`
	DeviceID  string      `json:"deviceId"`
	Property  string      `json:"property"`
	Value     interface{} `json:"value"`
}

// NotifyRequest asks a notifier to deliver a notification on an outlet.
type NotifyRequest struct {
	PluginID   string `json:"pluginId"`
	NotifierID string `json:"notifierId"`
	OutletID   string `json:"outletId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Level      int    `json:"level"`
}

// APIRequest delegates an HTTP request to an API handler plugin.
type APIRequest struct {
	PluginID    string            `json:"pluginId"`
	PackageName string            `json:"packageName"`
	RequestID   string            `json:"requestId"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Query       map[string]string `json:"query,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// APIResponse carries an API handler's reply, matched to its request by id.
type APIResponse struct {
	PluginID    string          `json:"pluginId"`
	PackageName string          `json:"packageName"`
	RequestID   string          `json:"requestId"`
	Status      int             `json:"status"`
	ContentType string          `json:"contentType,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// UnloadPluginRequest asks a plugin process to shut down.
type UnloadPluginRequest struct {
	PluginID string `json:"pluginId"`
}

// RemoveCapabilityRequest tells a plugin the gateway released one of its
// capabilities locally.
type RemoveCapabilityRequest struct {
	PluginID     string `json:"pluginId"`
	CapabilityID string `json:"capabilityId"`
}
