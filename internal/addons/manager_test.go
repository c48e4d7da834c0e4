package addons

import (
	"fmt"
	"testing"

	"go.uber.org/zap"

	"thinggateway/internal/config"
	"thinggateway/internal/ipc"
	"thinggateway/internal/plugin"
)

type noPreferences struct{}

func (noPreferences) Language() (string, error)        { return "", fmt.Errorf("unavailable") }
func (noPreferences) TemperatureUnit() (string, error) { return "", fmt.Errorf("unavailable") }

// announce drives a capability announcement through a real plugin server
// with the manager under test injected as its Add-on Manager.
func newServer(manager *Manager) *plugin.Server {
	profile := config.NewProfile("/tmp/profile", "/tmp/gateway")
	return plugin.NewServer("1.1.0", profile, noPreferences{}, manager, zap.NewNop())
}

func mustEnvelope(t *testing.T, messageType ipc.MessageType, payload interface{}) *ipc.Envelope {
	t.Helper()
	envelope, err := ipc.NewEnvelope(messageType, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return envelope
}

func TestManagerAcceptsCapabilities(t *testing.T) {
	manager := NewManager(zap.NewNop())
	server := newServer(manager)
	server.RegisterPlugin("abc")

	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1", Name: "Adapter X"}))
	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypeNotifierAdded,
		&ipc.NotifierAddedNotice{PluginID: "abc", NotifierID: "n1", Name: "Mailer"}))
	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypeAPIHandlerAdded,
		&ipc.APIHandlerAddedNotice{PluginID: "abc", PackageName: "weather-api"}))

	adapter, ok := manager.Adapter("x1")
	if !ok {
		t.Fatal("expected adapter x1 accepted")
	}
	if adapter.PluginID() != "abc" {
		t.Errorf("expected owner abc, got %s", adapter.PluginID())
	}

	if _, ok := manager.Notifier("n1"); !ok {
		t.Error("expected notifier n1 accepted")
	}
	if _, ok := manager.APIHandler("weather-api"); !ok {
		t.Error("expected api handler weather-api accepted")
	}

	if len(manager.Adapters()) != 1 || len(manager.Notifiers()) != 1 || len(manager.APIHandlers()) != 1 {
		t.Error("expected exactly one capability of each kind")
	}
}

func TestManagerPluginRemoved(t *testing.T) {
	manager := NewManager(zap.NewNop())
	server := newServer(manager)
	server.RegisterPlugin("abc")
	server.RegisterPlugin("other")

	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1"}))
	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "other", AdapterID: "y1"}))
	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypeNotifierAdded,
		&ipc.NotifierAddedNotice{PluginID: "abc", NotifierID: "n1"}))

	server.HandleEnvelope(nil, mustEnvelope(t, ipc.MessageTypePluginUnloaded,
		&ipc.PluginUnloadedNotice{PluginID: "abc"}))

	if _, ok := manager.Adapter("x1"); ok {
		t.Error("expected abc's adapter dropped")
	}
	if _, ok := manager.Notifier("n1"); ok {
		t.Error("expected abc's notifier dropped")
	}
	if _, ok := manager.Adapter("y1"); !ok {
		t.Error("expected the other plugin's adapter untouched")
	}
}
