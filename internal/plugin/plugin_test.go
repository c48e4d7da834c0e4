package plugin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"thinggateway/internal/ipc"
)

// registeredPlugin connects a test plugin with a completed handshake.
func registeredPlugin(t *testing.T, manager AddonManager) (*Server, *Plugin, *fakeWire) {
	t.Helper()

	server := newTestServer(stubPreferences{}, manager)
	wire := newFakeWire()
	conn := ipc.NewConn(wire, zap.NewNop())
	server.HandleEnvelope(conn, mustEnvelope(t, ipc.MessageTypeRegisterRequest,
		&ipc.RegisterRequest{PluginID: "abc"}))
	wire.next(t) // handshake response

	plugin, ok := server.Plugin("abc")
	if !ok {
		t.Fatal("expected abc registered")
	}
	return server, plugin, wire
}

func TestOnMsg_DeviceMirror(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, _ := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1", Name: "Adapter X"}))
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeDeviceAdded,
		&ipc.DeviceAddedNotice{
			PluginID:  "abc",
			AdapterID: "x1",
			Device: ipc.DeviceDescription{
				ID:         "lamp",
				Title:      "Desk Lamp",
				Properties: map[string]interface{}{"on": false},
			},
		}))
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypePropertyChanged,
		&ipc.PropertyChangedNotice{
			PluginID:  "abc",
			AdapterID: "x1",
			DeviceID:  "lamp",
			Property:  "on",
			Value:     true,
		}))

	adapter, ok := plugin.Adapter("x1")
	if !ok {
		t.Fatal("expected adapter x1")
	}
	device, ok := adapter.Device("lamp")
	if !ok {
		t.Fatal("expected device lamp")
	}
	if device.Properties["on"] != true {
		t.Errorf("expected on=true, got %v", device.Properties["on"])
	}
}

func TestOnMsg_UnknownDevice_Dropped(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, _ := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1"}))
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeDeviceAdded,
		&ipc.DeviceAddedNotice{
			PluginID:  "abc",
			AdapterID: "x1",
			Device:    ipc.DeviceDescription{ID: "lamp", Properties: map[string]interface{}{"on": false}},
		}))

	// unknown device id: logged, dropped, mirror untouched
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypePropertyChanged,
		&ipc.PropertyChangedNotice{PluginID: "abc", AdapterID: "x1", DeviceID: "ghost", Property: "on", Value: true}))

	// unknown adapter id: logged, dropped
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypePropertyChanged,
		&ipc.PropertyChangedNotice{PluginID: "abc", AdapterID: "nope", DeviceID: "lamp", Property: "on", Value: true}))

	adapter, _ := plugin.Adapter("x1")
	device, _ := adapter.Device("lamp")
	if device.Properties["on"] != false {
		t.Errorf("expected mirror untouched, got %v", device.Properties["on"])
	}
}

func TestOnMsg_PluginUnloaded(t *testing.T) {
	manager := &recordingManager{}
	server, plugin, _ := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1"}))
	adapter, _ := plugin.Adapter("x1")

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypePluginUnloaded,
		&ipc.PluginUnloadedNotice{PluginID: "abc"}))

	if _, ok := server.Plugin("abc"); ok {
		t.Error("expected abc unregistered")
	}
	if !adapter.Removed() {
		t.Error("expected owned proxies released")
	}
	removed := manager.removedPlugins()
	if len(removed) != 1 || removed[0] != "abc" {
		t.Errorf("expected manager notified, got %v", removed)
	}
}

func TestOnMsg_CapabilityRemoved(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, _ := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeNotifierAdded,
		&ipc.NotifierAddedNotice{PluginID: "abc", NotifierID: "n1", Name: "Mailer"}))
	notifier, _ := plugin.Notifier("n1")

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeNotifierRemoved,
		&ipc.CapabilityRemovedNotice{PluginID: "abc", CapabilityID: "n1"}))

	if _, ok := plugin.Notifier("n1"); ok {
		t.Error("expected notifier released")
	}
	if !notifier.Removed() {
		t.Error("expected proxy marked removed")
	}

	// removing again is a protocol error: logged and dropped
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeNotifierRemoved,
		&ipc.CapabilityRemovedNotice{PluginID: "abc", CapabilityID: "n1"}))
}

func TestOnMsg_UndecodablePayload(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, _ := registeredPlugin(t, manager)

	plugin.OnMsg(&ipc.Envelope{
		MessageType: ipc.MessageTypeAdapterAdded,
		Data:        json.RawMessage(`{"pluginId": "abc", "adapterId": 42}`),
	})

	if manager.adapterCount() != 0 {
		t.Error("expected undecodable announcement dropped")
	}
}

func TestAdapterProxy_SetProperty(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, wire := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1"}))
	adapter, _ := plugin.Adapter("x1")

	if err := adapter.SetProperty("lamp", "on", true); err != nil {
		t.Fatalf("set property failed: %v", err)
	}

	frame := wire.next(t)
	if frame.MessageType != ipc.MessageTypeSetProperty {
		t.Fatalf("expected setProperty, got %s", frame.MessageType)
	}
	var req ipc.SetPropertyRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	if req.PluginID != "abc" || req.AdapterID != "x1" || req.DeviceID != "lamp" || req.Property != "on" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestAdapterProxy_Remove(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, wire := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAdapterAdded,
		&ipc.AdapterAddedNotice{PluginID: "abc", AdapterID: "x1"}))
	adapter, _ := plugin.Adapter("x1")

	adapter.Remove()

	frame := wire.next(t)
	if frame.MessageType != ipc.MessageTypeRemoveCapability {
		t.Fatalf("expected removeCapability notice, got %s", frame.MessageType)
	}
	if _, ok := plugin.Adapter("x1"); ok {
		t.Error("expected plugin to release the adapter")
	}
	if err := adapter.SetProperty("lamp", "on", true); err == nil {
		t.Error("expected SetProperty on a removed adapter to fail")
	}

	// a second Remove is a no-op and sends nothing
	adapter.Remove()
	select {
	case frame := <-wire.frames:
		t.Errorf("unexpected frame after repeated remove: %s", frame.MessageType)
	default:
	}
}

func TestNotifierProxy_Notify(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, wire := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeNotifierAdded,
		&ipc.NotifierAddedNotice{PluginID: "abc", NotifierID: "n1", Name: "Mailer"}))
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeOutletAdded,
		&ipc.OutletAddedNotice{
			PluginID:   "abc",
			NotifierID: "n1",
			Outlet:     ipc.OutletDescription{ID: "email", Name: "Email"},
		}))
	notifier, _ := plugin.Notifier("n1")

	if err := notifier.Notify("pigeon", "t", "m", NotificationLevelLow); err == nil {
		t.Error("expected error for unknown outlet")
	}

	if err := notifier.Notify("email", "Alarm", "Door open", NotificationLevelHigh); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	frame := wire.next(t)
	if frame.MessageType != ipc.MessageTypeNotify {
		t.Fatalf("expected notify, got %s", frame.MessageType)
	}
	var req ipc.NotifyRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	if req.OutletID != "email" || req.Level != NotificationLevelHigh {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestAPIHandlerProxy_HandleRequest(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, wire := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAPIHandlerAdded,
		&ipc.APIHandlerAddedNotice{PluginID: "abc", PackageName: "weather-api"}))
	handler, ok := plugin.APIHandler("weather-api")
	if !ok {
		t.Fatal("expected api handler weather-api")
	}

	type result struct {
		response *APIResponse
		err      error
	}
	resultCh := make(chan result, 1)
	go func() {
		response, err := handler.HandleRequest(context.Background(), &APIRequest{
			Method: "GET",
			Path:   "/forecast",
		})
		resultCh <- result{response, err}
	}()

	frame := wire.next(t)
	if frame.MessageType != ipc.MessageTypeAPIRequest {
		t.Fatalf("expected apiRequest, got %s", frame.MessageType)
	}
	var req ipc.APIRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	if req.RequestID == "" {
		t.Fatal("expected a generated request id")
	}

	// plugin answers, matched by request id
	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAPIResponse, &ipc.APIResponse{
		PluginID:    "abc",
		PackageName: "weather-api",
		RequestID:   req.RequestID,
		Status:      200,
		ContentType: "application/json",
		Content:     json.RawMessage(`{"temp": 21}`),
	}))

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("request failed: %v", res.err)
		}
		if res.response.Status != 200 {
			t.Errorf("expected status 200, got %d", res.response.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delegated response")
	}
}

func TestAPIHandlerProxy_CancelledContext(t *testing.T) {
	manager := &recordingManager{}
	_, plugin, wire := registeredPlugin(t, manager)

	plugin.OnMsg(mustEnvelope(t, ipc.MessageTypeAPIHandlerAdded,
		&ipc.APIHandlerAddedNotice{PluginID: "abc", PackageName: "weather-api"}))
	handler, _ := plugin.APIHandler("weather-api")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handler.HandleRequest(ctx, &APIRequest{Method: "GET", Path: "/forecast"})
	if err == nil {
		t.Error("expected cancelled request to fail")
	}
	wire.next(t) // the request frame still went out
}

func TestPluginStart_NoExec(t *testing.T) {
	server := newTestServer(stubPreferences{}, &recordingManager{})
	plugin := server.RegisterPlugin("self-registering")

	if err := plugin.Start(); err == nil {
		t.Error("expected Start to fail without launch configuration")
	}
}

func TestPluginSend_NotConnected(t *testing.T) {
	server := newTestServer(stubPreferences{}, &recordingManager{})
	plugin := server.RegisterPlugin("abc")

	err := plugin.send(ipc.MessageTypeUnloadPlugin, &ipc.UnloadPluginRequest{PluginID: "abc"})
	if err == nil {
		t.Error("expected send to fail before registration binds a connection")
	}
}
