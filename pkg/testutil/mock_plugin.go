// Package testutil provides testing utilities for the plugin subsystem.
// MockPlugin plays the part of an external plugin process: it dials the
// gateway's plugin channel, performs the registration handshake and sends
// capability announcements, so integration tests can drive the server
// end-to-end without spawning real processes.
package testutil

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"thinggateway/internal/ipc"
)

// MockPlugin is a scripted plugin peer connected over a real WebSocket.
type MockPlugin struct {
	PluginID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	inbound  chan *ipc.Envelope
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// Connect dials the gateway's plugin endpoint.
func Connect(addr, pluginID string) (*MockPlugin, error) {
	url := fmt.Sprintf("ws://%s/plugin", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	p := &MockPlugin{
		PluginID: pluginID,
		conn:     conn,
		inbound:  make(chan *ipc.Envelope, 16),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *MockPlugin) readLoop() {
	for {
		var envelope ipc.Envelope
		if err := p.conn.ReadJSON(&envelope); err != nil {
			close(p.done)
			return
		}
		select {
		case p.inbound <- &envelope:
		case <-time.After(time.Second):
			// test not reading; drop rather than wedge the loop
		}
	}
}

// Send writes one envelope of the given type to the gateway.
func (p *MockPlugin) Send(messageType ipc.MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(&ipc.Envelope{MessageType: messageType, Data: data})
}

// Expect waits for the next inbound envelope of the given type. Envelopes
// of other types arriving first fail the expectation.
func (p *MockPlugin) Expect(messageType ipc.MessageType, timeout time.Duration) (*ipc.Envelope, error) {
	select {
	case envelope := <-p.inbound:
		if envelope.MessageType != messageType {
			return nil, fmt.Errorf("expected %s, got %s", messageType, envelope.MessageType)
		}
		return envelope, nil
	case <-p.done:
		return nil, fmt.Errorf("connection closed while waiting for %s", messageType)
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for %s", messageType)
	}
}

// Register performs the full handshake and returns the decoded response.
func (p *MockPlugin) Register(timeout time.Duration) (*ipc.RegisterResponse, error) {
	err := p.Send(ipc.MessageTypeRegisterRequest, &ipc.RegisterRequest{PluginID: p.PluginID})
	if err != nil {
		return nil, err
	}

	envelope, err := p.Expect(ipc.MessageTypeRegisterResponse, timeout)
	if err != nil {
		return nil, err
	}

	var response ipc.RegisterResponse
	if err := json.Unmarshal(envelope.Data, &response); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	return &response, nil
}

// AddAdapter announces an adapter capability.
func (p *MockPlugin) AddAdapter(adapterID, name string) error {
	return p.Send(ipc.MessageTypeAdapterAdded, &ipc.AdapterAddedNotice{
		PluginID:    p.PluginID,
		AdapterID:   adapterID,
		Name:        name,
		PackageName: p.PluginID,
	})
}

// AddNotifier announces a notifier capability.
func (p *MockPlugin) AddNotifier(notifierID, name string) error {
	return p.Send(ipc.MessageTypeNotifierAdded, &ipc.NotifierAddedNotice{
		PluginID:    p.PluginID,
		NotifierID:  notifierID,
		Name:        name,
		PackageName: p.PluginID,
	})
}

// AddAPIHandler announces an API handler capability.
func (p *MockPlugin) AddAPIHandler(packageName string) error {
	return p.Send(ipc.MessageTypeAPIHandlerAdded, &ipc.APIHandlerAddedNotice{
		PluginID:    p.PluginID,
		PackageName: packageName,
	})
}

// AddDevice announces a device under an adapter.
func (p *MockPlugin) AddDevice(adapterID string, device ipc.DeviceDescription) error {
	return p.Send(ipc.MessageTypeDeviceAdded, &ipc.DeviceAddedNotice{
		PluginID:  p.PluginID,
		AdapterID: adapterID,
		Device:    device,
	})
}

// SendPropertyChanged reports a device property value update.
func (p *MockPlugin) SendPropertyChanged(adapterID, deviceID, property string, value interface{}) error {
	return p.Send(ipc.MessageTypePropertyChanged, &ipc.PropertyChangedNotice{
		PluginID:  p.PluginID,
		AdapterID: adapterID,
		DeviceID:  deviceID,
		Property:  property,
		Value:     value,
	})
}

// SendUnloaded reports that the plugin has finished unloading.
func (p *MockPlugin) SendUnloaded() error {
	return p.Send(ipc.MessageTypePluginUnloaded, &ipc.PluginUnloadedNotice{
		PluginID: p.PluginID,
	})
}

// Close tears down the connection.
func (p *MockPlugin) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}
