package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"thinggateway/internal/clock"
	"thinggateway/internal/ipc"
)

// Plugin represents one running (or registering) plugin process. It
// demultiplexes every envelope addressed to its id and owns the capability
// proxies the process has announced.
//
// Self-registering plugins have no launch configuration and never call
// Start; gateway-launched plugins get exec/execPath from their manifest.
type Plugin struct {
	id     string
	server *Server
	logger *zap.Logger

	// launch configuration; empty for self-registering plugins
	exec     []string
	execPath string

	mu          sync.Mutex
	conn        *ipc.Conn
	cmd         *exec.Cmd
	graceTimer  clock.Timer
	unloaded    bool
	adapters    map[string]*AdapterProxy
	notifiers   map[string]*NotifierProxy
	apiHandlers map[string]*APIHandlerProxy
}

func newPlugin(id string, server *Server) *Plugin {
	return &Plugin{
		id:          id,
		server:      server,
		logger:      server.logger.With(zap.String("plugin_id", id)),
		adapters:    make(map[string]*AdapterProxy),
		notifiers:   make(map[string]*NotifierProxy),
		apiHandlers: make(map[string]*APIHandlerProxy),
	}
}

// ID returns the plugin's process-unique id.
func (p *Plugin) ID() string {
	return p.id
}

// SetExec stores the launch configuration for a gateway-launched plugin.
func (p *Plugin) SetExec(argv []string, workDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exec = argv
	p.execPath = workDir
}

// Start launches the plugin's external process. Errors when the plugin has
// no launch configuration (self-registering plugins never call this) or the
// process cannot be spawned. A launch failure leaves the registry entry in
// place; an external supervisor may retry.
func (p *Plugin) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.exec) == 0 {
		return fmt.Errorf("plugin %s has no launch command", p.id)
	}
	if p.cmd != nil && p.cmd.ProcessState == nil {
		return fmt.Errorf("plugin %s is already running", p.id)
	}

	cmd := exec.Command(p.exec[0], p.exec[1:]...)
	cmd.Dir = p.execPath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start plugin %s: %w", p.id, err)
	}
	p.cmd = cmd

	p.logger.Info("Plugin process started",
		zap.Strings("exec", p.exec),
		zap.Int("pid", cmd.Process.Pid))

	go p.pipeOutput("stdout", stdout)
	go p.pipeOutput("stderr", stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.logger.Warn("Plugin process exited", zap.Error(err))
			return
		}
		p.logger.Info("Plugin process exited")
	}()

	return nil
}

// pipeOutput mirrors one of the process's output streams into the gateway log.
func (p *Plugin) pipeOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("Plugin output",
			zap.String("stream", stream),
			zap.String("line", scanner.Text()))
	}
}

// bindConn attaches the channel connection once registration resolves this
// plugin. A pending disconnect grace timer is cancelled: the plugin
// reconnected in time.
func (p *Plugin) bindConn(conn *ipc.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.conn = conn
}

// usesConn reports whether conn is the plugin's bound connection.
func (p *Plugin) usesConn(conn *ipc.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && conn != nil && p.conn.ID() == conn.ID()
}

// send writes one envelope to the plugin process.
func (p *Plugin) send(messageType ipc.MessageType, payload interface{}) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("plugin %s is not connected", p.id)
	}
	return conn.SendMessage(messageType, payload)
}

// OnMsg interprets one envelope addressed to this plugin. Protocol errors
// (unknown capability ids, undecodable payloads, unexpected message types)
// are logged and dropped; nothing here is fatal.
func (p *Plugin) OnMsg(envelope *ipc.Envelope) {
	switch envelope.MessageType {
	case ipc.MessageTypeAdapterAdded:
		p.handleAdapterAdded(envelope)
	case ipc.MessageTypeNotifierAdded:
		p.handleNotifierAdded(envelope)
	case ipc.MessageTypeAPIHandlerAdded:
		p.handleAPIHandlerAdded(envelope)
	case ipc.MessageTypeDeviceAdded:
		p.handleDeviceAdded(envelope)
	case ipc.MessageTypeOutletAdded:
		p.handleOutletAdded(envelope)
	case ipc.MessageTypePropertyChanged:
		p.handlePropertyChanged(envelope)
	case ipc.MessageTypeEvent:
		p.handleEvent(envelope)
	case ipc.MessageTypeAPIResponse:
		p.handleAPIResponse(envelope)
	case ipc.MessageTypeAdapterRemoved:
		p.handleAdapterRemoved(envelope)
	case ipc.MessageTypeNotifierRemoved:
		p.handleNotifierRemoved(envelope)
	case ipc.MessageTypeAPIHandlerRemoved:
		p.handleAPIHandlerRemoved(envelope)
	case ipc.MessageTypePluginUnloaded:
		p.Unload()
	case ipc.MessageTypeRegisterRequest,
		ipc.MessageTypeRegisterResponse,
		ipc.MessageTypeSetProperty,
		ipc.MessageTypeNotify,
		ipc.MessageTypeAPIRequest,
		ipc.MessageTypeUnloadPlugin,
		ipc.MessageTypeRemoveCapability:
		// gateway-to-plugin types, or registration, which the Server consumes
		p.logger.Warn("Dropping misdirected message",
			zap.String("message_type", string(envelope.MessageType)))
	default:
		p.logger.Warn("Dropping message of unknown type",
			zap.String("message_type", string(envelope.MessageType)))
	}
}

func (p *Plugin) handleAdapterAdded(envelope *ipc.Envelope) {
	var notice ipc.AdapterAddedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	p.mu.Lock()
	if existing, ok := p.adapters[notice.AdapterID]; ok {
		// Duplicate announcement for a live capability id. The replacement
		// wins; the old proxy is retired.
		p.logger.Warn("Duplicate adapter announcement, replacing proxy",
			zap.String("adapter_id", notice.AdapterID))
		existing.markRemoved()
	}
	adapter := newAdapterProxy(p, &notice, p.logger)
	p.adapters[notice.AdapterID] = adapter
	p.mu.Unlock()

	p.logger.Info("Adapter added",
		zap.String("adapter_id", notice.AdapterID),
		zap.String("name", notice.Name))
	p.server.addAdapter(adapter)
}

func (p *Plugin) handleNotifierAdded(envelope *ipc.Envelope) {
	var notice ipc.NotifierAddedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	p.mu.Lock()
	if existing, ok := p.notifiers[notice.NotifierID]; ok {
		p.logger.Warn("Duplicate notifier announcement, replacing proxy",
			zap.String("notifier_id", notice.NotifierID))
		existing.markRemoved()
	}
	notifier := newNotifierProxy(p, &notice, p.logger)
	p.notifiers[notice.NotifierID] = notifier
	p.mu.Unlock()

	p.logger.Info("Notifier added",
		zap.String("notifier_id", notice.NotifierID),
		zap.String("name", notice.Name))
	p.server.addNotifier(notifier)
}

func (p *Plugin) handleAPIHandlerAdded(envelope *ipc.Envelope) {
	var notice ipc.APIHandlerAddedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	p.mu.Lock()
	if existing, ok := p.apiHandlers[notice.PackageName]; ok {
		p.logger.Warn("Duplicate api handler announcement, replacing proxy",
			zap.String("package_name", notice.PackageName))
		existing.markRemoved()
	}
	handler := newAPIHandlerProxy(p, &notice, p.logger)
	p.apiHandlers[notice.PackageName] = handler
	p.mu.Unlock()

	p.logger.Info("API handler added",
		zap.String("package_name", notice.PackageName))
	p.server.addAPIHandler(handler)
}

func (p *Plugin) handleDeviceAdded(envelope *ipc.Envelope) {
	var notice ipc.DeviceAddedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	adapter, ok := p.Adapter(notice.AdapterID)
	if !ok {
		p.logger.Warn("Dropping device for unknown adapter",
			zap.String("adapter_id", notice.AdapterID),
			zap.String("device_id", notice.Device.ID))
		return
	}
	adapter.applyDeviceAdded(&notice)
}

func (p *Plugin) handleOutletAdded(envelope *ipc.Envelope) {
	var notice ipc.OutletAddedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	notifier, ok := p.Notifier(notice.NotifierID)
	if !ok {
		p.logger.Warn("Dropping outlet for unknown notifier",
			zap.String("notifier_id", notice.NotifierID),
			zap.String("outlet_id", notice.Outlet.ID))
		return
	}
	notifier.applyOutletAdded(&notice)
}

func (p *Plugin) handlePropertyChanged(envelope *ipc.Envelope) {
	var notice ipc.PropertyChangedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	adapter, ok := p.Adapter(notice.AdapterID)
	if !ok {
		p.logger.Warn("Dropping property change for unknown adapter",
			zap.String("adapter_id", notice.AdapterID))
		return
	}
	if !adapter.applyPropertyChanged(&notice) {
		p.logger.Warn("Dropping property change for unknown device",
			zap.String("adapter_id", notice.AdapterID),
			zap.String("device_id", notice.DeviceID),
			zap.String("property", notice.Property))
	}
}

func (p *Plugin) handleEvent(envelope *ipc.Envelope) {
	var notice ipc.EventNotice
	if !p.decode(envelope, &notice) {
		return
	}

	adapter, ok := p.Adapter(notice.AdapterID)
	if !ok {
		p.logger.Warn("Dropping event for unknown adapter",
			zap.String("adapter_id", notice.AdapterID))
		return
	}
	if !adapter.applyEvent(&notice) {
		p.logger.Warn("Dropping event for unknown device",
			zap.String("adapter_id", notice.AdapterID),
			zap.String("device_id", notice.DeviceID))
	}
}

func (p *Plugin) handleAPIResponse(envelope *ipc.Envelope) {
	var resp ipc.APIResponse
	if !p.decode(envelope, &resp) {
		return
	}

	p.mu.Lock()
	handler, ok := p.apiHandlers[resp.PackageName]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("Dropping response for unknown api handler",
			zap.String("package_name", resp.PackageName))
		return
	}
	if !handler.applyResponse(&resp) {
		p.logger.Warn("Dropping response for unknown request",
			zap.String("package_name", resp.PackageName),
			zap.String("request_id", resp.RequestID))
	}
}

func (p *Plugin) handleAdapterRemoved(envelope *ipc.Envelope) {
	var notice ipc.CapabilityRemovedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	p.mu.Lock()
	adapter, ok := p.adapters[notice.CapabilityID]
	if ok {
		delete(p.adapters, notice.CapabilityID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("Dropping removal of unknown adapter",
			zap.String("adapter_id", notice.CapabilityID))
		return
	}
	adapter.markRemoved()
	p.logger.Info("Adapter removed", zap.String("adapter_id", notice.CapabilityID))
}

func (p *Plugin) handleNotifierRemoved(envelope *ipc.Envelope) {
	var notice ipc.CapabilityRemovedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	p.mu.Lock()
	notifier, ok := p.notifiers[notice.CapabilityID]
	if ok {
		delete(p.notifiers, notice.CapabilityID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("Dropping removal of unknown notifier",
			zap.String("notifier_id", notice.CapabilityID))
		return
	}
	notifier.markRemoved()
	p.logger.Info("Notifier removed", zap.String("notifier_id", notice.CapabilityID))
}

func (p *Plugin) handleAPIHandlerRemoved(envelope *ipc.Envelope) {
	var notice ipc.CapabilityRemovedNotice
	if !p.decode(envelope, &notice) {
		return
	}

	p.mu.Lock()
	handler, ok := p.apiHandlers[notice.CapabilityID]
	if ok {
		delete(p.apiHandlers, notice.CapabilityID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("Dropping removal of unknown api handler",
			zap.String("package_name", notice.CapabilityID))
		return
	}
	handler.markRemoved()
	p.logger.Info("API handler removed", zap.String("package_name", notice.CapabilityID))
}

// decode unmarshals an envelope payload, logging and dropping on failure.
func (p *Plugin) decode(envelope *ipc.Envelope, target interface{}) bool {
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		p.logger.Warn("Dropping undecodable message",
			zap.String("message_type", string(envelope.MessageType)),
			zap.Error(err))
		return false
	}
	return true
}

// Adapter returns the adapter proxy with the given capability id.
func (p *Plugin) Adapter(adapterID string) (*AdapterProxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	adapter, ok := p.adapters[adapterID]
	return adapter, ok
}

// Notifier returns the notifier proxy with the given capability id.
func (p *Plugin) Notifier(notifierID string) (*NotifierProxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	notifier, ok := p.notifiers[notifierID]
	return notifier, ok
}

// APIHandler returns the api handler proxy for the given package.
func (p *Plugin) APIHandler(packageName string) (*APIHandlerProxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handler, ok := p.apiHandlers[packageName]
	return handler, ok
}

func (p *Plugin) releaseAdapter(adapterID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.adapters, adapterID)
}

func (p *Plugin) releaseNotifier(notifierID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notifiers, notifierID)
}

func (p *Plugin) releaseAPIHandler(packageName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.apiHandlers, packageName)
}

// scheduleUnload starts the disconnect grace period. If the plugin does not
// re-register before the timer fires, it is unloaded as if it had sent a
// pluginUnloaded message.
func (p *Plugin) scheduleUnload(clk clock.Clock, grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn = nil
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceTimer = clk.AfterFunc(grace, func() {
		p.logger.Info("Disconnect grace period expired, unloading plugin")
		p.Unload()
	})
}

// Unload releases every owned capability proxy to the Add-on Manager's
// bookkeeping and removes the plugin from the registry. Idempotent; invoked
// for a pluginUnloaded message, an expired disconnect grace period, or
// server shutdown.
func (p *Plugin) Unload() {
	p.mu.Lock()
	if p.unloaded {
		p.mu.Unlock()
		return
	}
	p.unloaded = true

	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	for _, adapter := range p.adapters {
		adapter.markRemoved()
	}
	for _, notifier := range p.notifiers {
		notifier.markRemoved()
	}
	for _, handler := range p.apiHandlers {
		handler.markRemoved()
	}
	p.adapters = make(map[string]*AdapterProxy)
	p.notifiers = make(map[string]*NotifierProxy)
	p.apiHandlers = make(map[string]*APIHandlerProxy)
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.logger.Info("Plugin unloaded")

	p.server.pluginRemoved(p.id)
	p.server.UnregisterPlugin(p.id)

	if conn != nil {
		conn.Close()
	}
}
