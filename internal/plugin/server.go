package plugin

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"thinggateway/internal/clock"
	"thinggateway/internal/config"
	"thinggateway/internal/ipc"
)

// Handshake defaults, used whenever the preference lookup fails or returns
// nothing. Registration must complete either way.
const (
	DefaultLanguage        = "en-US"
	DefaultTemperatureUnit = "degree celsius"
)

// defaultGracePeriod is how long a disconnected plugin may stay registered
// before it is treated as unloaded. Tolerates plugin restarts and transient
// channel drops.
const defaultGracePeriod = 5 * time.Second

// Preferences supplies the user preferences handed to plugins at
// registration. Implemented by config.Loader.
type Preferences interface {
	Language() (string, error)
	TemperatureUnit() (string, error)
}

// Server owns the shared plugin channel and the registry of live plugins.
// It performs the registration handshake, routes every other inbound
// envelope to the owning Plugin, and forwards newly built capability proxies
// to the Add-on Manager.
type Server struct {
	version     string
	profile     config.Profile
	preferences Preferences
	manager     AddonManager
	logger      *zap.Logger

	clock       clock.Clock
	gracePeriod time.Duration

	mu      sync.Mutex
	plugins map[string]*Plugin

	listener   *ipc.Listener
	shutdownMu sync.Mutex
	shutdown   bool
}

// NewServer creates a plugin server. The registry starts empty; plugins
// appear through RegisterPlugin, LoadPlugin, or a registration request on
// the channel.
func NewServer(version string, profile config.Profile, preferences Preferences, manager AddonManager, logger *zap.Logger) *Server {
	return &Server{
		version:     version,
		profile:     profile,
		preferences: preferences,
		manager:     manager,
		logger:      logger,
		clock:       clock.NewRealClock(),
		gracePeriod: defaultGracePeriod,
		plugins:     make(map[string]*Plugin),
	}
}

// Start opens the plugin channel endpoint on addr.
func (s *Server) Start(addr string) error {
	s.listener = ipc.NewListener(addr, s, s.logger)
	if err := s.listener.Start(); err != nil {
		return fmt.Errorf("failed to start plugin channel: %w", err)
	}
	return nil
}

// RegisterPlugin returns the Plugin for id, creating the registry entry if
// absent. Idempotent: a second call with the same id returns the same
// instance.
func (s *Server) RegisterPlugin(id string) *Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plugin, ok := s.plugins[id]; ok {
		return plugin
	}

	plugin := newPlugin(id, s)
	s.plugins[id] = plugin
	s.logger.Info("Plugin registered", zap.String("plugin_id", id))
	return plugin
}

// Plugin looks up a registry entry without creating one.
func (s *Server) Plugin(id string) (*Plugin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugin, ok := s.plugins[id]
	return plugin, ok
}

// UnregisterPlugin removes id from the registry. The caller is responsible
// for releasing the plugin's proxies first; Plugin.Unload does both.
func (s *Server) UnregisterPlugin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plugins[id]; !ok {
		return
	}
	delete(s.plugins, id)
	s.logger.Info("Plugin unregistered", zap.String("plugin_id", id))
}

// LoadPlugin registers the plugin declared by the manifest and launches its
// process from the add-on directory dir. Used for plugins the gateway
// discovers and launches itself, as opposed to plugins that self-register
// over the channel.
func (s *Server) LoadPlugin(dir string, manifest *Manifest) error {
	plugin := s.RegisterPlugin(manifest.Name)
	plugin.SetExec(manifest.ExpandExec(dir), dir)

	if err := plugin.Start(); err != nil {
		// The registry entry stays; an external supervisor may retry.
		return fmt.Errorf("failed to launch plugin %s: %w", manifest.Name, err)
	}
	return nil
}

// UnloadPlugin asks a registered plugin process to shut down. The registry
// entry is removed when the plugin confirms with a pluginUnloaded message,
// or when its disconnect grace period expires.
func (s *Server) UnloadPlugin(id string) error {
	plugin, ok := s.Plugin(id)
	if !ok {
		return fmt.Errorf("plugin %s is not registered", id)
	}
	return plugin.send(ipc.MessageTypeUnloadPlugin, &ipc.UnloadPluginRequest{PluginID: id})
}

// HandleEnvelope is the dispatch entry point for every inbound envelope on
// the shared channel. Registration requests are handled here; everything
// else is routed to the owning Plugin by id. Envelopes that cannot be routed
// are dropped.
func (s *Server) HandleEnvelope(conn *ipc.Conn, envelope *ipc.Envelope) {
	if envelope.MessageType == ipc.MessageTypeRegisterRequest {
		s.handleRegisterRequest(conn, envelope)
		return
	}

	pluginID, ok := envelope.PluginID()
	if !ok {
		s.logger.Debug("Dropping envelope without plugin id",
			zap.String("message_type", string(envelope.MessageType)))
		return
	}

	plugin, ok := s.Plugin(pluginID)
	if !ok {
		s.logger.Debug("Dropping envelope for unregistered plugin",
			zap.String("plugin_id", pluginID),
			zap.String("message_type", string(envelope.MessageType)))
		return
	}

	plugin.OnMsg(envelope)
}

// handleRegisterRequest resolves the registry entry, binds the connection,
// and completes the handshake. The response is assembled asynchronously so a
// slow preference lookup never blocks dispatch for other plugins.
func (s *Server) handleRegisterRequest(conn *ipc.Conn, envelope *ipc.Envelope) {
	var req ipc.RegisterRequest
	if err := json.Unmarshal(envelope.Data, &req); err != nil || req.PluginID == "" {
		s.logger.Warn("Dropping malformed registration request", zap.Error(err))
		return
	}

	plugin := s.RegisterPlugin(req.PluginID)
	plugin.bindConn(conn)

	go s.sendRegisterResponse(plugin, conn)
}

// sendRegisterResponse assembles and sends the handshake response. A failed
// preference lookup falls back to defaults; a failed send is logged and
// forgotten, because the peer has already gone away and there is no retry.
func (s *Server) sendRegisterResponse(plugin *Plugin, conn *ipc.Conn) {
	language, err := s.preferences.Language()
	if err != nil {
		s.logger.Debug("Language preference unavailable, using default",
			zap.String("plugin_id", plugin.ID()),
			zap.Error(err))
		language = DefaultLanguage
	}

	temperatureUnit, err := s.preferences.TemperatureUnit()
	if err != nil {
		s.logger.Debug("Temperature unit preference unavailable, using default",
			zap.String("plugin_id", plugin.ID()),
			zap.Error(err))
		temperatureUnit = DefaultTemperatureUnit
	}

	response := &ipc.RegisterResponse{
		PluginID:       plugin.ID(),
		GatewayVersion: s.version,
		UserProfile: ipc.UserProfile{
			AddonsDir:  s.profile.AddonsDir,
			BaseDir:    s.profile.BaseDir,
			ConfigDir:  s.profile.ConfigDir,
			DataDir:    s.profile.DataDir,
			MediaDir:   s.profile.MediaDir,
			LogDir:     s.profile.LogDir,
			GatewayDir: s.profile.GatewayDir,
		},
		Preferences: ipc.Preferences{
			Language: language,
			Units:    ipc.Units{Temperature: temperatureUnit},
		},
	}

	if err := conn.SendMessage(ipc.MessageTypeRegisterResponse, response); err != nil {
		s.logger.Warn("Failed to send registration response",
			zap.String("plugin_id", plugin.ID()),
			zap.Error(err))
	}
}

// HandleDisconnect starts the owning plugin's grace period when its channel
// connection drops. Connections that never completed registration are
// ignored.
func (s *Server) HandleDisconnect(conn *ipc.Conn) {
	s.mu.Lock()
	var owner *Plugin
	for _, plugin := range s.plugins {
		if plugin.usesConn(conn) {
			owner = plugin
			break
		}
	}
	s.mu.Unlock()

	if owner == nil {
		return
	}

	s.logger.Info("Plugin connection lost, starting grace period",
		zap.String("plugin_id", owner.ID()),
		zap.Duration("grace_period", s.gracePeriod))
	owner.scheduleUnload(s.clock, s.gracePeriod)
}

// addAdapter forwards a newly built adapter proxy to the Add-on Manager.
// The only sanctioned path by which an adapter becomes visible to the rest
// of the gateway.
func (s *Server) addAdapter(adapter *AdapterProxy) {
	s.manager.AddAdapter(adapter)
}

// addNotifier forwards a newly built notifier proxy to the Add-on Manager.
func (s *Server) addNotifier(notifier *NotifierProxy) {
	s.manager.AddNotifier(notifier)
}

// addAPIHandler forwards a newly built api handler proxy to the Add-on
// Manager.
func (s *Server) addAPIHandler(handler *APIHandlerProxy) {
	s.manager.AddAPIHandler(handler)
}

// pluginRemoved tells the Add-on Manager to drop everything it holds for a
// plugin that has unloaded.
func (s *Server) pluginRemoved(pluginID string) {
	s.manager.PluginRemoved(pluginID)
}

// Status describes one registry entry for the HTTP status surface.
type Status struct {
	ID          string   `json:"id"`
	Connected   bool     `json:"connected"`
	Adapters    []string `json:"adapters"`
	Notifiers   []string `json:"notifiers"`
	APIHandlers []string `json:"apiHandlers"`
}

// Statuses returns a snapshot of the registry.
func (s *Server) Statuses() []Status {
	s.mu.Lock()
	plugins := make([]*Plugin, 0, len(s.plugins))
	for _, plugin := range s.plugins {
		plugins = append(plugins, plugin)
	}
	s.mu.Unlock()

	statuses := make([]Status, 0, len(plugins))
	for _, plugin := range plugins {
		plugin.mu.Lock()
		status := Status{
			ID:          plugin.id,
			Connected:   plugin.conn != nil,
			Adapters:    make([]string, 0, len(plugin.adapters)),
			Notifiers:   make([]string, 0, len(plugin.notifiers)),
			APIHandlers: make([]string, 0, len(plugin.apiHandlers)),
		}
		for id := range plugin.adapters {
			status.Adapters = append(status.Adapters, id)
		}
		for id := range plugin.notifiers {
			status.Notifiers = append(status.Notifiers, id)
		}
		for id := range plugin.apiHandlers {
			status.APIHandlers = append(status.APIHandlers, id)
		}
		plugin.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

// Shutdown unloads every registered plugin and closes the shared channel.
// Idempotent.
func (s *Server) Shutdown() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.shutdown {
		return nil
	}
	s.shutdown = true

	s.mu.Lock()
	plugins := make([]*Plugin, 0, len(s.plugins))
	for _, plugin := range s.plugins {
		plugins = append(plugins, plugin)
	}
	s.mu.Unlock()

	var errs error
	for _, plugin := range plugins {
		plugin.Unload()
	}
	if s.listener != nil {
		errs = multierr.Append(errs, s.listener.Stop())
	}
	return errs
}
