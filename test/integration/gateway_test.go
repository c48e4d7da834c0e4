package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"thinggateway/internal/addons"
	"thinggateway/internal/config"
	"thinggateway/internal/ipc"
	"thinggateway/internal/plugin"
	"thinggateway/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAddr    = "localhost:19500"
	testTimeout = 2 * time.Second
)

type failingPreferences struct{}

func (failingPreferences) Language() (string, error)        { return "", fmt.Errorf("unavailable") }
func (failingPreferences) TemperatureUnit() (string, error) { return "", fmt.Errorf("unavailable") }

func setupGateway(t *testing.T, prefs plugin.Preferences) (*plugin.Server, *addons.Manager, func()) {
	logger, _ := zap.NewDevelopment()

	profile := config.NewProfile(t.TempDir(), "/opt/thinggateway")
	manager := addons.NewManager(logger)
	server := plugin.NewServer("1.1.0", profile, prefs, manager, logger)

	err := server.Start(testAddr)
	require.NoError(t, err)

	// give the listener a moment to bind
	time.Sleep(50 * time.Millisecond)

	cleanup := func() {
		server.Shutdown()
	}
	return server, manager, cleanup
}

// eventually polls the condition until it holds or the deadline passes.
func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, testTimeout, 10*time.Millisecond, msg)
}

// TestPluginLifecycle walks one plugin through registration, capability
// announcement, state updates and unload.
func TestPluginLifecycle(t *testing.T) {
	server, manager, cleanup := setupGateway(t, failingPreferences{})
	defer cleanup()

	mock, err := testutil.Connect(testAddr, "abc")
	require.NoError(t, err)
	defer mock.Close()

	t.Run("handshake", func(t *testing.T) {
		response, err := mock.Register(testTimeout)
		require.NoError(t, err)

		assert.Equal(t, "abc", response.PluginID)
		assert.Equal(t, "1.1.0", response.GatewayVersion)
		assert.NotEmpty(t, response.UserProfile.AddonsDir)
		assert.NotEmpty(t, response.UserProfile.LogDir)

		// preference lookups fail in this setup; defaults must be served
		assert.Equal(t, "en-US", response.Preferences.Language)
		assert.Equal(t, "degree celsius", response.Preferences.Units.Temperature)
	})

	t.Run("adapter announcement", func(t *testing.T) {
		require.NoError(t, mock.AddAdapter("x1", "Test Adapter"))

		eventually(t, func() bool {
			_, ok := manager.Adapter("x1")
			return ok
		}, "adapter never reached the add-on manager")

		adapter, _ := manager.Adapter("x1")
		assert.Equal(t, "abc", adapter.PluginID())
		assert.Len(t, manager.Adapters(), 1)
	})

	t.Run("device state mirror", func(t *testing.T) {
		require.NoError(t, mock.AddDevice("x1", ipc.DeviceDescription{
			ID:         "lamp",
			Title:      "Desk Lamp",
			Properties: map[string]interface{}{"on": false},
		}))
		require.NoError(t, mock.SendPropertyChanged("x1", "lamp", "on", true))

		adapter, _ := manager.Adapter("x1")
		eventually(t, func() bool {
			device, ok := adapter.Device("lamp")
			return ok && device.Properties["on"] == true
		}, "property change never applied")
	})

	t.Run("unload", func(t *testing.T) {
		require.NoError(t, mock.SendUnloaded())

		eventually(t, func() bool {
			_, ok := server.Plugin("abc")
			return !ok
		}, "plugin never left the registry")

		_, ok := manager.Adapter("x1")
		assert.False(t, ok, "manager should drop the plugin's adapters")

		// further messages for the unloaded id are dropped silently; the
		// send itself may fail because the gateway closed the connection
		_ = mock.SendPropertyChanged("x1", "lamp", "on", false)
		time.Sleep(100 * time.Millisecond)
		_, ok = server.Plugin("abc")
		assert.False(t, ok)
	})
}

// TestTwoPluginsIsolated verifies routing between concurrently registered
// plugins: each plugin's messages only ever touch its own proxies.
func TestTwoPluginsIsolated(t *testing.T) {
	server, manager, cleanup := setupGateway(t, failingPreferences{})
	defer cleanup()

	first, err := testutil.Connect(testAddr, "plugin-a")
	require.NoError(t, err)
	defer first.Close()

	second, err := testutil.Connect(testAddr, "plugin-b")
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Register(testTimeout)
	require.NoError(t, err)
	_, err = second.Register(testTimeout)
	require.NoError(t, err)

	require.NoError(t, first.AddAdapter("a1", "Adapter A"))
	require.NoError(t, second.AddAdapter("b1", "Adapter B"))

	eventually(t, func() bool {
		_, okA := manager.Adapter("a1")
		_, okB := manager.Adapter("b1")
		return okA && okB
	}, "adapters never registered")

	pluginA, ok := server.Plugin("plugin-a")
	require.True(t, ok)
	pluginB, ok := server.Plugin("plugin-b")
	require.True(t, ok)

	_, ok = pluginA.Adapter("b1")
	assert.False(t, ok, "plugin-a must not own plugin-b's adapter")
	_, ok = pluginB.Adapter("a1")
	assert.False(t, ok, "plugin-b must not own plugin-a's adapter")

	// unloading one plugin leaves the other untouched
	require.NoError(t, first.SendUnloaded())
	eventually(t, func() bool {
		_, ok := server.Plugin("plugin-a")
		return !ok
	}, "plugin-a never unloaded")

	_, ok = server.Plugin("plugin-b")
	assert.True(t, ok)
	_, ok = manager.Adapter("b1")
	assert.True(t, ok)
}

// TestSelfRegisteringPreferences verifies the handshake carries configured
// preferences when the lookup succeeds.
func TestSelfRegisteringPreferences(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	profileDir := t.TempDir()
	profile := config.NewProfile(profileDir, "/opt/thinggateway")
	require.NoError(t, profile.Ensure())

	loader := config.NewLoader(profile.ConfigDir, logger)
	writePrefs(t, profile.ConfigDir)
	require.NoError(t, loader.LoadAll())

	manager := addons.NewManager(logger)
	server := plugin.NewServer("1.1.0", profile, loader, manager, logger)
	require.NoError(t, server.Start("localhost:19501"))
	defer server.Shutdown()
	time.Sleep(50 * time.Millisecond)

	mock, err := testutil.Connect("localhost:19501", "abc")
	require.NoError(t, err)
	defer mock.Close()

	response, err := mock.Register(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "nb-NO", response.Preferences.Language)
	assert.Equal(t, "degree fahrenheit", response.Preferences.Units.Temperature)
}

func writePrefs(t *testing.T, configDir string) {
	t.Helper()
	content := "language: nb-NO\nunits:\n  temperature: degree fahrenheit\n"
	path := filepath.Join(configDir, "preferences.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
