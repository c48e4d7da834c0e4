package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"thinggateway/internal/addons"
	"thinggateway/internal/api"
	"thinggateway/internal/config"
	"thinggateway/internal/plugin"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const gatewayVersion = "1.1.0"

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	profileDir := os.Getenv("GATEWAY_PROFILE")
	if profileDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Fatal("GATEWAY_PROFILE not set and home directory unknown", zap.Error(err))
		}
		profileDir = filepath.Join(home, ".thinggateway")
	}

	pluginAddr := os.Getenv("PLUGIN_ADDR")
	if pluginAddr == "" {
		pluginAddr = "127.0.0.1:9500"
	}

	apiPort := 8081
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			logger.Fatal("Invalid API_PORT", zap.String("value", v))
		}
		apiPort = port
	}

	gatewayDir, err := os.Getwd()
	if err != nil {
		logger.Fatal("Failed to determine gateway directory", zap.Error(err))
	}

	logger.Info("Starting Thing Gateway",
		zap.String("version", gatewayVersion),
		zap.String("profile", profileDir),
		zap.String("plugin_addr", pluginAddr))

	// Prepare the user profile
	profile := config.NewProfile(profileDir, gatewayDir)
	if err := profile.Ensure(); err != nil {
		logger.Fatal("Failed to prepare profile directories", zap.Error(err))
	}

	// Load configuration; missing preferences fall back to handshake defaults
	loader := config.NewLoader(profile.ConfigDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Warn("Configuration incomplete, plugins will receive defaults", zap.Error(err))
	}

	// Create the add-on manager and the plugin server
	manager := addons.NewManager(logger)
	server := plugin.NewServer(gatewayVersion, profile, loader, manager, logger)

	if err := server.Start(pluginAddr); err != nil {
		logger.Fatal("Failed to start plugin server", zap.Error(err))
	}
	defer server.Shutdown()

	// Launch every installed add-on
	loadInstalledAddons(server, profile.AddonsDir, logger)

	// Start the status API
	apiServer := api.NewServer(server, logger, apiPort)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer apiServer.Stop()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Gateway running. Press Ctrl+C to exit.")

	<-sigChan

	logger.Info("Shutting down gracefully...")
}

// loadInstalledAddons scans the add-ons directory and launches every add-on
// with a readable manifest. A single broken add-on never stops the gateway.
func loadInstalledAddons(server *plugin.Server, addonsDir string, logger *zap.Logger) {
	entries, err := os.ReadDir(addonsDir)
	if err != nil {
		logger.Warn("Failed to scan add-ons directory",
			zap.String("dir", addonsDir),
			zap.Error(err))
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(addonsDir, entry.Name())
		manifest, err := plugin.LoadManifest(dir)
		if err != nil {
			logger.Warn("Skipping add-on with unreadable manifest",
				zap.String("dir", dir),
				zap.Error(err))
			continue
		}

		if err := server.LoadPlugin(dir, manifest); err != nil {
			logger.Error("Failed to load add-on",
				zap.String("plugin_id", manifest.Name),
				zap.Error(err))
		}
	}
}
