package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Profile describes the gateway's on-disk user profile layout. Every path is
// absolute; plugins receive a copy of these paths during registration.
type Profile struct {
	BaseDir    string
	AddonsDir  string
	ConfigDir  string
	DataDir    string
	MediaDir   string
	LogDir     string
	GatewayDir string
}

// NewProfile computes the profile layout under baseDir. gatewayDir is the
// directory the gateway itself runs from.
func NewProfile(baseDir, gatewayDir string) Profile {
	return Profile{
		BaseDir:    baseDir,
		AddonsDir:  filepath.Join(baseDir, "addons"),
		ConfigDir:  filepath.Join(baseDir, "config"),
		DataDir:    filepath.Join(baseDir, "data"),
		MediaDir:   filepath.Join(baseDir, "media"),
		LogDir:     filepath.Join(baseDir, "log"),
		GatewayDir: gatewayDir,
	}
}

// Ensure creates any missing profile directories.
func (p Profile) Ensure() error {
	dirs := []string{p.BaseDir, p.AddonsDir, p.ConfigDir, p.DataDir, p.MediaDir, p.LogDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create profile directory %s: %w", dir, err)
		}
	}
	return nil
}
