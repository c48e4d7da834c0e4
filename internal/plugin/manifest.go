package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manifest describes an installed add-on. It is read from the package.json
// file in the add-on's directory; only the fields the gateway needs are
// decoded.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Moziot  struct {
		Exec string `json:"exec"`
	} `json:"moziot"`
}

// LoadManifest reads and parses the manifest in the add-on directory dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "package.json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if manifest.Name == "" {
		return nil, fmt.Errorf("manifest %s has no name", path)
	}
	if manifest.Moziot.Exec == "" {
		return nil, fmt.Errorf("manifest %s has no exec command", path)
	}

	return &manifest, nil
}

// ExpandExec substitutes the {path} and {name} placeholders in the
// manifest's exec line and splits it into argv form.
func (m *Manifest) ExpandExec(dir string) []string {
	exec := strings.ReplaceAll(m.Moziot.Exec, "{path}", dir)
	exec = strings.ReplaceAll(exec, "{name}", m.Name)
	return strings.Fields(exec)
}
