package shellcache

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Manifest is the shell manifest: the minimal asset set needed to boot the
// application offline, pinned to a cache version.
type Manifest struct {
	Version string   `yaml:"version"`
	Origin  string   `yaml:"origin"`
	Assets  []string `yaml:"assets"`
}

// LoadManifest reads and validates a YAML shell manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest missing version")
	}
	if len(m.Assets) == 0 {
		return nil, fmt.Errorf("manifest lists no assets")
	}
	return &m, nil
}
