// Package scaffold writes a starter towerlink.yml.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/towerlink/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the name of the generated configuration
const ConfigFile = "towerlink.yml"

// Initialize writes towerlink.yml into dir and checks that it loads.
// An existing file is only replaced when force is set.
// Returns the path written.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, ConfigFile)

	if !force {
		if err := CheckExisting(dir); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/towerlink.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read towerlink.yml template: %w", err)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// Catch template drift from the config schema
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("created %s does not load: %w", path, err)
	}

	return path, nil
}

// CheckExisting returns an error if dir already holds a towerlink.yml
func CheckExisting(dir string) error {
	path := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return nil
}
