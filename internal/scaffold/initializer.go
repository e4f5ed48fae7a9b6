// Package scaffold creates a starter parley project.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/parley/internal/config"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// ExampleMessagesFile is the sample bulk input written next to parley.yml.
const ExampleMessagesFile = "messages.example.jsonl"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes parley.yml and an example message file into dir.
// With force, existing files are replaced.
func Initialize(dir string, force bool) ([]FileInfo, error) {
	if force {
		if err := handleForce(dir); err != nil {
			return nil, err
		}
	}

	files, err := getTemplateFiles(dir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	if err := validateCreatedConfig(filepath.Join(dir, config.DefaultFile)); err != nil {
		return nil, err
	}
	return files, nil
}

func handleForce(dir string) error {
	for _, name := range []string{config.DefaultFile, ExampleMessagesFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
		}
	}
	return nil
}

func getTemplateFiles(dir string) ([]FileInfo, error) {
	templates := []struct {
		template string
		path     string
	}{
		{"templates/parley.yml.tmpl", config.DefaultFile},
		{"templates/messages.jsonl.tmpl", ExampleMessagesFile},
	}

	files := make([]FileInfo, 0, len(templates))
	for _, t := range templates {
		content, err := templatesFS.ReadFile(t.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", t.path, err)
		}
		files = append(files, FileInfo{
			Path:        filepath.Join(dir, t.path),
			Content:     content,
			Permissions: 0644,
		})
	}
	return files, nil
}

// validateCreatedConfig checks the written file parses and validates as a
// configuration. Environment overrides are not applied.
func validateCreatedConfig(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", path, err)
	}

	var cfg config.ParleyConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return fmt.Errorf("created %s is not valid YAML: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("created %s is invalid: %w", path, err)
	}
	return nil
}
