// Package localproject locates the local working copy of a hosted project and
// reads its local configuration.
package localproject

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the project configuration file relative to the project root.
const ConfigPath = ".platform/local/project.yaml"

// ErrRootNotFound is returned when no project root contains the directory.
var ErrRootNotFound = errors.New("project root not found: run this command from inside a project directory")

// Config is the local project configuration.
type Config struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host,omitempty"`
}

// FindRoot returns the top of the git working copy containing dir.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", ErrRootNotFound
		}
		return "", fmt.Errorf("open repository at %s: %w", abs, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return "", ErrRootNotFound
		}
		return "", fmt.Errorf("open worktree: %w", err)
	}

	return worktree.Filesystem.Root(), nil
}

// LoadConfig reads the configuration under root. A missing file yields an
// empty Config.
func LoadConfig(root string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigPath, err)
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Host = strings.TrimSpace(cfg.Host)
	return cfg, nil
}

// SaveConfig writes cfg under root, creating the directory as needed.
func SaveConfig(root string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode project config: %w", err)
	}

	path := filepath.Join(root, ConfigPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	return nil
}
