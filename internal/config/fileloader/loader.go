// Package fileloader loads controller configuration from a YAML file with
// environment-variable overrides.
package fileloader

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/quarryscan/quarry/internal/config"
)

// FileLoader loads configuration from a file on disk, layering environment
// variables on top. It implements the Loader interface to provide file-based
// configuration management.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file specified in FileLoader.path.
// Environment variables prefixed with QUARRY_ override file values, with dots
// replaced by underscores (QUARRY_POSTGRES_HOST overrides postgres.host).
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Normalize()
	return &cfg, nil
}
