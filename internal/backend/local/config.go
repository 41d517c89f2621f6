package local

import (
	"strings"

	"github.com/packrat/packrat/internal/errors"
)

// Config holds the settings of a local repository.
type Config struct {
	Path        string
	Connections uint
}

// NewConfig returns a config with defaults applied.
func NewConfig() Config {
	return Config{Connections: 2}
}

// ParseConfig parses a location of the form "local:/path/to/repo".
func ParseConfig(s string) (*Config, error) {
	path, ok := strings.CutPrefix(s, "local:")
	if !ok {
		return nil, errors.New(`invalid format, prefix "local" not found`)
	}
	if path == "" {
		return nil, errors.New("empty path")
	}

	cfg := NewConfig()
	cfg.Path = path
	return &cfg, nil
}
