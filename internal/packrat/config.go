package packrat

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/restic/chunker"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
)

// Config contains the configuration of a repository.
type Config struct {
	Version           uint        `json:"version"`
	ID                string      `json:"id"`
	ChunkerPolynomial chunker.Pol `json:"chunker_polynomial"`
}

const (
	MinRepoVersion = 1
	MaxRepoVersion = 2

	// StableRepoVersion is written to the config of new repositories.
	StableRepoVersion = 2
)

func supportedVersion(v uint) bool {
	return v >= MinRepoVersion && v <= MaxRepoVersion
}

// CreateConfig returns a config with a random chunker polynomial and id.
func CreateConfig(version uint) (Config, error) {
	if !supportedVersion(version) {
		return Config{}, errors.Errorf("unsupported repository version %v", version)
	}

	pol, err := chunker.RandomPolynomial()
	if err != nil {
		return Config{}, errors.Wrap(err, "chunker.RandomPolynomial")
	}

	cfg := Config{Version: version, ID: NewRandomID().String(), ChunkerPolynomial: pol}
	debug.Log("new config: %#v", cfg)
	return cfg, nil
}

var skipPolynomialCheck atomic.Bool

// TestDisableCheckPolynomial lets LoadConfig accept reducible chunker
// polynomials, so that tests can use fixed ones.
func TestDisableCheckPolynomial(t testing.TB) {
	t.Logf("disabling check of the chunker polynomial")
	skipPolynomialCheck.Store(true)
}

func (cfg Config) check() error {
	if !supportedVersion(cfg.Version) {
		return errors.Wrapf(ErrCorruptData, "unsupported repository version %v", cfg.Version)
	}
	if !skipPolynomialCheck.Load() && !cfg.ChunkerPolynomial.Irreducible() {
		return errors.Wrap(ErrCorruptData, "invalid chunker polynomial")
	}
	return nil
}

// LoadConfig loads and checks the config of a repository. A config that
// cannot be decoded or holds invalid values is ErrCorruptData.
func LoadConfig(ctx context.Context, r LoaderUnpacked) (Config, error) {
	var cfg Config
	if err := LoadJSONUnpacked(ctx, r, ConfigFile, ID{}, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig stores cfg as the config object.
func SaveConfig(ctx context.Context, r SaverUnpacked, cfg Config) error {
	_, err := SaveJSONUnpacked(ctx, r, ConfigFile, cfg)
	return err
}
