package config

import (
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// FromFile loads the daemon config from a TOML file, returning defaults
// when the file does not exist.
func FromFile(path string) (*FleetdConfig, error) {
	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return DefaultFleetd(), nil
	case err != nil:
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	return FromReader(f)
}

// FromReader loads the config from a reader over the defaults.
func FromReader(r io.Reader) (*FleetdConfig, error) {
	cfg := DefaultFleetd()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}
